// Package auth issues and resolves API key credentials. Only digests of key
// secrets are ever persisted; the plaintext key is handed to the caller once
// at issuance.
package auth

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Sentinel errors returned by Service and Repository implementations.
var (
	// ErrNotFound means no live credential matches, or its owner is missing.
	ErrNotFound = errors.New("credential not found")
)

// Identity is the account a credential authenticates as.
type Identity struct {
	ID int64
}

// Credential is the stored form of an issued API key.
type Credential struct {
	ID          int64
	OwnerID     int64
	Description string
	Prefix      string
	Algorithm   string
	Digest      string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Revoked reports whether the credential has been revoked.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// Lookup identifies a stored credential by the values derived from a
// presented key. All fields are compared by equality.
type Lookup struct {
	Prefix    string
	Algorithm string
	Digest    string
}

// Repository is the persistence boundary for credentials and identities.
type Repository interface {
	// CreateCredential inserts c and fills its ID and CreatedAt. It returns
	// ErrNotFound when c.OwnerID does not reference an identity.
	CreateCredential(ctx context.Context, c *Credential) error
	// CreateIdentity inserts a new identity and, when c is not nil, c owned
	// by that identity, in one transaction.
	CreateIdentity(ctx context.Context, c *Credential) (*Identity, error)
	// FindCredential returns the unrevoked credential matching l exactly.
	FindCredential(ctx context.Context, l Lookup) (*Credential, error)
	// FindIdentity returns the identity with the given id.
	FindIdentity(ctx context.Context, id int64) (*Identity, error)
	// ListCredentials returns all credentials owned by ownerID, newest first.
	ListCredentials(ctx context.Context, ownerID int64) ([]Credential, error)
	// RevokeCredential sets revoked_at on an unrevoked credential.
	RevokeCredential(ctx context.Context, id int64, at time.Time) error
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by WithIdentity, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
