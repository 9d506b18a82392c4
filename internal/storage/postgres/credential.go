package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xenking/tonearm/internal/domain/auth"
)

// foreignKeyViolation is the SQLSTATE for a failed REFERENCES check.
const foreignKeyViolation = "23503"

const (
	insertUserSQL = `INSERT INTO users DEFAULT VALUES RETURNING id`

	insertAPIKeySQL = `INSERT INTO api_keys (user_id, description, prefix, algorithm, digest)
	VALUES ($1, NULLIF($2, ''), $3, $4, $5) RETURNING id, created_at`

	findAPIKeySQL = `SELECT id, user_id, COALESCE(description, ''), prefix, algorithm, digest, created_at
	FROM api_keys
	WHERE digest = $1 AND prefix = $2 AND algorithm = $3 AND revoked_at IS NULL`

	findUserSQL = `SELECT id FROM users WHERE id = $1`

	listAPIKeysSQL = `SELECT id, user_id, COALESCE(description, ''), prefix, algorithm, digest, created_at, revoked_at
	FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC, id DESC`

	revokeAPIKeySQL = `UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`
)

var _ auth.Repository = (*CredentialRepository)(nil)

// CredentialRepository implements auth.Repository backed by PostgreSQL.
type CredentialRepository struct {
	db DB
}

// NewCredentialRepository returns a CredentialRepository that uses db.
func NewCredentialRepository(db DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// CreateCredential inserts c for an existing user.
func (r *CredentialRepository) CreateCredential(ctx context.Context, c *auth.Credential) error {
	return insertCredential(ctx, r.db, c)
}

// CreateIdentity inserts a user and, when c is set, its first key in the
// same transaction.
func (r *CredentialRepository) CreateIdentity(ctx context.Context, c *auth.Credential) (*auth.Identity, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	id, err := createIdentity(ctx, tx, c)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing identity: %w", err)
	}
	return id, nil
}

func createIdentity(ctx context.Context, tx pgx.Tx, c *auth.Credential) (*auth.Identity, error) {
	var id auth.Identity
	if err := tx.QueryRow(ctx, insertUserSQL).Scan(&id.ID); err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	if c == nil {
		return &id, nil
	}
	c.OwnerID = id.ID
	if err := insertCredential(ctx, tx, c); err != nil {
		return nil, err
	}
	return &id, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertCredential(ctx context.Context, q queryRower, c *auth.Credential) error {
	err := q.QueryRow(ctx, insertAPIKeySQL,
		c.OwnerID, c.Description, c.Prefix, c.Algorithm, c.Digest,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("user %d: %w", c.OwnerID, auth.ErrNotFound)
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// FindCredential returns the unrevoked key whose digest, prefix and
// algorithm all equal l.
func (r *CredentialRepository) FindCredential(ctx context.Context, l auth.Lookup) (*auth.Credential, error) {
	var c auth.Credential
	err := r.db.QueryRow(ctx, findAPIKeySQL, l.Digest, l.Prefix, l.Algorithm).Scan(
		&c.ID, &c.OwnerID, &c.Description, &c.Prefix, &c.Algorithm, &c.Digest, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("finding api key: %w", err)
	}
	return &c, nil
}

// FindIdentity returns the user with the given id.
func (r *CredentialRepository) FindIdentity(ctx context.Context, id int64) (*auth.Identity, error) {
	var out auth.Identity
	if err := r.db.QueryRow(ctx, findUserSQL, id).Scan(&out.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("finding user %d: %w", id, err)
	}
	return &out, nil
}

// ListCredentials returns every key owned by ownerID, revoked ones included.
func (r *CredentialRepository) ListCredentials(ctx context.Context, ownerID int64) ([]auth.Credential, error) {
	rows, err := r.db.Query(ctx, listAPIKeysSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	creds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (auth.Credential, error) {
		var c auth.Credential
		err := row.Scan(&c.ID, &c.OwnerID, &c.Description, &c.Prefix, &c.Algorithm, &c.Digest, &c.CreatedAt, &c.RevokedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning api keys: %w", err)
	}
	return creds, nil
}

// RevokeCredential marks an unrevoked key as revoked at the given time.
func (r *CredentialRepository) RevokeCredential(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, revokeAPIKeySQL, id, at)
	if err != nil {
		return fmt.Errorf("revoking api key %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}
