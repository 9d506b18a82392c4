package auth

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/tonearm/internal/domain/apikey"
)

// Service issues, resolves and revokes API key credentials.
type Service struct {
	repo     Repository
	registry *apikey.Registry
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates a Service storing credentials in repo and digesting
// secrets with registry.
func NewService(repo Repository, registry *apikey.Registry, tp trace.TracerProvider) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		tracer:   tp.Tracer("github.com/xenking/tonearm/internal/domain/auth"),
		now:      time.Now,
	}
}

// Issue generates a new key for ownerID and stores its digest. The returned
// key is the only copy of the secret.
func (s *Service) Issue(ctx context.Context, ownerID int64, description string) (apikey.Key, *Credential, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Issue", trace.WithAttributes(
		attribute.Int64("owner.id", ownerID),
	))
	defer span.End()

	key, c, err := s.newCredential(ownerID, description)
	if err != nil {
		span.RecordError(err)
		return apikey.Key{}, nil, err
	}
	if err := s.repo.CreateCredential(ctx, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create credential")
		if errors.Is(err, ErrNotFound) {
			return apikey.Key{}, nil, errors.Wrapf(ErrNotFound, "owner %d", ownerID)
		}
		return apikey.Key{}, nil, errors.Wrap(err, "create credential")
	}
	span.SetAttributes(attribute.String("key.prefix", key.Prefix))
	return key, c, nil
}

// Register creates a new identity together with its first key.
func (s *Service) Register(ctx context.Context, description string) (*Identity, apikey.Key, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Register")
	defer span.End()

	key, c, err := s.newCredential(0, description)
	if err != nil {
		span.RecordError(err)
		return nil, apikey.Key{}, err
	}
	id, err := s.repo.CreateIdentity(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create identity")
		return nil, apikey.Key{}, errors.Wrap(err, "create identity")
	}
	span.SetAttributes(
		attribute.Int64("owner.id", id.ID),
		attribute.String("key.prefix", key.Prefix),
	)
	return id, key, nil
}

// Resolve returns the identity owning key. It returns ErrNotFound when no
// live credential matches or the owner no longer exists, and
// *apikey.UnknownAlgorithmError when the key names an unregistered digest.
func (s *Service) Resolve(ctx context.Context, key apikey.Key) (*Identity, error) {
	ctx, span := s.tracer.Start(ctx, "auth.Resolve", trace.WithAttributes(
		attribute.String("key.prefix", key.Prefix),
		attribute.String("key.algorithm", key.Algorithm),
	))
	defer span.End()

	digest, err := s.registry.Digest(key.Algorithm, key.Secret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest")
		return nil, err
	}

	c, err := s.repo.FindCredential(ctx, Lookup{
		Prefix:    key.Prefix,
		Algorithm: key.Algorithm,
		Digest:    digest,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "find credential")
		return nil, errors.Wrap(err, "find credential")
	}

	// Constant-time check against what the store returned.
	if subtle.ConstantTimeCompare([]byte(digest), []byte(c.Digest)) != 1 || c.Revoked() {
		return nil, ErrNotFound
	}

	id, err := s.repo.FindIdentity(ctx, c.OwnerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "find identity")
		return nil, errors.Wrap(err, "find identity")
	}
	span.SetAttributes(attribute.Int64("owner.id", id.ID))
	return id, nil
}

// Revoke marks the credential with the given id as revoked. Subsequent
// resolves of its key fail with ErrNotFound.
func (s *Service) Revoke(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "auth.Revoke", trace.WithAttributes(
		attribute.Int64("credential.id", id),
	))
	defer span.End()

	if err := s.repo.RevokeCredential(ctx, id, s.now()); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "credential %d", id)
		}
		return errors.Wrap(err, "revoke credential")
	}
	return nil
}

// List returns the credentials of ownerID. Digests are cleared.
func (s *Service) List(ctx context.Context, ownerID int64) ([]Credential, error) {
	creds, err := s.repo.ListCredentials(ctx, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list credentials")
	}
	for i := range creds {
		creds[i].Digest = ""
	}
	return creds, nil
}

func (s *Service) newCredential(ownerID int64, description string) (apikey.Key, *Credential, error) {
	key, err := apikey.Generate("")
	if err != nil {
		return apikey.Key{}, nil, errors.Wrap(err, "generate key")
	}
	digest, err := s.registry.Digest(key.Algorithm, key.Secret)
	if err != nil {
		return apikey.Key{}, nil, errors.Wrap(err, "digest key")
	}
	return key, &Credential{
		OwnerID:     ownerID,
		Description: description,
		Prefix:      key.Prefix,
		Algorithm:   key.Algorithm,
		Digest:      digest,
	}, nil
}
