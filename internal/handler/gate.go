package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/tonearm/internal/domain/apikey"
	"github.com/xenking/tonearm/internal/domain/auth"
	"github.com/xenking/tonearm/internal/subsonic"
)

const paramAPIKey = "apiKey"

// Legacy Subsonic credentials. Clients send the short names; both spellings
// are rejected.
var (
	passwordParams = []string{"p", "password"}
	tokenParams    = []string{"t", "token", "s", "salt"}
)

// Resolver maps a parsed API key to the identity owning it.
type Resolver interface {
	Resolve(ctx context.Context, key apikey.Key) (*auth.Identity, error)
}

// AuthGate authenticates every Subsonic request by its apiKey parameter.
// Password and token+salt authentication are rejected outright.
type AuthGate struct {
	resolver Resolver
	server   subsonic.Server
	requests metric.Int64Counter
}

// NewAuthGate creates an AuthGate resolving keys with resolver.
func NewAuthGate(resolver Resolver, server subsonic.Server, mp metric.MeterProvider) (*AuthGate, error) {
	requests, err := mp.Meter("github.com/xenking/tonearm/internal/handler").Int64Counter(
		"tonearm.auth.requests",
		metric.WithDescription("Authentication attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create auth counter")
	}
	return &AuthGate{
		resolver: resolver,
		server:   server,
		requests: requests,
	}, nil
}

// Middleware wraps next so it only runs for authenticated requests, with
// the resolved identity available through auth.IdentityFrom.
func (g *AuthGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, apiErr := g.authenticate(r)
		if apiErr != nil {
			g.server.WriteError(w, apiErr)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (g *AuthGate) authenticate(r *http.Request) (*auth.Identity, *subsonic.Error) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	// Unparseable parameters leave no apiKey to trust.
	if err := r.ParseForm(); err != nil {
		g.record(ctx, "missing")
		lg.Debug("Parse request parameters", zap.Error(err))
		return nil, missingAPIKey()
	}

	raw := r.Form.Get(paramAPIKey)
	if raw == "" {
		g.record(ctx, "missing")
		return nil, missingAPIKey()
	}
	if hasAny(r, passwordParams) {
		g.record(ctx, "password")
		return nil, subsonic.UnsupportedAuthentication()
	}
	if hasAny(r, tokenParams) {
		g.record(ctx, "token")
		return nil, subsonic.UnsupportedTokenAuthentication()
	}

	key, err := apikey.Parse(raw)
	if err != nil {
		g.record(ctx, "malformed")
		return nil, subsonic.Generic(err.Error())
	}

	id, err := g.resolver.Resolve(ctx, key)
	if err != nil {
		var unknown *apikey.UnknownAlgorithmError
		switch {
		case errors.Is(err, auth.ErrNotFound):
			g.record(ctx, "invalid")
			lg.Debug("API key rejected", zap.String("key", key.Redacted()))
			return nil, subsonic.InvalidAPIKey()
		case errors.As(err, &unknown):
			g.record(ctx, "error")
			lg.Warn("API key uses unregistered algorithm",
				zap.String("key", key.Redacted()),
				zap.String("algorithm", unknown.Algorithm),
			)
			return nil, subsonic.Internal()
		default:
			g.record(ctx, "error")
			lg.Error("Resolve API key", zap.String("key", key.Redacted()), zap.Error(err))
			return nil, subsonic.Internal()
		}
	}

	g.record(ctx, "ok")
	return id, nil
}

func (g *AuthGate) record(ctx context.Context, outcome string) {
	g.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func missingAPIKey() *subsonic.Error {
	return subsonic.ParamMissing("Missing 'apiKey' parameter")
}

func hasAny(r *http.Request, names []string) bool {
	for _, name := range names {
		if _, ok := r.Form[name]; ok {
			return true
		}
	}
	return false
}
