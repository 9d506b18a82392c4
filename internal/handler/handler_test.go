package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/tonearm/internal/domain/apikey"
	"github.com/xenking/tonearm/internal/domain/auth"
	"github.com/xenking/tonearm/internal/domain/auth/authtest"
	"github.com/xenking/tonearm/internal/subsonic"
)

// --- Mock implementations ---

type mockResolver struct {
	id  *auth.Identity
	err error

	calls int
}

func (m *mockResolver) Resolve(_ context.Context, _ apikey.Key) (*auth.Identity, error) {
	m.calls++
	return m.id, m.err
}

type mockRegistrar struct {
	err error
}

func (m *mockRegistrar) Register(_ context.Context, _ string) (*auth.Identity, apikey.Key, error) {
	if m.err != nil {
		return nil, apikey.Key{}, m.err
	}
	key, err := apikey.Generate("")
	return &auth.Identity{ID: 1}, key, err
}

// --- Helpers ---

type envelope struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Type         string         `json:"type"`
	OpenSubsonic bool           `json:"openSubsonic"`
	Error        *envelopeError `json:"error"`
	TokenInfo    *struct {
		Username string `json:"username"`
	} `json:"tokenInfo"`
}

type envelopeError struct {
	Code    int     `json:"code"`
	Message string  `json:"message"`
	HelpURL *string `json:"helpUrl"`
}

func newGate(t *testing.T, resolver Resolver) *AuthGate {
	t.Helper()
	gate, err := NewAuthGate(resolver, subsonic.DefaultServer, metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return gate
}

type testServer struct {
	routes http.Handler
	svc    *auth.Service
	repo   *authtest.MemoryRepository
}

func newTestServer(t *testing.T, addUser bool) *testServer {
	t.Helper()
	repo := authtest.NewMemoryRepository()
	svc := auth.NewService(repo, apikey.DefaultRegistry(), tracenoop.NewTracerProvider())
	h := NewHandler(HandlerConfig{Server: subsonic.DefaultServer, AddUser: addUser}, svc)
	return &testServer{
		routes: h.Routes(newGate(t, svc)),
		svc:    svc,
		repo:   repo,
	}
}

func (s *testServer) get(t *testing.T, path string, query url.Values) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return s.getRaw(t, path, query.Encode())
}

func (s *testServer) getRaw(t *testing.T, path, rawQuery string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	target := path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	s.routes.ServeHTTP(w, req)

	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func validKey(t *testing.T, s *testServer) (int64, string) {
	t.Helper()
	id, key, err := s.svc.Register(context.Background(), "test")
	require.NoError(t, err)
	return id.ID, key.String()
}

// --- Tests ---

func TestAuthGate_Outcomes(t *testing.T) {
	s := newTestServer(t, false)
	_, key := validKey(t, s)
	unissued, err := apikey.Generate("")
	require.NoError(t, err)

	tests := []struct {
		name     string
		query    url.Values
		rawQuery string
		status   int
		code     int
	}{
		{"missing apiKey", url.Values{}, "", http.StatusUnauthorized, 10},
		{"unparseable query", nil, "apiKey=abc%zz", http.StatusUnauthorized, 10},
		{"unparseable query with key", nil, "apiKey=" + url.QueryEscape(key) + "&x=%zz", http.StatusUnauthorized, 10},
		{"empty apiKey", url.Values{"apiKey": {""}}, "", http.StatusUnauthorized, 10},
		{"password without apiKey", url.Values{"p": {"x"}}, "", http.StatusUnauthorized, 10},
		{"password", url.Values{"apiKey": {key}, "p": {"x"}}, "", http.StatusBadRequest, 42},
		{"password long name", url.Values{"apiKey": {key}, "password": {"x"}}, "", http.StatusBadRequest, 42},
		{"password with token", url.Values{"apiKey": {key}, "p": {"x"}, "t": {"y"}}, "", http.StatusBadRequest, 42},
		{"token", url.Values{"apiKey": {key}, "t": {"x"}}, "", http.StatusBadRequest, 41},
		{"salt", url.Values{"apiKey": {key}, "s": {"x"}}, "", http.StatusBadRequest, 41},
		{"token long name", url.Values{"apiKey": {key}, "token": {"x"}}, "", http.StatusBadRequest, 41},
		{"salt long name", url.Values{"apiKey": {key}, "salt": {"x"}}, "", http.StatusBadRequest, 41},
		{"malformed", url.Values{"apiKey": {"abc"}}, "", http.StatusBadRequest, 0},
		{"compact form", url.Values{"apiKey": {unissued.Prefix + "." + unissued.Secret}}, "", http.StatusBadRequest, 0},
		{"unissued", url.Values{"apiKey": {unissued.String()}}, "", http.StatusUnauthorized, 44},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawQuery := tt.rawQuery
			if rawQuery == "" {
				rawQuery = tt.query.Encode()
			}
			w, body := s.getRaw(t, "/rest/ping", rawQuery)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "failed", body.Status)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
			assert.Nil(t, body.Error.HelpURL)
		})
	}
}

func TestAuthGate_UnparseableQuery(t *testing.T) {
	s := newTestServer(t, false)

	w, body := s.getRaw(t, "/rest/ping", "apiKey=abc%zz")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, int(subsonic.CodeParamMissing), body.Error.Code)
	assert.Equal(t, "Missing 'apiKey' parameter", body.Error.Message)
}

func TestAuthGate_MalformedKeyMessage(t *testing.T) {
	s := newTestServer(t, false)

	_, body := s.get(t, "/rest/ping", url.Values{"apiKey": {"abc.SHA256:" + strings.Repeat("x", apikey.SecretLength)}})
	require.NotNil(t, body.Error)
	assert.Equal(t, (&apikey.ParseError{Kind: apikey.InvalidPrefixLength, Length: 3}).Error(), body.Error.Message)
}

func TestAuthGate_ValidKey(t *testing.T) {
	s := newTestServer(t, false)
	id, key := validKey(t, s)

	w, body := s.get(t, "/rest/ping", url.Values{"apiKey": {key}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body.Status)
	assert.Nil(t, body.Error)
	assert.Equal(t, "1.16.1", body.Version)
	assert.Equal(t, "tonearm", body.Type)

	w, body = s.get(t, "/rest/tokenInfo.view", url.Values{"apiKey": {key}})
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, body.TokenInfo)
	assert.Equal(t, id, mustParseInt(t, body.TokenInfo.Username))
}

func TestAuthGate_InjectsIdentity(t *testing.T) {
	resolver := &mockResolver{id: &auth.Identity{ID: 77}}
	gate := newGate(t, resolver)

	var got *auth.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		require.True(t, ok)
		got = id
		w.WriteHeader(http.StatusNoContent)
	})

	key, err := apikey.Generate("")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/rest/ping?apiKey="+url.QueryEscape(key.String()), nil)
	w := httptest.NewRecorder()
	gate.Middleware(next).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, int64(77), got.ID)
	assert.Equal(t, 1, resolver.calls)
}

func TestAuthGate_ResolverErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{"not found", auth.ErrNotFound, http.StatusUnauthorized, 44},
		{"wrapped not found", errors.Wrap(auth.ErrNotFound, "owner"), http.StatusUnauthorized, 44},
		{"unknown algorithm", &apikey.UnknownAlgorithmError{Algorithm: "MD5"}, http.StatusInternalServerError, 0},
		{"store failure", errors.New("pq: connection refused to 10.0.0.5"), http.StatusInternalServerError, 0},
	}

	key, err := apikey.Generate("")
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := newGate(t, &mockResolver{err: tt.err})
			called := false
			next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

			req := httptest.NewRequest(http.MethodGet, "/rest/ping?apiKey="+url.QueryEscape(key.String()), nil)
			w := httptest.NewRecorder()
			gate.Middleware(next).ServeHTTP(w, req)

			assert.False(t, called, "downstream handler must not run")
			assert.Equal(t, tt.status, w.Code)

			var body envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotContains(t, body.Error.Message, "10.0.0.5", "store details must not leak")
			assert.NotContains(t, body.Error.Message, "MD5")
		})
	}
}

func TestAuthGate_FormPost(t *testing.T) {
	s := newTestServer(t, false)
	_, key := validKey(t, s)

	form := url.Values{"apiKey": {key}}
	req := httptest.NewRequest(http.MethodPost, "/rest/ping.view", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.routes.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthGate_RevokedKey(t *testing.T) {
	s := newTestServer(t, false)
	id, key := validKey(t, s)

	creds, err := s.svc.List(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	require.NoError(t, s.svc.Revoke(context.Background(), creds[0].ID))

	w, body := s.get(t, "/rest/ping", url.Values{"apiKey": {key}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, 44, body.Error.Code)
}

func TestRoutes_PublicAndUnknown(t *testing.T) {
	s := newTestServer(t, false)

	w, body := s.get(t, "/rest/getOpenSubsonicExtensions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body.Status)
	assert.Contains(t, w.Body.String(), `"apiKeyAuthentication"`)

	w, body = s.get(t, "/rest/getMusicFolders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, 0, body.Error.Code)

	req := httptest.NewRequest(http.MethodDelete, "/rest/ping", nil)
	rec := httptest.NewRecorder()
	s.routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAddUser(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodPost, "/testing/add_user", nil)
	w := httptest.NewRecorder()
	s.routes.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp struct {
		ID     int64  `json:"id"`
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotZero(t, resp.ID)

	// The returned key authenticates as the new identity.
	rw, body := s.get(t, "/rest/tokenInfo", url.Values{"apiKey": {resp.APIKey}})
	assert.Equal(t, http.StatusOK, rw.Code)
	require.NotNil(t, body.TokenInfo)
	assert.Equal(t, resp.ID, mustParseInt(t, body.TokenInfo.Username))
}

func TestAddUser_Disabled(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/testing/add_user", nil)
	w := httptest.NewRecorder()
	s.routes.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, s.repo.Credentials())
}

func TestAddUser_StoreError(t *testing.T) {
	h := NewHandler(HandlerConfig{Server: subsonic.DefaultServer, AddUser: true}, &mockRegistrar{err: errors.New("insert failed")})
	routes := h.Routes(newGate(t, &mockResolver{}))

	req := httptest.NewRequest(http.MethodPost, "/testing/add_user", nil)
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "api_key")
	assert.NotContains(t, w.Body.String(), "insert failed")
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, json.Unmarshal([]byte(s), &n))
	return n
}

func TestRouteName(t *testing.T) {
	tests := map[string]string{
		"/rest/ping":                   "/rest/ping",
		"/rest/ping.view":              "/rest/ping",
		"/rest/tokenInfo.view?apiKey=": "/rest/tokenInfo",
		"/rest/getArtists":             "/rest/{unknown}",
		"/readyz":                      "/readyz",
		"/testing/add_user":            "/testing/add_user",
		"/wp-admin/setup.php":          "unmatched",
	}
	for target, want := range tests {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		assert.Equal(t, want, RouteName(req), target)
	}
}

func TestEnvelopeFallbacks(t *testing.T) {
	h := NewHandler(HandlerConfig{Server: subsonic.DefaultServer}, &mockRegistrar{})

	w := httptest.NewRecorder()
	h.RateLimited(w, httptest.NewRequest(http.MethodGet, "/rest/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)

	w = httptest.NewRecorder()
	h.Recovered(w, httptest.NewRequest(http.MethodGet, "/rest/ping", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":0`)
}
