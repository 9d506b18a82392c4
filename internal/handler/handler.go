package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/tonearm/internal/domain/apikey"
	"github.com/xenking/tonearm/internal/domain/auth"
	"github.com/xenking/tonearm/internal/subsonic"
)

// Registrar creates an identity together with its first API key.
type Registrar interface {
	Register(ctx context.Context, description string) (*auth.Identity, apikey.Key, error)
}

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	Server subsonic.Server
	// AddUser mounts POST /testing/add_user, which creates an identity and
	// returns its key. Never enable it on a public server.
	AddUser bool
}

// Handler serves the Subsonic endpoints implemented by this server.
type Handler struct {
	server    subsonic.Server
	registrar Registrar
	addUser   bool
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig, registrar Registrar) *Handler {
	return &Handler{
		server:    cfg.Server,
		registrar: registrar,
		addUser:   cfg.AddUser,
	}
}

// Subsonic methods served under /rest/.
const (
	methodPing       = "ping"
	methodTokenInfo  = "tokenInfo"
	methodExtensions = "getOpenSubsonicExtensions"
)

const pathAddUser = "/testing/add_user"

type route struct {
	handler http.HandlerFunc
	public  bool
}

// Routes returns the HTTP handler for all endpoints. Subsonic methods live
// under /rest/, with or without the ".view" suffix, over GET or POST.
func (h *Handler) Routes(gate *AuthGate) http.Handler {
	methods := map[string]route{
		methodPing:       {handler: h.Ping},
		methodTokenInfo:  {handler: h.TokenInfo},
		methodExtensions: {handler: h.OpenSubsonicExtensions, public: true},
	}
	gated := make(map[string]http.Handler, len(methods))
	for name, rt := range methods {
		if rt.public {
			gated[name] = rt.handler
			continue
		}
		gated[name] = gate.Middleware(rt.handler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/{method}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			h.server.WriteError(w, subsonic.Generic("Method not allowed.").WithStatus(http.StatusMethodNotAllowed))
			return
		}
		name := methodName(r.PathValue("method"))
		next, ok := gated[name]
		if !ok {
			h.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
	if h.addUser {
		mux.HandleFunc("POST "+pathAddUser, h.AddUser)
	}
	return mux
}

func methodName(segment string) string {
	return strings.TrimSuffix(segment, ".view")
}

// RouteName maps a request to a bounded set of route names for logs and
// metrics. Unknown Subsonic methods and unmatched paths share one name.
func RouteName(r *http.Request) string {
	if segment, ok := strings.CutPrefix(r.URL.Path, "/rest/"); ok {
		switch name := methodName(segment); name {
		case methodPing, methodTokenInfo, methodExtensions:
			return "/rest/" + name
		default:
			return "/rest/{unknown}"
		}
	}
	switch r.URL.Path {
	case "/livez", "/readyz", pathAddUser:
		return r.URL.Path
	default:
		return "unmatched"
	}
}

// RateLimited answers requests rejected by the rate limiter.
func (h *Handler) RateLimited(w http.ResponseWriter, _ *http.Request) {
	h.server.WriteError(w, subsonic.Generic("Too many requests.").WithStatus(http.StatusTooManyRequests))
}

// Recovered answers requests whose handler panicked.
func (h *Handler) Recovered(w http.ResponseWriter, _ *http.Request) {
	h.server.WriteError(w, subsonic.Internal())
}

// Ping answers with an empty successful envelope.
func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) {
	h.server.WriteOK(w, nil)
}

// TokenInfo reports the identity the presented key authenticates as.
func (h *Handler) TokenInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		h.server.WriteError(w, subsonic.Unauthorized())
		return
	}
	h.server.WriteOK(w, subsonic.PayloadFunc(func(e *jx.Encoder) {
		e.FieldStart("tokenInfo")
		e.ObjStart()
		e.FieldStart("username")
		e.Str(strconv.FormatInt(id.ID, 10))
		e.ObjEnd()
	}))
}

// openSubsonicExtensions are the OpenSubsonic extensions this server
// implements, with their supported versions.
var openSubsonicExtensions = []struct {
	name     string
	versions []int
}{
	{name: "apiKeyAuthentication", versions: []int{1}},
	{name: "formPost", versions: []int{1}},
}

// OpenSubsonicExtensions lists supported extensions. It requires no
// authentication.
func (h *Handler) OpenSubsonicExtensions(w http.ResponseWriter, _ *http.Request) {
	h.server.WriteOK(w, subsonic.PayloadFunc(func(e *jx.Encoder) {
		e.FieldStart("openSubsonicExtensions")
		e.ArrStart()
		for _, ext := range openSubsonicExtensions {
			e.ObjStart()
			e.FieldStart("name")
			e.Str(ext.name)
			e.FieldStart("versions")
			e.ArrStart()
			for _, v := range ext.versions {
				e.Int(v)
			}
			e.ArrEnd()
			e.ObjEnd()
		}
		e.ArrEnd()
	}))
}

// NotFound answers unknown Subsonic methods.
func (h *Handler) NotFound(w http.ResponseWriter, _ *http.Request) {
	h.server.WriteError(w, subsonic.Generic("Unknown method.").WithStatus(http.StatusNotFound))
}

// AddUser creates an identity with a fresh key and returns both. The key is
// shown in this response only.
func (h *Handler) AddUser(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	id, key, err := h.registrar.Register(r.Context(), r.URL.Query().Get("description"))
	if err != nil {
		lg.Error("Register identity", zap.Error(err))
		h.server.WriteError(w, subsonic.Internal())
		return
	}
	lg.Info("Registered identity", zap.Int64("id", id.ID), zap.String("key", key.Redacted()))

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(id.ID)
	e.FieldStart("api_key")
	e.Str(key.String())
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Bytes())
}
