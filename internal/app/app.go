// Package app wires configuration, storage, services and the HTTP server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/tonearm/internal/domain/apikey"
	"github.com/xenking/tonearm/internal/domain/auth"
	"github.com/xenking/tonearm/internal/handler"
	"github.com/xenking/tonearm/internal/storage/postgres"
	"github.com/xenking/tonearm/internal/subsonic"
	"github.com/xenking/tonearm/pkg/health"
	"github.com/xenking/tonearm/pkg/httpmiddleware"
)

const serviceName = "tonearm"

// Telemetry provides the OpenTelemetry providers. *app.Telemetry from the
// go-faster SDK implements it.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

var _ Telemetry = (*app.Telemetry)(nil)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the server.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second))
	if err := healthSvc.Observe(m.MeterProvider()); err != nil {
		return errors.Wrap(err, "observe health")
	}
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	svc := auth.NewService(
		postgres.NewCredentialRepository(pool),
		apikey.DefaultRegistry(),
		m.TracerProvider(),
	)
	if cfg.Testing.AddUser {
		lg.Warn("Testing endpoint enabled", zap.String("path", "/testing/add_user"))
	}

	h, err := NewHTTPHandler(ctx, lg, m, cfg, svc, healthSvc)
	if err != nil {
		return errors.Wrap(err, "create http handler")
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           h,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		defer healthSvc.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	return g.Wait()
}

// NewHTTPHandler builds the middleware-wrapped handler serving health probes,
// the Subsonic API and, when enabled, the testing endpoints. The rate limiter
// evicts idle clients until ctx is cancelled.
func NewHTTPHandler(
	ctx context.Context,
	lg *zap.Logger,
	m Telemetry,
	cfg *Config,
	svc *auth.Service,
	healthSvc *health.Health,
) (http.Handler, error) {
	h := handler.NewHandler(handler.HandlerConfig{
		Server:  subsonic.DefaultServer,
		AddUser: cfg.Testing.AddUser,
	}, svc)
	gate, err := handler.NewAuthGate(svc, subsonic.DefaultServer, m.MeterProvider())
	if err != nil {
		return nil, errors.Wrap(err, "create auth gate")
	}

	clientIP, err := httpmiddleware.NewClientIPResolver(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, errors.Wrap(err, "parse trusted proxies")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/", h.Routes(gate))

	return httpmiddleware.Wrap(mux,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(http.HandlerFunc(h.Recovered)),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", httpmiddleware.HeaderRequestID},
			ExposeHeaders:    []string{httpmiddleware.HeaderRequestID},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: clientIP.ClientIP,
			OnLimit: http.HandlerFunc(h.RateLimited),
		}),
		httpmiddleware.Instrument(serviceName, handler.RouteName, m.TracerProvider(), m.MeterProvider()),
		httpmiddleware.LogRequests(handler.RouteName),
		httpmiddleware.Labeler(handler.RouteName),
	), nil
}
