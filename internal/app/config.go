package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/tonearm/pkg/httpmiddleware"
)

const defaultAddr = "0.0.0.0:3000"

// Config holds the complete server configuration, loadable from environment
// variables (TONEARM_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:3000" usage:"HTTP listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (TONEARM_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Database    DatabaseConfig
	Testing     TestingConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// DatabaseConfig sizes the connection pool.
type DatabaseConfig struct {
	MaxConns int `default:"10" usage:"Maximum open connections" flag:"db-max-conns"`
	MinConns int `default:"0"  usage:"Connections kept open when idle" flag:"db-min-conns"`
}

// TestingConfig enables endpoints meant for test environments only.
type TestingConfig struct {
	AddUser bool `default:"false" usage:"Serve POST /testing/add_user, which mints users with keys" flag:"testing-add-user"`
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`

	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For header
	// is believed. Empty means clients are keyed by their peer address.
	TrustedProxies []string `usage:"Proxies whose X-Forwarded-For is trusted" flag:"trusted-proxies"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers. Browser based
// Subsonic clients need this.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML files,
// then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "TONEARM",
		Files:     []string{"config.yaml", "/etc/tonearm/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set TONEARM_DATABASE_URL or DATABASE_URL")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return errors.Errorf("db min conns %d exceeds max conns %d", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	if _, err := httpmiddleware.NewClientIPResolver(c.RateLimit.TrustedProxies); err != nil {
		return errors.Wrap(err, "rate limit")
	}
	return nil
}

// applyPlatformDefaults maps the conventional DATABASE_URL and PORT variables
// onto the TONEARM_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
