// Package config loads the gateway's runtime configuration from environment
// variables and validates it before any component sees it. The tenant and
// service catalogs themselves are read by internal/tenant and
// internal/registry, not here.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// Config holds the gateway's environment-driven settings.
type Config struct {
	Env string `env:"GATEWAY_ENV" envDefault:"production"`

	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":8080"`
	AdminListenAddr string `env:"ADMIN_LISTEN_ADDR" envDefault:":8081"`

	BaseDomain      string `env:"BASE_DOMAIN"`
	DefaultTenantID string `env:"DEFAULT_TENANT_ID" envDefault:"default"`

	AuthBackend string `env:"AUTH_BACKEND" envDefault:"jwt_secret"` // jwt_secret | jwks
	JWTSecret   string `env:"JWT_SECRET"`
	JWKSURL     string `env:"JWKS_URL"`

	RateLimitFailMode string `env:"RATE_LIMIT_FAIL_MODE" envDefault:"open"` // open | closed

	HealthProbeIntervalMS   int `env:"HEALTH_PROBE_INTERVAL_MS" envDefault:"30000"`
	HealthDegradedLatencyMS int `env:"HEALTH_DEGRADED_LATENCY_MS" envDefault:"1000"`

	UpstreamDefaultTimeoutMS int `env:"UPSTREAM_DEFAULT_TIMEOUT_MS" envDefault:"30000"`
	UpstreamMaxIdleConns     int `env:"UPSTREAM_MAX_IDLE_CONNS" envDefault:"100"`

	ServicesConfigPath string `env:"SERVICES_CONFIG_PATH" envDefault:"services.yaml"`
	TenantsConfigPath  string `env:"TENANTS_CONFIG_PATH" envDefault:"tenants.yaml"`

	ShutdownGraceMS int `env:"SHUTDOWN_GRACE_MS" envDefault:"15000"`

	// PostgresDSN, when set, selects the pgx-backed tenant/service
	// repositories in place of the YAML file repositories.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// RedisAddr, when set, backs the rate limiter's distributed counter
	// path; the in-memory sharded counters remain the non-degraded default.
	RedisAddr string `env:"REDIS_ADDR"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "parsing config from environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a Config that would leave the gateway unable to start or
// unable to resolve tenants/auth deterministically.
func (c *Config) Validate() error {
	if c.DefaultTenantID == "" {
		return gwerrors.New(gwerrors.ConfigInvalid, "default_tenant_id must not be empty")
	}
	switch c.AuthBackend {
	case "jwt_secret":
		if c.JWTSecret == "" {
			return gwerrors.New(gwerrors.ConfigInvalid, "jwt_secret auth backend requires JWT_SECRET")
		}
	case "jwks":
		if c.JWKSURL == "" {
			return gwerrors.New(gwerrors.ConfigInvalid, "jwks auth backend requires JWKS_URL")
		}
	default:
		return gwerrors.New(gwerrors.ConfigInvalid, fmt.Sprintf("unknown auth_backend %q", c.AuthBackend))
	}
	switch c.RateLimitFailMode {
	case "open", "closed":
	default:
		return gwerrors.New(gwerrors.ConfigInvalid, fmt.Sprintf("unknown rate_limit_fail_mode %q", c.RateLimitFailMode))
	}
	if c.HealthProbeIntervalMS <= 0 {
		return gwerrors.New(gwerrors.ConfigInvalid, "health_probe_interval_ms must be positive")
	}
	if c.UpstreamDefaultTimeoutMS <= 0 {
		return gwerrors.New(gwerrors.ConfigInvalid, "upstream_default_timeout_ms must be positive")
	}
	return nil
}
