// Package gateway wires the registry, tenant resolver, rate limiter, health
// aggregator, auth verifier, proxy, and admin surface into a single
// request pipeline.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tause-ai/gateway/internal/admin"
	"github.com/tause-ai/gateway/internal/auth"
	"github.com/tause-ai/gateway/internal/config"
	gwerrors "github.com/tause-ai/gateway/internal/errors"
	"github.com/tause-ai/gateway/internal/health"
	"github.com/tause-ai/gateway/internal/metrics"
	"github.com/tause-ai/gateway/internal/middleware"
	"github.com/tause-ai/gateway/internal/proxy"
	"github.com/tause-ai/gateway/internal/ratelimit"
	"github.com/tause-ai/gateway/internal/registry"
	"github.com/tause-ai/gateway/internal/tenant"
)

func init() {
	uuid.EnableRandPool()
}

// Gateway composes every in-scope component behind a single http.Handler.
type Gateway struct {
	Config   *config.Config
	Registry *registry.Registry
	Tenants  *tenant.Resolver
	Limiter  *ratelimit.Limiter
	Health   *health.Aggregator
	Verifier auth.Verifier
	Proxy    *proxy.Handler
	Admin    *admin.Handler
	Metrics  *metrics.Collector
	Logger   *zap.Logger

	serviceWatcher *fsnotify.Watcher
	tenantWatcher  *fsnotify.Watcher
	healthCancel   context.CancelFunc
}

// New builds a Gateway from cfg: YAML-file-backed registry and tenant
// catalogs (or Postgres-backed ones when cfg.PostgresDSN is set), the
// configured auth backend, an in-memory or Redis-backed rate limiter, and
// the health aggregator seeded from the initial service set.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	log := logger.Named("gateway")

	verifier, err := auth.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building auth verifier: %w", err)
	}

	reg, tenants, err := buildCatalogs(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mode := ratelimit.FailOpen
	if cfg.RateLimitFailMode == "closed" {
		mode = ratelimit.FailClosed
	}
	collector := metrics.NewCollector()
	onDegraded := func() {
		log.Warn("rate limiter running in degraded mode", zap.String("fail_mode", string(mode)))
	}
	limiter := ratelimit.New(mode, onDegraded)
	if cfg.RedisAddr != "" {
		backend := ratelimit.NewRedisBackend(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "")
		limiter = ratelimit.NewWithBackend(backend, mode, onDegraded)
	}

	aggregator := health.NewAggregator(health.Config{
		ProbeInterval:     time.Duration(cfg.HealthProbeIntervalMS) * time.Millisecond,
		DegradedLatencyMS: cfg.HealthDegradedLatencyMS,
	})
	aggregator.SetTargets(healthTargets(reg.List()))

	pool := proxy.NewTransportPoolWithDefault(proxy.TransportConfig{
		MaxIdleConns: cfg.UpstreamMaxIdleConns,
	})
	proxyHandler := proxy.NewHandler(reg, pool, collector, cfg.UpstreamDefaultTimeoutMS)
	adminHandler := admin.NewHandler(tenants, reg, collector)

	gw := &Gateway{
		Config:   cfg,
		Registry: reg,
		Tenants:  tenants,
		Limiter:  limiter,
		Health:   aggregator,
		Verifier: verifier,
		Proxy:    proxyHandler,
		Admin:    adminHandler,
		Metrics:  collector,
		Logger:   log,
	}

	healthCtx, cancel := context.WithCancel(ctx)
	gw.healthCancel = cancel
	go aggregator.Run(healthCtx)

	if w, err := registry.WatchReload(reg, cfg.ServicesConfigPath, log); err != nil {
		log.Warn("service registry hot-reload disabled", zap.Error(err))
	} else {
		gw.serviceWatcher = w
	}
	if w, err := tenant.WatchReload(ctx, tenants, cfg.TenantsConfigPath, log); err != nil {
		log.Warn("tenant catalog hot-reload disabled", zap.Error(err))
	} else {
		gw.tenantWatcher = w
	}

	return gw, nil
}

// buildCatalogs constructs the registry and tenant resolver, wiring the
// tenant resolver's JWT-claim strategy to claimAdapter so a verified bearer
// token's tenant_id participates in resolution without internal/tenant
// importing internal/auth directly.
func buildCatalogs(ctx context.Context, cfg *config.Config) (*registry.Registry, *tenant.Resolver, error) {
	var (
		reg *registry.Registry
		err error
	)
	if cfg.PostgresDSN != "" {
		pool, perr := pgxpool.New(ctx, cfg.PostgresDSN)
		if perr != nil {
			return nil, nil, gwerrors.Wrap(perr, gwerrors.ConfigInvalid, "connecting to postgres for service registry")
		}
		repo := registry.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "ensuring service registry schema")
		}
		reg, err = registry.NewFromRepository(repo)
	} else {
		reg, err = registry.NewFromRepository(registry.NewFileRepository(cfg.ServicesConfigPath))
	}
	if err != nil {
		return nil, nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "loading service registry")
	}

	opts := []tenant.Option{
		tenant.WithDefaultTenant(cfg.DefaultTenantID),
		tenant.WithClaimSource(claimAdapter{}),
	}
	if cfg.BaseDomain != "" {
		opts = append(opts, tenant.WithBaseDomain(cfg.BaseDomain))
	}

	var tenants *tenant.Resolver
	if cfg.PostgresDSN != "" {
		pool, perr := pgxpool.New(ctx, cfg.PostgresDSN)
		if perr != nil {
			return nil, nil, gwerrors.Wrap(perr, gwerrors.ConfigInvalid, "connecting to postgres for tenant catalog")
		}
		repo := tenant.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "ensuring tenant catalog schema")
		}
		tenants, err = tenant.NewResolverFromRepository(ctx, repo, opts...)
	} else {
		tenants, err = tenant.NewResolverFromRepository(ctx, tenant.NewFileRepository(cfg.TenantsConfigPath), opts...)
	}
	if err != nil {
		return nil, nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "loading tenant catalog")
	}

	return reg, tenants, nil
}

func healthTargets(services []registry.Service) []health.Target {
	targets := make([]health.Target, 0, len(services))
	for _, svc := range services {
		path := svc.HealthPath
		if path == "" {
			path = "/health"
		}
		targets = append(targets, health.Target{
			ServiceID: svc.ID,
			URL:       svc.BaseURL + path,
			Timeout:   5 * time.Second,
		})
	}
	return targets
}

// Handler returns the composed http.Handler for the request pipeline:
// trace id assignment, auth verification, tenant resolution, scope
// enforcement, rate limiting, then the proxy itself.
func (g *Gateway) Handler() http.Handler {
	traceIDOf := func(r *http.Request) string { return proxy.TraceIDFromContext(r.Context()) }

	chain := middleware.NewChain(
		middleware.Recovery(g.Logger),
		traceIDMW(),
		requestLogMW(g.Logger),
		authMW(g.Verifier, g.Logger),
		tenantMW(g.Tenants, traceIDOf),
		scopeMW(g.Registry, traceIDOf),
		rateLimitMW(g.Registry, g.Tenants, g.Limiter, g.Metrics, traceIDOf),
	)
	return chain.Then(g.Proxy)
}

// AdminHandler returns the role-gated admin API, requiring the same
// auth verification the main pipeline performs before admin.Handler's own
// role check runs.
func (g *Gateway) AdminHandler() http.Handler {
	chain := middleware.NewChain(
		middleware.Recovery(g.Logger),
		traceIDMW(),
		authMW(g.Verifier, g.Logger),
	)
	return chain.Then(g.Admin.Routes())
}

// Close stops background goroutines and file watchers. It does not close
// the proxy's transport pools; a caller that wants those closed too should
// call Proxy.Pool.CloseIdleConnections after Close returns.
func (g *Gateway) Close() error {
	if g.healthCancel != nil {
		g.healthCancel()
	}
	if g.serviceWatcher != nil {
		g.serviceWatcher.Close()
	}
	if g.tenantWatcher != nil {
		g.tenantWatcher.Close()
	}
	return nil
}
