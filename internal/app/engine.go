package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/adminaccess/internal/app/maintenance"
	"github.com/charlesng35/adminaccess/internal/cache"
	"github.com/charlesng35/adminaccess/internal/permissions"
	"github.com/charlesng35/adminaccess/internal/services"
	"github.com/charlesng35/adminaccess/pkg/logger"
)

// Engine wires the catalog, role store, grant cache, resolver, access gate and
// synchronizer into the library surface consumed by the admin backend.
type Engine struct {
	cfg     Config
	db      *gorm.DB
	catalog *permissions.Catalog
	canon   []permissions.RoleDef
	version string

	audit    *services.AuditService
	roles    *services.RoleStore
	backend  cache.Store
	redis    redis.UniversalClient
	resolver *permissions.Resolver
	grants   *permissions.Cache
	gate     *permissions.Gate
	sync     *permissions.Synchronizer
	maint    *maintenance.Scheduler

	mu      sync.Mutex
	started bool

	log *zap.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	catalog *permissions.Catalog
	canon   []permissions.RoleDef
	version string
	store   cache.Store
}

// WithCatalog replaces the default permission catalog.
func WithCatalog(catalog *permissions.Catalog) EngineOption {
	return func(o *engineOptions) {
		o.catalog = catalog
	}
}

// WithCanon replaces the canonical role set. It takes precedence over rbac.roles_file.
func WithCanon(defs []permissions.RoleDef, version string) EngineOption {
	return func(o *engineOptions) {
		o.canon = defs
		o.version = version
	}
}

// WithCacheStore injects a cache backend instead of building one from configuration.
func WithCacheStore(store cache.Store) EngineOption {
	return func(o *engineOptions) {
		o.store = store
	}
}

// NewEngine constructs an Engine over db. The canonical role set is loaded here
// so a broken roles file fails startup rather than the first synchronization.
func NewEngine(cfg Config, db *gorm.DB, opts ...EngineOption) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: db is required")
	}
	if _, err := ApplyRuntimeDefaults(&cfg); err != nil {
		return nil, err
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:     cfg,
		db:      db,
		catalog: o.catalog,
		log:     logger.WithModule("engine"),
	}
	if e.catalog == nil {
		e.catalog = permissions.DefaultCatalog()
	}

	if err := e.loadCanon(o); err != nil {
		return nil, err
	}
	if err := e.openBackend(o.store); err != nil {
		return nil, err
	}
	if err := e.wire(); err != nil {
		_ = e.Close()
		return nil, err
	}

	e.log.Info("admin access engine ready",
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Int("catalog_size", e.catalog.Len()),
		zap.String("canon_version", e.version),
		zap.Bool("protected_admin", cfg.RBAC.ProtectedAdminID != ""),
	)
	return e, nil
}

func (e *Engine) loadCanon(o engineOptions) error {
	switch {
	case len(o.canon) > 0:
		e.canon, e.version = o.canon, o.version
		if e.version == "" {
			e.version = permissions.CanonVersion
		}
	case e.cfg.RBAC.RolesFile != "":
		defs, version, err := permissions.LoadRoleDefs(e.cfg.RBAC.RolesFile)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		e.canon, e.version = defs, version
	default:
		e.canon, e.version = permissions.DefaultRoles(), permissions.CanonVersion
	}

	if err := permissions.ValidateRoleDefs(e.canon, e.catalog); err != nil {
		return fmt.Errorf("engine: canonical roles: %w", err)
	}
	return nil
}

func (e *Engine) openBackend(store cache.Store) error {
	if store != nil {
		e.backend = store
		return nil
	}

	switch e.cfg.Cache.Backend {
	case CacheBackendRedis:
		redisCfg := e.cfg.Cache.RedisClientConfig()
		client, err := cache.NewRedisClient(context.Background(), redisCfg)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		e.redis = client
		e.backend = cache.NewRedisStore(client, redisCfg.KeyPrefix)
	default:
		e.backend = cache.NewMemoryStore(e.cfg.Cache.Size, e.cfg.Cache.TTL)
	}
	return nil
}

func (e *Engine) wire() error {
	var err error

	if e.audit, err = services.NewAuditService(e.db); err != nil {
		return err
	}

	if e.roles, err = services.NewRoleStore(e.db,
		services.WithAuditService(e.audit),
		services.WithRoleCatalog(e.catalog),
		services.WithProtectedAdminID(e.cfg.RBAC.ProtectedAdminID),
	); err != nil {
		return err
	}

	if e.resolver, err = permissions.NewResolver(e.roles, e.catalog,
		permissions.WithStrictCatalog(e.cfg.RBAC.StrictCatalog),
	); err != nil {
		return err
	}

	if e.grants, err = permissions.NewCache(e.backend, e.resolver,
		permissions.WithCacheTTL(e.cfg.Cache.TTL),
		permissions.WithOperationTimeout(e.cfg.Cache.OperationTimeout),
		permissions.WithResolveTimeout(e.cfg.RBAC.ResolveTimeout),
	); err != nil {
		return err
	}
	services.WithInvalidator(e.grants)(e.roles)

	if e.gate, err = permissions.NewGate(e.grants, e.resolver,
		permissions.WithGateTimeout(e.cfg.RBAC.ResolveTimeout),
	); err != nil {
		return err
	}

	if e.sync, err = permissions.NewSynchronizer(e.db,
		permissions.WithSyncCatalog(e.catalog),
		permissions.WithCacheInvalidator(e.grants),
		permissions.WithProtectedAdmin(e.cfg.RBAC.ProtectedAdminID),
	); err != nil {
		return err
	}

	e.maint = maintenance.NewScheduler(e, e.audit,
		maintenance.WithSyncSchedule(e.cfg.RBAC.SyncSchedule),
		maintenance.WithAuditSchedule(e.cfg.Maintenance.AuditSchedule),
		maintenance.WithAuditRetentionDays(e.cfg.Maintenance.AuditRetentionDays),
	)
	return nil
}

// Start runs the startup synchronization when rbac.sync_on_start is set, then
// launches the maintenance jobs configured by rbac.sync_schedule and
// maintenance.audit_schedule. Calling Start again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if e.cfg.RBAC.SyncOnStart {
		if _, err := e.Synchronize(ctx, e.cfg.RBAC.ForceUpdate); err != nil {
			return err
		}
	}
	if err := e.maint.Start(); err != nil {
		return fmt.Errorf("engine: start maintenance jobs: %w", err)
	}
	e.started = true
	return nil
}

// RegisterMetrics exposes the prometheus collectors on GET /metrics when
// metrics.enabled is set. It reports whether the route was added.
func (e *Engine) RegisterMetrics(r gin.IRoutes) bool {
	if !e.cfg.Metrics.Enabled || r == nil {
		return false
	}
	r.GET("/metrics", gin.WrapH(e.MetricsHandler()))
	return true
}

// MetricsHandler serves the default prometheus registry, or 404 when metrics are disabled.
func (e *Engine) MetricsHandler() http.Handler {
	if !e.cfg.Metrics.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.Handler()
}

// Authorize decides whether principal holds permissionID. It never returns an error;
// backend failures surface as a denied decision with the unavailable reason.
func (e *Engine) Authorize(ctx context.Context, principal permissions.Principal, permissionID string) permissions.Decision {
	return e.gate.Authorize(ctx, principal, permissionID)
}

// AuthorizeModules decides a module-list guard.
func (e *Engine) AuthorizeModules(ctx context.Context, principal permissions.Principal, modules []string, matchAll bool) permissions.Decision {
	return e.gate.AuthorizeModules(ctx, principal, modules, matchAll)
}

// Synchronize reconciles system roles against the canonical set and records the run in the audit log.
func (e *Engine) Synchronize(ctx context.Context, force bool) (permissions.SyncReport, error) {
	started := time.Now()
	report, err := e.sync.Synchronize(ctx, e.canon, force)
	report.Version = e.version

	entry := services.AuditEntry{
		Action:   "roles.sync",
		Resource: e.version,
		Result:   "success",
		Metadata: map[string]any{
			"force":       force,
			"counts":      report.Counts,
			"conflicts":   report.Conflicts,
			"duration_ms": time.Since(started).Milliseconds(),
		},
	}
	if err != nil {
		entry.Result = "failure"
		entry.Metadata["error"] = err.Error()
	}
	if auditErr := e.audit.Log(context.WithoutCancel(ctx), entry); auditErr != nil {
		e.log.Warn("record synchronization audit entry", zap.Error(auditErr))
	}

	return report, err
}

// InvalidateUser drops the cached grants of one user.
func (e *Engine) InvalidateUser(ctx context.Context, userID string) error {
	return e.grants.Invalidate(ctx, userID)
}

// InvalidateAll drops every cached grant set.
func (e *Engine) InvalidateAll(ctx context.Context) error {
	return e.grants.InvalidateAll(ctx)
}

// Roles exposes the role administration surface.
func (e *Engine) Roles() *services.RoleStore { return e.roles }

// Audit exposes the audit log.
func (e *Engine) Audit() *services.AuditService { return e.audit }

// Catalog returns the permission catalog in use.
func (e *Engine) Catalog() *permissions.Catalog { return e.catalog }

// Canon returns the canonical role set and its version.
func (e *Engine) Canon() ([]permissions.RoleDef, string) { return e.canon, e.version }

// Maintenance returns the background job scheduler.
func (e *Engine) Maintenance() *maintenance.Scheduler { return e.maint }

// Close stops the maintenance jobs, waiting for a running one to finish, and
// releases the cache backend connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.started {
		<-e.maint.Stop().Done()
		e.started = false
	}
	e.mu.Unlock()

	var errs error
	if e.redis != nil {
		errs = multierr.Append(errs, e.redis.Close())
		e.redis = nil
	}
	return errs
}
