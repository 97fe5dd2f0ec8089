package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "console", cfg.Logging.Format)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.example.com", cfg.Database.Host)
	require.Equal(t, 6432, cfg.Database.Port)
	require.Equal(t, "require", cfg.Database.Options["sslmode"])
	require.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime)

	require.Equal(t, "redis", cfg.Cache.Backend)
	require.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 500, cfg.Cache.Size)
	require.Equal(t, 100*time.Millisecond, cfg.Cache.OperationTimeout)
	require.Equal(t, "redis.example.com:6379", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)
	require.True(t, cfg.Cache.Redis.TLS)
	require.Equal(t, 5*time.Second, cfg.Cache.Redis.Timeout, "unset keys keep their defaults")

	require.Equal(t, "7f1c1a52-9a1f-4a64-9a9e-2b0c9f1d3e11", cfg.RBAC.ProtectedAdminID)
	require.Equal(t, "/etc/adminaccess/roles.yaml", cfg.RBAC.RolesFile)
	require.Equal(t, 1500*time.Millisecond, cfg.RBAC.ResolveTimeout)
	require.True(t, cfg.RBAC.StrictCatalog)
	require.False(t, cfg.RBAC.SyncOnStart)
	require.True(t, cfg.RBAC.ForceUpdate)
	require.Equal(t, "@every 10m", cfg.RBAC.SyncSchedule)

	require.Equal(t, 30, cfg.Maintenance.AuditRetentionDays)
	require.Equal(t, "0 3 * * *", cfg.Maintenance.AuditSchedule)
	require.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	require.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 250*time.Millisecond, cfg.Cache.OperationTimeout)
	require.Equal(t, 2*time.Second, cfg.RBAC.ResolveTimeout)
	require.True(t, cfg.RBAC.StrictCatalog)
	require.True(t, cfg.RBAC.SyncOnStart)
	require.Empty(t, cfg.RBAC.ProtectedAdminID)
	require.Equal(t, 90, cfg.Maintenance.AuditRetentionDays)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("ADMINACCESS_RBAC_PROTECTED_ADMIN_ID", "env-admin")
	t.Setenv("ADMINACCESS_CACHE_TTL", "45s")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "env-admin", cfg.RBAC.ProtectedAdminID)
	require.Equal(t, 45*time.Second, cfg.Cache.TTL)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigAdapters(t *testing.T) {
	cfg := Config{
		Database: DatabaseConfig{Driver: " mysql ", Host: "db", Port: 3307, Name: "admin", User: "u", Password: "p"},
		Cache:    CacheConfig{Redis: RedisCacheConfig{Address: " redis:6379 ", KeyPrefix: " perms ", DB: 1}},
	}

	dbCfg := cfg.Database.DatabaseOpenConfig()
	require.Equal(t, "mysql", dbCfg.Driver)
	require.Equal(t, 3307, dbCfg.Port)

	redisCfg := cfg.Cache.RedisClientConfig()
	require.Equal(t, "redis:6379", redisCfg.Address)
	require.Equal(t, "perms", redisCfg.KeyPrefix)
	require.Equal(t, 1, redisCfg.DB)
}
