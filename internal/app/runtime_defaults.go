package app

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultCacheTTL         = 5 * time.Minute
	defaultCacheSize        = 10000
	defaultOperationTimeout = 250 * time.Millisecond
	defaultResolveTimeout   = 2 * time.Second
)

// ApplyRuntimeDefaults repairs zero or negative tunables left by partial configuration and rejects
// values that cannot be repaired. It returns the keys it adjusted so callers can log them.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	adjusted := make(map[string]bool)

	backend := strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	switch backend {
	case "":
		backend = CacheBackendMemory
		adjusted["cache.backend"] = true
	case CacheBackendMemory, CacheBackendRedis:
	default:
		return nil, fmt.Errorf("config: unsupported cache backend %q", cfg.Cache.Backend)
	}
	cfg.Cache.Backend = backend

	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = defaultCacheTTL
		adjusted["cache.ttl"] = true
	}
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Size = defaultCacheSize
		adjusted["cache.size"] = true
	}
	if cfg.Cache.OperationTimeout <= 0 {
		cfg.Cache.OperationTimeout = defaultOperationTimeout
		adjusted["cache.operation_timeout"] = true
	}
	if cfg.RBAC.ResolveTimeout <= 0 {
		cfg.RBAC.ResolveTimeout = defaultResolveTimeout
		adjusted["rbac.resolve_timeout"] = true
	}
	if cfg.Maintenance.AuditRetentionDays < 0 {
		cfg.Maintenance.AuditRetentionDays = 0
		adjusted["maintenance.audit_retention_days"] = true
	}

	cfg.RBAC.ProtectedAdminID = strings.TrimSpace(cfg.RBAC.ProtectedAdminID)
	cfg.RBAC.RolesFile = strings.TrimSpace(cfg.RBAC.RolesFile)
	cfg.RBAC.SyncSchedule = strings.TrimSpace(cfg.RBAC.SyncSchedule)

	return adjusted, nil
}
