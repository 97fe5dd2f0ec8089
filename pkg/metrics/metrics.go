package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PermissionChecks counts access decisions by guard kind (permission|modules) and result (allow|deny|unavailable).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminaccess_permission_checks_total",
			Help: "Total number of access gate decisions",
		},
		[]string{"kind", "result"},
	)

	// PermissionCacheLookups counts grant cache reads by result (hit|miss|stale|error).
	PermissionCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminaccess_permission_cache_lookups_total",
			Help: "Total number of permission cache lookups",
		},
		[]string{"result"},
	)

	// PermissionCacheInvalidations counts invalidations by scope (user|all) and result (ok|error).
	PermissionCacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminaccess_permission_cache_invalidations_total",
			Help: "Total number of permission cache invalidations",
		},
		[]string{"scope", "result"},
	)

	// RoleSyncChanges counts roles touched by synchronization (created|updated|skipped|demoted|deleted).
	RoleSyncChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminaccess_role_sync_changes_total",
			Help: "Total number of role changes applied by synchronization",
		},
		[]string{"change"},
	)

	// GrantResolveLatency measures resolver round trips against the role store.
	GrantResolveLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adminaccess_grant_resolve_seconds",
			Help:    "Latency of grant resolution against the role store",
			Buckets: prometheus.DefBuckets,
		},
	)
)
