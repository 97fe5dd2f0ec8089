package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPermissionChecksCounter(t *testing.T) {
	before := testutil.ToFloat64(PermissionChecks.WithLabelValues("permission", "deny"))
	PermissionChecks.WithLabelValues("permission", "deny").Inc()

	if got := testutil.ToFloat64(PermissionChecks.WithLabelValues("permission", "deny")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}

func TestCollectorsAreRegistered(t *testing.T) {
	RoleSyncChanges.WithLabelValues("created").Add(0)
	PermissionCacheLookups.WithLabelValues("hit").Add(0)
	PermissionCacheInvalidations.WithLabelValues("user", "ok").Add(0)

	for name, n := range map[string]int{
		"role sync changes":   testutil.CollectAndCount(RoleSyncChanges),
		"cache lookups":       testutil.CollectAndCount(PermissionCacheLookups),
		"cache invalidations": testutil.CollectAndCount(PermissionCacheInvalidations),
	} {
		if n == 0 {
			t.Fatalf("expected %s series to be collected", name)
		}
	}
}
