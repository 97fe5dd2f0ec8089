package app

import (
	"testing"
	"time"
)

func TestApplyRuntimeDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}

	adjusted, err := ApplyRuntimeDefaults(cfg)
	if err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}

	if cfg.Cache.Backend != CacheBackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 5*time.Minute || cfg.Cache.Size != 10000 {
		t.Fatalf("unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.RBAC.ResolveTimeout != 2*time.Second {
		t.Fatalf("unexpected resolve timeout %s", cfg.RBAC.ResolveTimeout)
	}
	for _, key := range []string{"cache.backend", "cache.ttl", "cache.size", "cache.operation_timeout", "rbac.resolve_timeout"} {
		if !adjusted[key] {
			t.Fatalf("expected %s to be reported as adjusted: %#v", key, adjusted)
		}
	}
}

func TestApplyRuntimeDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Cache: CacheConfig{Backend: " Redis ", TTL: time.Minute, Size: 50, OperationTimeout: time.Second},
		RBAC:  RBACConfig{ResolveTimeout: time.Second, ProtectedAdminID: " admin-1 "},
	}

	adjusted, err := ApplyRuntimeDefaults(cfg)
	if err != nil {
		t.Fatalf("ApplyRuntimeDefaults returned error: %v", err)
	}
	if len(adjusted) != 0 {
		t.Fatalf("expected nothing adjusted, got %#v", adjusted)
	}
	if cfg.Cache.Backend != CacheBackendRedis {
		t.Fatalf("expected normalised redis backend, got %q", cfg.Cache.Backend)
	}
	if cfg.RBAC.ProtectedAdminID != "admin-1" {
		t.Fatalf("expected trimmed protected admin id, got %q", cfg.RBAC.ProtectedAdminID)
	}
}

func TestApplyRuntimeDefaultsRejectsUnknownBackend(t *testing.T) {
	if _, err := ApplyRuntimeDefaults(&Config{Cache: CacheConfig{Backend: "memcached"}}); err == nil {
		t.Fatal("expected unsupported backend error")
	}
	if _, err := ApplyRuntimeDefaults(nil); err == nil {
		t.Fatal("expected nil config error")
	}
}
