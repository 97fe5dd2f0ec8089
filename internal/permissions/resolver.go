package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charlesng35/adminaccess/internal/models"
	"github.com/charlesng35/adminaccess/pkg/metrics"
)

// RoleSource loads the active roles reachable through a user's active assignments.
type RoleSource interface {
	ActiveRolesForUser(ctx context.Context, userID string) ([]models.Role, error)
}

// Resolver turns role assignments into grant sets and evaluates permission ids
// against them. It holds no per-user state.
type Resolver struct {
	source  RoleSource
	catalog *Catalog
	strict  bool
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithStrictCatalog controls whether ids missing from the catalog are denied. Strict is the default.
func WithStrictCatalog(strict bool) ResolverOption {
	return func(r *Resolver) {
		r.strict = strict
	}
}

// NewResolver constructs a resolver reading roles from source.
func NewResolver(source RoleSource, catalog *Catalog, opts ...ResolverOption) (*Resolver, error) {
	if source == nil {
		return nil, errors.New("permission resolver: role source is required")
	}
	if catalog == nil {
		return nil, errors.New("permission resolver: catalog is required")
	}
	r := &Resolver{source: source, catalog: catalog, strict: true}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Catalog exposes the catalog the resolver validates against.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// ResolveGrants unions the permissions of every active role actively assigned to userID.
func (r *Resolver) ResolveGrants(ctx context.Context, userID string) (*GrantSet, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("permission resolver: user id is required")
	}

	start := time.Now()
	roles, err := r.source.ActiveRolesForUser(ctx, userID)
	metrics.GrantResolveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("permission resolver: load roles: %w", err)
	}

	grants := NewGrantSet()
	for i := range roles {
		if !roles[i].IsActive {
			continue
		}
		grants.Add(roles[i].Grant())
	}
	return grants, nil
}

// HasPermission evaluates permissionID against grants. Malformed ids, and ids
// missing from the catalog in strict mode, are denied rather than reported as errors.
func (r *Resolver) HasPermission(grants *GrantSet, permissionID string) Decision {
	permissionID = strings.TrimSpace(permissionID)
	if _, _, err := ParsePermissionID(permissionID); err != nil {
		return deny(ReasonMalformed, permissionID)
	}
	if r.strict {
		if _, ok := r.catalog.Lookup(permissionID); !ok {
			return deny(ReasonUnknown, permissionID)
		}
	}

	switch grants.Evaluate(permissionID) {
	case MatchExplicit:
		return allow(ReasonExplicitGrant, permissionID)
	case MatchModule:
		return allow(ReasonModuleGrant, permissionID)
	default:
		return deny(ReasonDenied, permissionID)
	}
}

// RequiredModulesMatch evaluates a module-list guard against grants.
func (r *Resolver) RequiredModulesMatch(grants *GrantSet, modules []string, matchAll bool) Decision {
	label := strings.Join(modules, ",")
	if len(modules) == 0 {
		return deny(ReasonInvalidRequest, label)
	}
	if grants.ModulesMatch(modules, matchAll) {
		return allow(ReasonModulesMatched, label)
	}
	return deny(ReasonDenied, label)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
