package permissions

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/adminaccess/pkg/logger"
	"github.com/charlesng35/adminaccess/pkg/metrics"
)

// GrantSource yields a user's grant set, typically a Cache.
type GrantSource interface {
	GetGrants(ctx context.Context, userID string) (*GrantSet, error)
}

// Gate is the request-time access check consumed by the web layer. Every
// failure path denies; no error escapes to the caller.
type Gate struct {
	grants   GrantSource
	resolver *Resolver
	timeout  time.Duration
	log      *zap.Logger
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithGateTimeout bounds grant lookups performed by a single check.
func WithGateTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGate constructs a gate reading grants from source and evaluating them with resolver.
func NewGate(source GrantSource, resolver *Resolver, opts ...GateOption) (*Gate, error) {
	if source == nil {
		return nil, errors.New("access gate: grant source is required")
	}
	if resolver == nil {
		return nil, errors.New("access gate: resolver is required")
	}
	g := &Gate{
		grants:   source,
		resolver: resolver,
		timeout:  defaultResolveTimeout,
		log:      logger.WithModule("permissions.gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize decides whether principal holds permissionID.
func (g *Gate) Authorize(ctx context.Context, principal Principal, permissionID string) Decision {
	permissionID = strings.TrimSpace(permissionID)
	if d, done := g.bypass(principal, permissionID); done {
		return g.record("permission", principal, d)
	}

	grants, d, ok := g.load(ctx, principal, permissionID)
	if !ok {
		return g.record("permission", principal, d)
	}
	return g.record("permission", principal, g.resolver.HasPermission(grants, permissionID))
}

// AuthorizeModules decides a module-list guard: every module must be covered
// when matchAll is set, otherwise any one suffices. An empty list is denied.
func (g *Gate) AuthorizeModules(ctx context.Context, principal Principal, modules []string, matchAll bool) Decision {
	label := strings.Join(modules, ",")
	if d, done := g.bypass(principal, label); done {
		return g.record("modules", principal, d)
	}
	if len(modules) == 0 {
		return g.record("modules", principal, deny(ReasonInvalidRequest, label))
	}

	grants, d, ok := g.load(ctx, principal, label)
	if !ok {
		return g.record("modules", principal, d)
	}
	return g.record("modules", principal, g.resolver.RequiredModulesMatch(grants, modules, matchAll))
}

func (g *Gate) bypass(principal Principal, permission string) (Decision, bool) {
	if principal == nil || principal.ID() == "" {
		return deny(ReasonUnauthenticated, permission), true
	}
	if principal.IsSuperuser() {
		return allow(ReasonSuperuser, permission), true
	}
	if principal.IsAdminFull() {
		return allow(ReasonAdminFull, permission), true
	}
	return Decision{}, false
}

func (g *Gate) load(ctx context.Context, principal Principal, permission string) (*GrantSet, Decision, bool) {
	ctx, cancel := context.WithTimeout(ensureContext(ctx), g.timeout)
	defer cancel()

	grants, err := g.grants.GetGrants(ctx, principal.ID())
	if err != nil {
		g.log.Warn("grant lookup failed, denying",
			zap.String("user_id", principal.ID()),
			zap.String("permission", permission),
			zap.Error(err),
		)
		return nil, deny(ReasonUnavailable, permission), false
	}
	return grants, Decision{}, true
}

func (g *Gate) record(kind string, principal Principal, d Decision) Decision {
	result := "deny"
	switch {
	case d.Allowed:
		result = "allow"
	case d.Unavailable():
		result = "unavailable"
	}
	metrics.PermissionChecks.WithLabelValues(kind, result).Inc()

	if !d.Allowed && !d.Unavailable() {
		userID := ""
		if principal != nil {
			userID = principal.ID()
		}
		g.log.Info("access denied",
			zap.String("user_id", userID),
			zap.String("permission", d.Permission),
			zap.String("reason", string(d.Reason)),
		)
	}
	return d
}
