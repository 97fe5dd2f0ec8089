package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/adminaccess/internal/permissions"
	"github.com/charlesng35/adminaccess/pkg/errors"
	"github.com/charlesng35/adminaccess/pkg/response"
)

// Authorizer makes access decisions. permissions.Gate and app.Engine both satisfy it.
type Authorizer interface {
	Authorize(ctx context.Context, principal permissions.Principal, permissionID string) permissions.Decision
	AuthorizeModules(ctx context.Context, principal permissions.Principal, modules []string, matchAll bool) permissions.Decision
}

// RequirePermission checks that the authenticated principal holds permissionID.
func RequirePermission(authz Authorizer, permissionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			response.Abort(c, errors.ErrUnauthorized)
			return
		}
		enforce(c, authz.Authorize(c.Request.Context(), principal, permissionID))
	}
}

// RequireModules checks that the principal covers every listed module when
// matchAll is set, or at least one of them otherwise.
func RequireModules(authz Authorizer, matchAll bool, modules ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			response.Abort(c, errors.ErrUnauthorized)
			return
		}
		enforce(c, authz.AuthorizeModules(c.Request.Context(), principal, modules, matchAll))
	}
}

// enforce renders the same forbidden payload for every denial, backend
// failures included, so clients cannot probe which permission was missing.
func enforce(c *gin.Context, d permissions.Decision) {
	switch {
	case d.Allowed:
		c.Next()
	case d.Reason == permissions.ReasonUnauthenticated:
		response.Abort(c, errors.ErrUnauthorized)
	default:
		response.Abort(c, errors.ErrForbidden)
	}
}
