package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/adminaccess/internal/auditctx"
	"github.com/charlesng35/adminaccess/internal/permissions"
	"github.com/charlesng35/adminaccess/pkg/errors"
	"github.com/charlesng35/adminaccess/pkg/response"
)

const (
	CtxPrincipalKey = "principal"
	CtxUserIDKey    = "userID"
)

// PrincipalResolver extracts the authenticated principal from a request.
// Authentication itself lives outside this module; a nil principal means anonymous.
type PrincipalResolver func(c *gin.Context) (permissions.Principal, error)

// SetPrincipal stores the principal for downstream guards and tags the request
// context with the audit actor.
func SetPrincipal(c *gin.Context, principal permissions.Principal) {
	if principal == nil {
		return
	}
	c.Set(CtxPrincipalKey, principal)
	c.Set(CtxUserIDKey, principal.ID())
	c.Request = c.Request.WithContext(auditctx.WithActor(c.Request.Context(), auditctx.Actor{
		UserID:    principal.ID(),
		IPAddress: c.ClientIP(),
	}))
}

// PrincipalFromContext returns the principal stored by SetPrincipal.
func PrincipalFromContext(c *gin.Context) (permissions.Principal, bool) {
	v, ok := c.Get(CtxPrincipalKey)
	if !ok {
		return nil, false
	}
	principal, ok := v.(permissions.Principal)
	if !ok || principal == nil || principal.ID() == "" {
		return nil, false
	}
	return principal, true
}

// Identify runs resolve for every request and stores the result. Resolution
// errors reject the request with 401; anonymous requests continue and are
// rejected by any guard they reach.
func Identify(resolve PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := resolve(c)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Abort(c, errors.ErrUnauthorized)
			return
		}
		SetPrincipal(c, principal)
		c.Next()
	}
}
