package permissions

// Reason explains an access decision. Values are stable and safe to log.
type Reason string

const (
	ReasonSuperuser       Reason = "superuser"
	ReasonAdminFull       Reason = "admin_full"
	ReasonExplicitGrant   Reason = "explicit_grant"
	ReasonModuleGrant     Reason = "module_grant"
	ReasonModulesMatched  Reason = "modules_matched"
	ReasonDenied          Reason = "denied"
	ReasonUnknown         Reason = "unknown_permission"
	ReasonMalformed       Reason = "malformed_permission"
	ReasonUnavailable     Reason = "unavailable"
	ReasonInvalidRequest  Reason = "invalid_request"
	ReasonUnauthenticated Reason = "unauthenticated"
)

// Decision is the outcome of one access check. Permission carries the checked
// id (or the joined module list) for audit logging; it must not be rendered to clients.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     Reason `json:"reason"`
	Permission string `json:"-"`
}

func allow(reason Reason, permission string) Decision {
	return Decision{Allowed: true, Reason: reason, Permission: permission}
}

func deny(reason Reason, permission string) Decision {
	return Decision{Allowed: false, Reason: reason, Permission: permission}
}

// Unavailable reports whether the decision was forced by a backend failure.
func (d Decision) Unavailable() bool {
	return d.Reason == ReasonUnavailable
}
