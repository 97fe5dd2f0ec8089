package permissions

import "strings"

// Principal is the authenticated identity supplied by the auth layer.
type Principal interface {
	ID() string
	IsSuperuser() bool
	IsAdminFull() bool
}

// Subject is a plain Principal implementation.
type Subject struct {
	UserID    string `json:"user_id"`
	Superuser bool   `json:"is_superuser"`
	AdminFull bool   `json:"is_admin_full"`
}

func (s Subject) ID() string        { return strings.TrimSpace(s.UserID) }
func (s Subject) IsSuperuser() bool { return s.Superuser }
func (s Subject) IsAdminFull() bool { return s.AdminFull }
