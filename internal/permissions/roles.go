package permissions

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/charlesng35/adminaccess/internal/models"
	"github.com/charlesng35/adminaccess/pkg/validator"
)

// CanonVersion identifies the built-in canonical role set.
const CanonVersion = "2024.3"

// SuperAdminRole is the canonical role held by the protected admin.
const SuperAdminRole = "super_admin"

// RoleDef is one canonical system role definition.
type RoleDef struct {
	Name        string                 `yaml:"name" json:"name" validate:"required,slug,max=100"`
	DisplayName string                 `yaml:"display_name" json:"display_name" validate:"required,max=150"`
	Description string                 `yaml:"description" json:"description"`
	Level       int                    `yaml:"level" json:"level" validate:"gte=0"`
	Permissions models.RolePermissions `yaml:"permissions" json:"permissions"`
}

type grantSpec struct {
	Modules  []string `validate:"dive,required"`
	Actions  []string `validate:"dive,oneof=read create update delete export manage"`
	Explicit []string `validate:"dive,required"`
}

// RoleFile is the on-disk shape of a canonical roles file.
type RoleFile struct {
	Version string    `yaml:"version"`
	Roles   []RoleDef `yaml:"roles"`
}

// DefaultRoles returns the built-in canon.
func DefaultRoles() []RoleDef {
	all := DefaultModules()
	content := make([]string, 0, len(all))
	for _, module := range all {
		if module != "user" {
			content = append(content, module)
		}
	}

	return []RoleDef{
		{
			Name:        SuperAdminRole,
			DisplayName: "Super Administrator",
			Description: "Unrestricted access to every admin module",
			Level:       100,
			Permissions: models.RolePermissions{Modules: all, Actions: []string{"manage"}},
		},
		{
			Name:        "admin",
			DisplayName: "Administrator",
			Description: "Manages all content modules and can inspect users and roles",
			Level:       90,
			Permissions: models.RolePermissions{
				Modules:             content,
				Actions:             []string{"manage"},
				SpecificPermissions: []string{"user.account.read", "user.role.read"},
			},
		},
		{
			Name:        "blog_editor",
			DisplayName: "Blog Editor",
			Description: "Writes and moderates blog content",
			Level:       50,
			Permissions: models.RolePermissions{Modules: []string{"blog"}, Actions: []string{"read", "create", "update", "delete"}},
		},
		{
			Name:        "portfolio_manager",
			DisplayName: "Portfolio Manager",
			Description: "Owns portfolio projects and skills",
			Level:       50,
			Permissions: models.RolePermissions{Modules: []string{"portfolio"}, Actions: []string{"manage"}},
		},
		{
			Name:        "property_agent",
			DisplayName: "Property Agent",
			Description: "Read access to real estate listings",
			Level:       40,
			Permissions: models.RolePermissions{Modules: []string{"real_estate"}, Actions: []string{"read"}},
		},
		{
			Name:        "ticket_agent",
			DisplayName: "Ticket Agent",
			Description: "Works the support ticket queue",
			Level:       40,
			Permissions: models.RolePermissions{
				Modules:             []string{"tickets"},
				Actions:             []string{"read", "update"},
				SpecificPermissions: []string{"tickets.message.create"},
			},
		},
		{
			Name:        "ai_operator",
			DisplayName: "AI Operator",
			Description: "Generates AI content",
			Level:       40,
			Permissions: models.RolePermissions{
				Modules:             []string{"ai.content"},
				Actions:             []string{"read", "create", "update"},
				SpecificPermissions: []string{"ai.provider.read"},
			},
		},
		{
			Name:        "email_manager",
			DisplayName: "Email Manager",
			Description: "Owns email templates and campaigns",
			Level:       50,
			Permissions: models.RolePermissions{Modules: []string{"email"}, Actions: []string{"manage"}},
		},
		{
			Name:        "chatbot_operator",
			DisplayName: "Chatbot Operator",
			Description: "Reviews conversations and curates the knowledge base",
			Level:       40,
			Permissions: models.RolePermissions{Modules: []string{"chatbot"}, Actions: []string{"read", "update"}},
		},
		{
			Name:        "viewer",
			DisplayName: "Viewer",
			Description: "Read-only access to content modules",
			Level:       10,
			Permissions: models.RolePermissions{Modules: content, Actions: []string{"read"}},
		},
	}
}

// LoadRoleDefs reads a YAML roles file. The returned version is the file's
// declared version, or CanonVersion when absent.
func LoadRoleDefs(path string) ([]RoleDef, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("roles file: read %s: %w", path, err)
	}
	return ParseRoleDefs(data)
}

// ParseRoleDefs decodes a YAML roles document.
func ParseRoleDefs(data []byte) ([]RoleDef, string, error) {
	var file RoleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("roles file: decode: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, "", errors.New("roles file: no roles defined")
	}
	version := strings.TrimSpace(file.Version)
	if version == "" {
		version = CanonVersion
	}
	return file.Roles, version, nil
}

// ValidateRoleDefs checks every definition and reports all failures at once.
// When catalog is non-nil, modules and specific permissions must be known to it.
func ValidateRoleDefs(defs []RoleDef, catalog *Catalog) error {
	if len(defs) == 0 {
		return errors.New("canonical roles: empty role set")
	}

	var result error
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		label := fmt.Sprintf("role[%d] %q", i, def.Name)

		if err := validator.ValidateStruct(def); err != nil {
			result = multierr.Append(result, fmt.Errorf("%s: %w", label, err))
		}
		grant := def.Permissions
		if err := validator.ValidateStruct(grantSpec{
			Modules:  grant.Modules,
			Actions:  grant.Actions,
			Explicit: grant.SpecificPermissions,
		}); err != nil {
			result = multierr.Append(result, fmt.Errorf("%s: permissions: %w", label, err))
		}

		if _, dup := seen[def.Name]; dup {
			result = multierr.Append(result, fmt.Errorf("%s: duplicate role name", label))
		}
		seen[def.Name] = struct{}{}

		if len(grant.Modules) > 0 && len(grant.Actions) == 0 {
			result = multierr.Append(result, fmt.Errorf("%s: modules granted without actions", label))
		}
		for _, id := range grant.SpecificPermissions {
			if _, _, err := ParsePermissionID(id); err != nil {
				result = multierr.Append(result, fmt.Errorf("%s: %w", label, err))
				continue
			}
			if catalog != nil {
				if _, ok := catalog.Lookup(id); !ok {
					result = multierr.Append(result, fmt.Errorf("%s: %w %q", label, ErrUnknownPermission, id))
				}
			}
		}
		if catalog != nil {
			for _, module := range grant.Modules {
				if !catalog.KnownModule(module) {
					result = multierr.Append(result, fmt.Errorf("%s: unknown module %q", label, module))
				}
			}
		}
	}
	return result
}
