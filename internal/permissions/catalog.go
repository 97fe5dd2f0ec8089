package permissions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Action is a verb applied within a module. ActionManage is a superset of every other action.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionManage Action = "manage"
)

var allActions = []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionExport, ActionManage}

// Actions returns the closed action enum in canonical order.
func Actions() []Action {
	return append([]Action(nil), allActions...)
}

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, action := range allActions {
		if string(action) == raw {
			return action, true
		}
	}
	return "", false
}

var (
	// ErrMalformedPermission indicates a permission id that does not decompose into module and action.
	ErrMalformedPermission = errors.New("permission: malformed permission id")
	// ErrUnknownPermission indicates a permission id absent from the catalog.
	ErrUnknownPermission = errors.New("permission: unknown permission")

	errDuplicateID    = errors.New("permission: already registered")
	errModuleMismatch = errors.New("permission: module does not match id")
)

// PermissionDefinition describes one permission known to the catalog.
type PermissionDefinition struct {
	ID          string `json:"id"`
	Module      string `json:"module"`
	Action      Action `json:"action"`
	DisplayName string `json:"display_name"`
}

// ParsePermissionID splits id into its module path and final action segment.
func ParsePermissionID(id string) (string, Action, error) {
	id = strings.TrimSpace(id)
	idx := strings.LastIndexByte(id, '.')
	if idx <= 0 || idx == len(id)-1 {
		return "", "", fmt.Errorf("%w %q", ErrMalformedPermission, id)
	}

	module := strings.TrimSpace(id[:idx])
	action, ok := ParseAction(id[idx+1:])
	if !ok || NormalizeModule(module) == "" {
		return "", "", fmt.Errorf("%w %q", ErrMalformedPermission, id)
	}
	return module, action, nil
}

// Catalog is the set of permission definitions the access gate recognises.
// It is safe for concurrent use.
type Catalog struct {
	mu          sync.RWMutex
	permissions map[string]PermissionDefinition
}

// NewCatalog builds a catalog from defs, failing on the first invalid or duplicate definition.
func NewCatalog(defs ...PermissionDefinition) (*Catalog, error) {
	c := &Catalog{permissions: make(map[string]PermissionDefinition, len(defs))}
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a definition. Module and Action are derived from the id when
// empty and must agree with it when supplied.
func (c *Catalog) Register(def PermissionDefinition) error {
	def.ID = strings.TrimSpace(def.ID)
	module, action, err := ParsePermissionID(def.ID)
	if err != nil {
		return err
	}

	if def.Module == "" {
		def.Module = module
	} else if NormalizeModule(def.Module) != NormalizeModule(module) {
		return fmt.Errorf("%w: %s declares %s", errModuleMismatch, def.ID, def.Module)
	}
	if def.Action != "" && def.Action != action {
		return fmt.Errorf("%w: %s declares action %s", ErrMalformedPermission, def.ID, def.Action)
	}
	def.Action = action
	if def.DisplayName == "" {
		def.DisplayName = def.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.permissions[def.ID]; exists {
		return fmt.Errorf("%w: %s", errDuplicateID, def.ID)
	}
	c.permissions[def.ID] = def
	return nil
}

// Lookup returns the definition registered under id.
func (c *Catalog) Lookup(id string) (PermissionDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.permissions[strings.TrimSpace(id)]
	return def, ok
}

// Len reports the number of registered definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.permissions)
}

// All returns every definition sorted by id.
func (c *Catalog) All() []PermissionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PermissionDefinition, 0, len(c.permissions))
	for _, def := range c.permissions {
		out = append(out, def)
	}
	sortDefinitions(out)
	return out
}

// ByModule gathers definitions whose module is covered by module, descendants included.
func (c *Catalog) ByModule(module string) []PermissionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []PermissionDefinition
	for _, def := range c.permissions {
		if ModuleCovers(module, def.Module) {
			out = append(out, def)
		}
	}
	sortDefinitions(out)
	return out
}

// Modules returns the distinct normalised modules referenced by the catalog.
func (c *Catalog) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, def := range c.permissions {
		seen[NormalizeModule(def.Module)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for module := range seen {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}

// KnownModule reports whether any registered definition lives at or below module.
func (c *Catalog) KnownModule(module string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, def := range c.permissions {
		if ModuleCovers(module, def.Module) {
			return true
		}
	}
	return false
}

func sortDefinitions(defs []PermissionDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].ID < defs[j].ID
	})
}
