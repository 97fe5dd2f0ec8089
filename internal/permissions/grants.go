package permissions

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/charlesng35/adminaccess/internal/models"
)

type stringSet map[string]struct{}

func (s stringSet) add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

func (s stringSet) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// GrantSet is the union of what a user's active roles grant. Modules are
// stored normalised; explicit permission ids are kept verbatim.
type GrantSet struct {
	modules  stringSet
	actions  stringSet
	explicit stringSet
}

type grantSetJSON struct {
	Modules  []string `json:"modules"`
	Actions  []string `json:"actions"`
	Explicit []string `json:"explicit"`
}

// NewGrantSet returns an empty grant set.
func NewGrantSet() *GrantSet {
	return &GrantSet{
		modules:  make(stringSet),
		actions:  make(stringSet),
		explicit: make(stringSet),
	}
}

// Add unions a role's permission payload into the set.
func (g *GrantSet) Add(p models.RolePermissions) {
	for _, module := range p.Modules {
		g.modules.add(NormalizeModule(module))
	}
	for _, action := range p.Actions {
		if parsed, ok := ParseAction(action); ok {
			g.actions.add(string(parsed))
		}
	}
	for _, id := range p.SpecificPermissions {
		g.explicit.add(strings.TrimSpace(id))
	}
}

// Modules returns the granted modules, sorted.
func (g *GrantSet) Modules() []string { return g.modules.sorted() }

// Actions returns the granted actions, sorted.
func (g *GrantSet) Actions() []string { return g.actions.sorted() }

// Explicit returns the explicitly granted permission ids, sorted.
func (g *GrantSet) Explicit() []string { return g.explicit.sorted() }

// Empty reports whether the set grants nothing.
func (g *GrantSet) Empty() bool {
	return g == nil || (len(g.modules) == 0 && len(g.explicit) == 0)
}

// MarshalJSON renders the set with sorted members so cached payloads are stable.
func (g *GrantSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(grantSetJSON{
		Modules:  g.Modules(),
		Actions:  g.Actions(),
		Explicit: g.Explicit(),
	})
}

// UnmarshalJSON restores a set written by MarshalJSON.
func (g *GrantSet) UnmarshalJSON(data []byte) error {
	var raw grantSetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*g = *NewGrantSet()
	g.Add(models.RolePermissions{Modules: raw.Modules, Actions: raw.Actions, SpecificPermissions: raw.Explicit})
	return nil
}

// Match is the outcome of evaluating one permission id against a grant set.
type Match int

const (
	MatchNone Match = iota
	MatchExplicit
	MatchModule
	MatchMalformed
)

// Evaluate decides permissionID against the set:
//  1. a verbatim explicit grant allows;
//  2. an explicit "<m>.manage" grant allows any action on m and its descendants;
//  3. otherwise the action (or manage) must be granted and some granted module
//     must cover the permission's module.
//
// Malformed ids never match.
func (g *GrantSet) Evaluate(permissionID string) Match {
	permissionID = strings.TrimSpace(permissionID)
	module, action, err := ParsePermissionID(permissionID)
	if err != nil {
		return MatchMalformed
	}
	if g == nil {
		return MatchNone
	}

	if g.explicit.has(permissionID) {
		return MatchExplicit
	}
	required := NormalizeModule(module)
	for id := range g.explicit {
		grantedModule, grantedAction, err := ParsePermissionID(id)
		if err != nil || grantedAction != ActionManage {
			continue
		}
		if coversNormalized(NormalizeModule(grantedModule), required) {
			return MatchExplicit
		}
	}

	if !g.actions.has(string(action)) && !g.actions.has(string(ActionManage)) {
		return MatchNone
	}
	if g.coversModule(required) {
		return MatchModule
	}
	return MatchNone
}

// HasPermission reports whether permissionID is granted.
func (g *GrantSet) HasPermission(permissionID string) bool {
	switch g.Evaluate(permissionID) {
	case MatchExplicit, MatchModule:
		return true
	default:
		return false
	}
}

// ModulesMatch reports whether the granted modules cover every required module
// (matchAll) or at least one of them. An empty requirement never matches.
func (g *GrantSet) ModulesMatch(required []string, matchAll bool) bool {
	if g == nil || len(required) == 0 {
		return false
	}
	for _, module := range required {
		covered := g.coversModule(NormalizeModule(module))
		if matchAll && !covered {
			return false
		}
		if !matchAll && covered {
			return true
		}
	}
	return matchAll
}

func (g *GrantSet) coversModule(required string) bool {
	if required == "" {
		return false
	}
	for granted := range g.modules {
		if coversNormalized(granted, required) {
			return true
		}
	}
	return false
}
