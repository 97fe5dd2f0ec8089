package permissions

import (
	"strings"
)

// defaultModules lists the admin apps and the resources each exposes.
var defaultModules = []struct {
	module    string
	resources []string
}{
	{"blog", []string{"post", "category", "comment"}},
	{"portfolio", []string{"project", "skill"}},
	{"real_estate", []string{"property", "agency", "agent", "inquiry"}},
	{"tickets", []string{"ticket", "message"}},
	{"ai", []string{"content", "provider"}},
	{"email", []string{"template", "campaign"}},
	{"chatbot", []string{"conversation", "knowledge"}},
	{"user", []string{"role", "account"}},
}

// DefaultModules returns the top-level admin modules in declaration order.
func DefaultModules() []string {
	out := make([]string, 0, len(defaultModules))
	for _, m := range defaultModules {
		out = append(out, m.module)
	}
	return out
}

// DefaultCatalog constructs the catalog for the admin apps: every action on
// every module and on every resource beneath it.
func DefaultCatalog() *Catalog {
	var defs []PermissionDefinition
	for _, m := range defaultModules {
		defs = append(defs, definitionsFor(m.module)...)
		for _, resource := range m.resources {
			defs = append(defs, definitionsFor(m.module+"."+resource)...)
		}
	}

	catalog, err := NewCatalog(defs...)
	if err != nil {
		// static definitions; a failure here is a programming error
		panic(err)
	}
	return catalog
}

func definitionsFor(module string) []PermissionDefinition {
	defs := make([]PermissionDefinition, 0, len(allActions))
	for _, action := range allActions {
		defs = append(defs, PermissionDefinition{
			ID:          module + "." + string(action),
			Module:      module,
			Action:      action,
			DisplayName: displayName(module, action),
		})
	}
	return defs
}

func displayName(module string, action Action) string {
	label := strings.NewReplacer("_", " ", ".", " ").Replace(module)
	verb := string(action)
	return strings.ToUpper(verb[:1]) + verb[1:] + " " + label
}
