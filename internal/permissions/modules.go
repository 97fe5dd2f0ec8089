package permissions

import "strings"

// NormalizeModule lower-cases a module reference and folds '_' into the '.'
// separator so legacy snake_case slugs compare equal to dotted paths:
// "Real_Estate_Properties" and "real_estate.properties" both normalise to
// "real.estate.properties". Empty segments are dropped.
func NormalizeModule(module string) string {
	module = strings.ToLower(strings.TrimSpace(module))
	if module == "" {
		return ""
	}
	module = strings.ReplaceAll(module, "_", ".")

	segments := strings.Split(module, ".")
	out := segments[:0]
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		out = append(out, segment)
	}
	return strings.Join(out, ".")
}

// ModuleCovers reports whether a grant on module granted extends to module
// required: true when both normalise to the same path or required is a
// descendant of granted. Coverage is segment-aligned, so "blog" covers
// "blog.post" but not "blogroll".
func ModuleCovers(granted, required string) bool {
	g := NormalizeModule(granted)
	r := NormalizeModule(required)
	if g == "" || r == "" {
		return false
	}
	return coversNormalized(g, r)
}

func coversNormalized(granted, required string) bool {
	if granted == required {
		return true
	}
	return strings.HasPrefix(required, granted+".")
}

// ModuleRoot returns the first segment of a normalised module path.
func ModuleRoot(module string) string {
	module = NormalizeModule(module)
	if idx := strings.IndexByte(module, '.'); idx >= 0 {
		return module[:idx]
	}
	return module
}
