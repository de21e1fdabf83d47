package cmdline

import "strings"

// Merge joins the normalized text of each fragment with a single space,
// skipping fragments that normalize to nothing.
func Merge(set ResolvedSet) string {
	parts := make([]string, 0, len(set))
	for _, frag := range set {
		if text := frag.Text(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Join appends extra command line text to base using the merge separator
func Join(base, extra string) string {
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	default:
		return base + " " + extra
	}
}
