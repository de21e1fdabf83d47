package cmdline

import (
	"fmt"
	"sort"
)

// Resolve scans the vendor and admin layers and returns one fragment per
// relative path, sorted byte-wise by that path. An admin fragment replaces
// the vendor fragment with the same path as a whole and takes its slot.
func Resolve(vendorDir, adminDir string, opts ScanOptions) (ResolvedSet, error) {
	vendor, err := ScanLayer(vendorDir, LayerVendor, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to scan vendor layer: %w", err)
	}
	admin, err := ScanLayer(adminDir, LayerAdmin, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to scan admin layer: %w", err)
	}

	winners := make(map[string]Fragment, len(vendor)+len(admin))
	for _, frag := range vendor {
		winners[frag.RelPath] = frag
	}
	for _, frag := range admin {
		winners[frag.RelPath] = frag
	}

	keys := make([]string, 0, len(winners))
	for key := range winners {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	set := make(ResolvedSet, 0, len(keys))
	for _, key := range keys {
		set = append(set, winners[key])
	}
	return set, nil
}
