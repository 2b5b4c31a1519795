package mcp

import (
	"maps"
	"slices"
	"strings"
)

// MergeEnv overlays KEY=VALUE pairs from overlay onto base, which is in
// [os.Environ] form. Base entries whose key appears in overlay are
// dropped so the overlay value is the only one the child sees. Overlay
// entries are appended in key order.
func MergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return slices.Clone(base)
	}

	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range slices.Sorted(maps.Keys(overlay)) {
		out = append(out, k+"="+overlay[k])
	}
	return out
}
