package launcher

import (
	"runtime"
	"sort"
	"strings"
)

// MergeEnvironment returns base with overlay applied. Inherited entries
// whose key appears in the overlay are dropped and the overlay values are
// appended in key order; every other inherited entry is kept.
func MergeEnvironment(base []string, overlay map[string]string) []string {
	fold := runtime.GOOS == "windows"

	replaced := make(map[string]bool, len(overlay))
	for k := range overlay {
		replaced[normalizeKey(k, fold)] = true
	}

	merged := make([]string, 0, len(base)+len(overlay))
	for _, entry := range base {
		if replaced[normalizeKey(envKey(entry), fold)] {
			continue
		}
		merged = append(merged, entry)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+overlay[k])
	}
	return merged
}

// envKey extracts the key from a "KEY=VALUE" environment entry. A leading
// '=' belongs to the key, as in the per-drive "=C:" entries on Windows.
func envKey(entry string) string {
	if len(entry) == 0 {
		return entry
	}
	if idx := strings.IndexByte(entry[1:], '='); idx >= 0 {
		return entry[:idx+1]
	}
	return entry
}

// Windows environment keys are case-insensitive.
func normalizeKey(key string, fold bool) string {
	if fold {
		return strings.ToUpper(key)
	}
	return key
}
