package cli

import (
	"maps"
	"slices"
	"time"
)

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// FormatTime renders an optional timestamp in local time, or "-".
func FormatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC1123)
}
