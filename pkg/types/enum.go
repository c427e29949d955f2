package types

import (
	"fmt"
	"strings"
)

// parseEnum maps text onto the index of names, case-insensitively.
func parseEnum(kind string, names []string, text []byte) (int, error) {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range names {
		if name == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return "unknown"
	}
	return names[i]
}
