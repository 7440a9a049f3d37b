package transform

import (
	"strconv"
	"strings"
)

// resolvePath walks a raw record along a dotted path with optional
// bracket-indexed array segments, e.g. "location.coordinates[1]" or
// "speeds[0].value".
func resolvePath(record map[string]any, path string) (any, bool) {
	if record == nil || path == "" {
		return nil, false
	}
	var current any = record
	for _, segment := range strings.Split(path, ".") {
		name, indices, ok := splitSegment(segment)
		if !ok {
			return nil, false
		}
		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indices {
			list, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(list) {
				return nil, false
			}
			current = list[idx]
		}
	}
	return current, true
}

// splitSegment separates "name[0][1]" into its name and index parts.
func splitSegment(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		if segment == "" {
			return "", nil, false
		}
		return segment, nil, true
	}
	name := segment[:open]
	rest := segment[open:]
	var indices []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		closeIdx := strings.IndexByte(rest, ']')
		if closeIdx < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:closeIdx])
		if err != nil {
			return "", nil, false
		}
		indices = append(indices, idx)
		rest = rest[closeIdx+1:]
	}
	return name, indices, true
}
