package policy

import (
	"strconv"
	"strings"
)

// pathStep is one element of a parsed attribute path.
type pathStep struct {
	key      string
	index    int
	isIndex  bool
	wildcard bool
}

// ExtractValues returns every value at path inside data. Paths use dots for
// object keys and brackets for array positions: "a.b", "items[0].id",
// "emails[*].from". A [*] step fans out over every element of an array.
// Missing values are skipped and a malformed path yields no values.
func ExtractValues(data any, path string) []any {
	steps, ok := parsePath(path)
	if !ok {
		return nil
	}
	var out []any
	walkPath(data, steps, &out)
	return out
}

func walkPath(cur any, steps []pathStep, out *[]any) {
	if len(steps) == 0 {
		if cur != nil {
			*out = append(*out, cur)
		}
		return
	}
	step, rest := steps[0], steps[1:]
	switch {
	case step.wildcard:
		arr, ok := cur.([]any)
		if !ok {
			return
		}
		for _, item := range arr {
			walkPath(item, rest, out)
		}
	case step.isIndex:
		arr, ok := cur.([]any)
		if !ok || step.index >= len(arr) {
			return
		}
		walkPath(arr[step.index], rest, out)
	default:
		obj, ok := cur.(map[string]any)
		if !ok {
			return
		}
		next, ok := obj[step.key]
		if !ok {
			return
		}
		walkPath(next, rest, out)
	}
}

// parsePath splits a dot/bracket path into steps. It rejects empty paths,
// empty keys, unterminated brackets and non-numeric indexes.
func parsePath(path string) ([]pathStep, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var steps []pathStep
	i := 0
	expectKey := true
	for i < len(path) {
		switch c := path[i]; {
		case c == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, false
			}
			inner := path[i+1 : i+end]
			if inner == "*" {
				steps = append(steps, pathStep{wildcard: true})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, false
				}
				steps = append(steps, pathStep{index: n, isIndex: true})
			}
			i += end + 1
			expectKey = false
		case c == '.':
			if expectKey || i+1 >= len(path) {
				return nil, false
			}
			i++
			expectKey = true
		case c == ']':
			return nil, false
		default:
			if !expectKey {
				return nil, false
			}
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' && path[j] != ']' {
				j++
			}
			steps = append(steps, pathStep{key: path[i:j]})
			i = j
			expectKey = false
		}
	}
	if expectKey && len(steps) > 0 {
		return nil, false
	}
	return steps, len(steps) > 0
}
