package webhook

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches {{dotted.path}} placeholders in trigger action
// config strings.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// Interpolate expands {{payload.a.b.0.c}} placeholders against the given
// root document. Numeric path segments index arrays; unresolvable paths
// expand to the empty string.
func Interpolate(template string, root map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := resolvePath(root, strings.Split(path, "."))
		if !ok {
			return ""
		}
		return stringify(value)
	})
}

// InterpolateJSON walks a decoded JSON document and interpolates every string
// value in place, returning the rewritten document.
func InterpolateJSON(doc any, root map[string]any) any {
	switch v := doc.(type) {
	case string:
		return Interpolate(v, root)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = InterpolateJSON(item, root)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateJSON(item, root)
		}
		return out
	default:
		return doc
	}
}

func resolvePath(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
