package action

import (
	"fmt"
	"strings"

	"github.com/pitabwire/flowdesk/internal/condition"
)

// Interpolate replaces {{path}} placeholders with values from data. Paths
// use the same dotted lookup as conditions; unknown paths are left intact.
func Interpolate(s string, data map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : end])
		if v, ok := condition.Lookup(data, path); ok {
			b.WriteString(fmt.Sprint(v))
		} else {
			b.WriteString(rest[start : end+2])
		}
		rest = rest[end+2:]
	}
	b.WriteString(rest)
	return b.String()
}

func interpolateAll(list []string, data map[string]any) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = Interpolate(s, data)
	}
	return out
}

// interpolateMap copies m, interpolating string values at any depth.
func interpolateMap(m map[string]any, data map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = interpolateValue(v, data)
	}
	return out
}

func interpolateValue(v any, data map[string]any) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, data)
	case map[string]any:
		return interpolateMap(val, data)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, data)
		}
		return out
	}
	return v
}
