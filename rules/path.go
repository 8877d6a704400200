package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// PathResolver extracts a sub-value from a resolved fact value. A path that
// matches nothing returns nil without an error.
type PathResolver func(value any, path string) (any, error)

// DefaultPathResolver evaluates a JSONPath expression such as
// "$.profile.addresses[0].city" or "$.orders[*].total" against value.
// Supported selectors: root ($), child (.name, ['name']), index ([n]) and
// array wildcard ([*]).
func DefaultPathResolver(value any, path string) (any, error) {
	query, err := jsonPathToGJSON(path)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return value, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value for path query: %w", err)
	}

	result := gjson.GetBytes(data, query)
	if !result.Exists() {
		return nil, nil
	}
	return decodeRaw(result.Raw)
}

// decodeRaw decodes an extracted JSON fragment. Integers stay int64 (or
// uint64 when too large) so they are not rounded through float64.
func decodeRaw(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode path result: %w", err)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
	}
	return v
}

// jsonPathToGJSON translates the supported JSONPath subset into gjson syntax
func jsonPathToGJSON(path string) (string, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")

	var parts []string
	for len(p) > 0 {
		switch p[0] {
		case '.':
			p = p[1:]
			end := strings.IndexAny(p, ".[")
			if end == -1 {
				end = len(p)
			}
			name := p[:end]
			if name == "" {
				return "", fmt.Errorf("invalid path %q: empty member name", path)
			}
			if name == "*" {
				parts = append(parts, "#")
			} else {
				parts = append(parts, escapePathComponent(name))
			}
			p = p[end:]

		case '[':
			end := strings.IndexByte(p, ']')
			if end == -1 {
				return "", fmt.Errorf("invalid path %q: unterminated bracket", path)
			}
			selector := strings.TrimSpace(p[1:end])
			p = p[end+1:]
			switch {
			case selector == "*":
				parts = append(parts, "#")
			case len(selector) >= 2 && (selector[0] == '\'' || selector[0] == '"') && selector[len(selector)-1] == selector[0]:
				parts = append(parts, escapePathComponent(selector[1:len(selector)-1]))
			case selector != "" && strings.Trim(selector, "0123456789") == "":
				parts = append(parts, selector)
			default:
				return "", fmt.Errorf("invalid path %q: unsupported selector [%s]", path, selector)
			}

		default:
			// bare member name, e.g. "profile.age" without the leading "$."
			p = "." + p
		}
	}
	return strings.Join(parts, "."), nil
}

func escapePathComponent(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '.', '*', '?', '#', '|', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isObjectLike reports whether a path can be applied to v
func isObjectLike(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}
