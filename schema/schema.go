// Package schema validates collection documents against JSON Schema and
// keeps the per-collection schemas in the reserved _schemas collection.
package schema

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/query"
)

// Failure types reported by Validate.
const (
	FailureType       = "type"
	FailureRequired   = "required"
	FailureEnum       = "enum"
	FailureAdditional = "additionalProperties"
	FailureRange      = "range"
	FailureLength     = "length"
	FailurePattern    = "pattern"
)

// Validate checks a document against a JSON Schema (draft-07 subset).
// Returns nil if validation passes or the schema is nil. Every violation is
// collected into a single apperr invalidData error.
//
// Supported JSON Schema keywords:
//   - type (string, number, integer, boolean, object, array, null, or a list)
//   - properties, required, additionalProperties
//   - items (for arrays)
//   - minimum, maximum, exclusiveMinimum, exclusiveMaximum
//   - minLength, maxLength, pattern
//   - minItems, maxItems
//   - enum
func Validate(schema map[string]any, doc map[string]any) error {
	if schema == nil {
		return nil
	}
	v := &validator{}
	v.value(schema, doc, "")
	if len(v.failures) == 0 {
		return nil
	}
	return apperr.InvalidData(v.failures...)
}

type validator struct {
	failures []apperr.Failure
}

func (v *validator) fail(path, typ, format string, args ...any) {
	if path == "" {
		path = "$"
	}
	v.failures = append(v.failures, apperr.Failure{
		Message: fmt.Sprintf(format, args...),
		Path:    path,
		Type:    typ,
	})
}

func (v *validator) value(schema map[string]any, value any, path string) {
	if t, ok := schema["type"]; ok && !v.checkType(t, value, path) {
		// the remaining keywords assume the right type
		return
	}

	if enumList, ok := schema["enum"].([]any); ok {
		v.checkEnum(enumList, value, path)
	}

	switch x := value.(type) {
	case map[string]any:
		v.object(schema, x, path)
	case []any:
		v.array(schema, x, path)
	case string:
		v.str(schema, x, path)
	default:
		if n, ok := query.ToFloat(x); ok {
			v.number(schema, n, path)
		}
	}
}

func (v *validator) checkType(t any, value any, path string) bool {
	var allowed []string
	switch tt := t.(type) {
	case string:
		allowed = []string{tt}
	case []any:
		for _, a := range tt {
			if s, ok := a.(string); ok {
				allowed = append(allowed, s)
			}
		}
	default:
		return true
	}
	actual := jsonType(value)
	for _, want := range allowed {
		if typeMatches(want, actual, value) {
			return true
		}
	}
	v.fail(path, FailureType, "expected type %s, got %q", strings.Join(allowed, " or "), actual)
	return false
}

func typeMatches(want, actual string, value any) bool {
	switch {
	case want == actual:
		return true
	case want == "number" && actual == "integer":
		return true
	case want == "integer" && actual == "number":
		f, _ := query.ToFloat(value)
		return f == math.Trunc(f)
	}
	return false
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	}
	if _, ok := query.ToFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func (v *validator) checkEnum(allowed []any, value any, path string) {
	for _, a := range allowed {
		if query.Equal(a, value) {
			return
		}
	}
	v.fail(path, FailureEnum, "value not in enum %v", allowed)
}

func (v *validator) object(schema map[string]any, obj map[string]any, path string) {
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			field, ok := r.(string)
			if !ok {
				continue
			}
			if _, exists := obj[field]; !exists {
				v.fail(join(path, field), FailureRequired, "missing required field %q", field)
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for _, field := range sortedKeys(props) {
		val, exists := obj[field]
		if !exists {
			continue
		}
		if ps, ok := props[field].(map[string]any); ok {
			v.value(ps, val, join(path, field))
		}
	}

	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		var extra []string
		for _, field := range sortedKeys(obj) {
			if _, defined := props[field]; !defined {
				extra = append(extra, field)
			}
		}
		if len(extra) > 0 {
			v.fail(path, FailureAdditional, "additional properties not allowed: %s", strings.Join(extra, ", "))
		}
	}
}

func (v *validator) array(schema map[string]any, arr []any, path string) {
	if n, ok := query.ToFloat(schema["minItems"]); ok && float64(len(arr)) < n {
		v.fail(path, FailureLength, "array length %d is less than minItems %v", len(arr), n)
	}
	if n, ok := query.ToFloat(schema["maxItems"]); ok && float64(len(arr)) > n {
		v.fail(path, FailureLength, "array length %d is greater than maxItems %v", len(arr), n)
	}
	if itemSchema, ok := schema["items"].(map[string]any); ok {
		for i, elem := range arr {
			v.value(itemSchema, elem, fmt.Sprintf("%s[%d]", path, i))
		}
	}
}

func (v *validator) str(schema map[string]any, s string, path string) {
	n := len([]rune(s))
	if lo, ok := query.ToFloat(schema["minLength"]); ok && float64(n) < lo {
		v.fail(path, FailureLength, "string length %d is less than minLength %v", n, lo)
	}
	if hi, ok := query.ToFloat(schema["maxLength"]); ok && float64(n) > hi {
		v.fail(path, FailureLength, "string length %d is greater than maxLength %v", n, hi)
	}
	if p, ok := schema["pattern"].(string); ok {
		re, err := regexp.Compile(p)
		if err != nil {
			v.fail(path, FailurePattern, "invalid pattern %q: %v", p, err)
			return
		}
		if !re.MatchString(s) {
			v.fail(path, FailurePattern, "%q does not match pattern %q", s, p)
		}
	}
}

func (v *validator) number(schema map[string]any, n float64, path string) {
	if lo, ok := query.ToFloat(schema["minimum"]); ok && n < lo {
		v.fail(path, FailureRange, "%v is less than minimum %v", n, lo)
	}
	if hi, ok := query.ToFloat(schema["maximum"]); ok && n > hi {
		v.fail(path, FailureRange, "%v is greater than maximum %v", n, hi)
	}
	if lo, ok := query.ToFloat(schema["exclusiveMinimum"]); ok && n <= lo {
		v.fail(path, FailureRange, "%v is not greater than exclusiveMinimum %v", n, lo)
	}
	if hi, ok := query.ToFloat(schema["exclusiveMaximum"]); ok && n >= hi {
		v.fail(path, FailureRange, "%v is not less than exclusiveMaximum %v", n, hi)
	}
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
