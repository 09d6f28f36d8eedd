package query

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// ErrInvalidFilter is wrapped by every filter parsing failure.
var ErrInvalidFilter = errors.New("invalid filter")

// Match reports whether doc satisfies filter. An empty filter matches every
// document.
func Match(doc Document, filter Filter) (bool, error) {
	for key, cond := range filter {
		ok, err := matchKey(doc, key, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// ValidateFilter checks every operator and operand of filter without
// reading any document, so a malformed filter fails the same way whether or
// not anything would match.
func ValidateFilter(filter Filter) error {
	for key, cond := range filter {
		switch key {
		case "$and", "$or", "$nor":
			subs, err := SubFilters(key, cond)
			if err != nil {
				return err
			}
			for _, sub := range subs {
				if err := ValidateFilter(sub); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return fmt.Errorf("%w: unknown top-level operator %s", ErrInvalidFilter, key)
		}
		if ops, ok := OperatorDoc(cond); ok {
			if err := validateOperators(ops); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateOperators(ops map[string]any) error {
	for op, arg := range ops {
		switch op {
		case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
		case "$in", "$nin":
			if _, ok := ToSlice(arg); !ok {
				return fmt.Errorf("%w: %s expects an array", ErrInvalidFilter, op)
			}
		case "$exists":
			if _, ok := arg.(bool); !ok {
				return fmt.Errorf("%w: $exists expects a boolean", ErrInvalidFilter)
			}
		case "$regex":
			if _, err := CompileRegex(arg, ops["$options"]); err != nil {
				return err
			}
		case "$options":
			if _, ok := ops["$regex"]; !ok {
				return fmt.Errorf("%w: $options without $regex", ErrInvalidFilter)
			}
		case "$not":
			sub, ok := OperatorDoc(arg)
			if !ok {
				return fmt.Errorf("%w: $not expects an operator document", ErrInvalidFilter)
			}
			if err := validateOperators(sub); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown operator %s", ErrInvalidFilter, op)
		}
	}
	return nil
}

func matchKey(doc Document, key string, cond any) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		subs, err := SubFilters(key, cond)
		if err != nil {
			return false, err
		}
		return matchLogical(doc, key, subs)
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("%w: unknown top-level operator %s", ErrInvalidFilter, key)
	}

	v, exists := Lookup(doc, key)
	if ops, ok := OperatorDoc(cond); ok {
		return matchOperators(v, exists, ops)
	}
	return Equal(v, cond), nil
}

func matchLogical(doc Document, op string, subs []Filter) (bool, error) {
	for _, sub := range subs {
		ok, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !ok:
			return false, nil
		case op == "$or" && ok:
			return true, nil
		case op == "$nor" && ok:
			return false, nil
		}
	}
	return op != "$or", nil
}

func matchOperators(v any, exists bool, ops map[string]any) (bool, error) {
	for op, arg := range ops {
		ok, err := matchOperator(v, exists, op, arg, ops)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOperator(v any, exists bool, op string, arg any, ops map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return Equal(v, arg), nil
	case "$ne":
		return !Equal(v, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !exists || !orderable(v, arg) {
			return false, nil
		}
		c := Compare(v, arg)
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		}
		return c <= 0, nil
	case "$in", "$nin":
		list, ok := ToSlice(arg)
		if !ok {
			return false, fmt.Errorf("%w: %s expects an array", ErrInvalidFilter, op)
		}
		found := false
		for _, item := range list {
			if Equal(v, item) {
				found = true
				break
			}
		}
		return found == (op == "$in"), nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("%w: $exists expects a boolean", ErrInvalidFilter)
		}
		return exists == want, nil
	case "$regex":
		re, err := CompileRegex(arg, ops["$options"])
		if err != nil {
			return false, err
		}
		s, ok := v.(string)
		return ok && re.MatchString(s), nil
	case "$options":
		if _, ok := ops["$regex"]; !ok {
			return false, fmt.Errorf("%w: $options without $regex", ErrInvalidFilter)
		}
		return true, nil
	case "$not":
		sub, ok := OperatorDoc(arg)
		if !ok {
			return false, fmt.Errorf("%w: $not expects an operator document", ErrInvalidFilter)
		}
		matched, err := matchOperators(v, exists, sub)
		return !matched, err
	}
	return false, fmt.Errorf("%w: unknown operator %s", ErrInvalidFilter, op)
}

func orderable(a, b any) bool {
	ra := rank(a)
	return ra == rank(b) && (ra == rankNumber || ra == rankString || ra == rankTime)
}

// CompileRegex builds a regexp from a $regex argument and optional $options
// (i, m, s).
func CompileRegex(pattern, options any) (*regexp.Regexp, error) {
	p, ok := pattern.(string)
	if !ok {
		return nil, fmt.Errorf("%w: $regex expects a string", ErrInvalidFilter)
	}
	if o, ok := options.(string); ok && o != "" {
		p = "(?" + o + ")" + p
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return re, nil
}

// OperatorDoc reports whether v is a non-empty map whose keys are all
// operators.
func OperatorDoc(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// SubFilters validates the operand of $and, $or and $nor.
func SubFilters(op string, v any) ([]Filter, error) {
	list, ok := ToSlice(v)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: %s expects a non-empty array", ErrInvalidFilter, op)
	}
	out := make([]Filter, 0, len(list))
	for _, item := range list {
		f, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects an array of filters", ErrInvalidFilter, op)
		}
		out = append(out, f)
	}
	return out, nil
}

// ToSlice converts any slice or array to []any.
func ToSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	if s, ok := v.([]Filter); ok {
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
