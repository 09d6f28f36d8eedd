package query

import (
	"fmt"
	"sort"
	"strings"
)

// SortKey orders by one field. Order is 1 for ascending, -1 for descending.
type SortKey struct {
	Field string `json:"field" yaml:"field"`
	Order int    `json:"order" yaml:"order"`
}

// Sort is an ordered list of sort keys.
type Sort []SortKey

func Asc(field string) SortKey  { return SortKey{Field: field, Order: 1} }
func Desc(field string) SortKey { return SortKey{Field: field, Order: -1} }

// ParseSort reads "name,-age" style specs. A leading '-' means descending.
func ParseSort(spec string) (Sort, error) {
	var out Sort
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key := Asc(strings.TrimPrefix(part, "+"))
		if strings.HasPrefix(part, "-") {
			key = Desc(part[1:])
		}
		if key.Field == "" {
			return nil, fmt.Errorf("invalid sort %q", spec)
		}
		out = append(out, key)
	}
	return out, nil
}

// SortFrom converts the loose forms accepted by option maps: a Sort, a
// "name,-age" string, or a list of {field, order} objects.
func SortFrom(v any) (Sort, error) {
	switch s := v.(type) {
	case Sort:
		return s, nil
	case []SortKey:
		return Sort(s), nil
	case SortKey:
		return Sort{s}, nil
	case string:
		return ParseSort(s)
	}
	list, ok := ToSlice(v)
	if !ok {
		return nil, fmt.Errorf("unsupported sort value %T", v)
	}
	out := make(Sort, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unsupported sort entry %T", item)
		}
		field, _ := m["field"].(string)
		order, _ := ToFloat(m["order"])
		if field == "" {
			return nil, fmt.Errorf("sort entry without field")
		}
		key := Asc(field)
		if order < 0 {
			key = Desc(field)
		}
		out = append(out, key)
	}
	return out, nil
}

func (s Sort) String() string {
	parts := make([]string, len(s))
	for i, k := range s {
		if k.Order < 0 {
			parts[i] = "-" + k.Field
		} else {
			parts[i] = k.Field
		}
	}
	return strings.Join(parts, ",")
}

// Less compares two documents by the sort keys.
func (s Sort) Less(a, b Document) bool {
	for _, k := range s {
		va, _ := Lookup(a, k.Field)
		vb, _ := Lookup(b, k.Field)
		c := Compare(va, vb)
		if c == 0 {
			continue
		}
		if k.Order < 0 {
			return c > 0
		}
		return c < 0
	}
	return false
}

// Apply stably sorts docs in place. Equal documents keep their order.
func (s Sort) Apply(docs []Document) {
	if len(s) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool { return s.Less(docs[i], docs[j]) })
}

// Window applies skip then limit. Zero means no skip and no limit.
func Window(docs []Document, skip, limit int64) []Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return docs[:0]
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}
