package query

import (
	"fmt"
	"strings"
)

// Project keeps only the listed fields (dotted paths allowed) plus the
// native key. An empty field list returns doc unchanged.
func Project(doc Document, fields []string) Document {
	if len(fields) == 0 || doc == nil {
		return doc
	}
	out := make(Document, len(fields)+1)
	if v, ok := doc["_id"]; ok {
		out["_id"] = v
	}
	for _, f := range fields {
		if v, ok := Lookup(doc, f); ok {
			Assign(out, f, v)
		}
	}
	return out
}

// FieldsFrom converts the loose forms accepted by option maps: a list of
// names, a comma separated string, or a {field: 1} mapping.
func FieldsFrom(v any) ([]string, error) {
	switch f := v.(type) {
	case []string:
		return f, nil
	case string:
		var out []string
		for _, part := range strings.Split(f, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case map[string]any:
		out := make([]string, 0, len(f))
		for name, on := range f {
			if n, ok := ToFloat(on); ok && n == 0 {
				continue
			}
			if b, ok := on.(bool); ok && !b {
				continue
			}
			out = append(out, name)
		}
		return out, nil
	}
	list, ok := ToSlice(v)
	if !ok {
		return nil, fmt.Errorf("invalid fields format %T", v)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("invalid field name %v", item)
		}
		out = append(out, s)
	}
	return out, nil
}
