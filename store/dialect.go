package store

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/stevemurr/docmodel/query"
)

// valueKind is the JSON type of a filter operand.
type valueKind int

const (
	kindNull valueKind = iota
	kindNumber
	kindString
	kindBool
	kindObject
	kindArray
)

func kindOf(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case float64:
		return kindNumber
	case string:
		return kindString
	case bool:
		return kindBool
	case map[string]any:
		return kindObject
	}
	return kindArray
}

// dialect renders the SQL that differs between engines. Every collection
// lives in its own table (seq, id, data) with the document as JSON in data.
type dialect interface {
	name() string
	placeholder(n int) string
	createTable(table string) string
	// docParam wraps the placeholder of an encoded document.
	docParam(ph string) string
	// dataColumn selects the document as text.
	dataColumn() string
	// field extracts a path as a comparable value, NULL when missing.
	field(path []string) string
	// text extracts a path as text for regular expressions.
	text(path []string) string
	// isKind tests the JSON type of a path.
	isKind(path []string, k valueKind) string
	// missing is true when the path does not exist.
	missing(path []string) string
	// param converts an operand to its query parameter.
	param(v any) any
	// operand renders the placeholder of a parameter as a value comparable
	// with field.
	operand(ph string, v any) string
	regexMatch(text, ph string) string
	noLimit() string
	forUpdate() string
	indexExists() string
	listTables() string
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func splitPath(path string) ([]string, error) {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: empty segment in field %q", query.ErrInvalidFilter, path)
		}
	}
	return parts, nil
}

// jsonValue converts an operand to the plain JSON form stored documents
// have, so ints become float64 and times become strings.
func jsonValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	if f, ok := query.ToFloat(v); ok {
		return f, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sqlFilter compiles filters to WHERE clauses. Placeholders are numbered in
// the order they appear in the text.
type sqlFilter struct {
	d    dialect
	args []any
}

func newSQLFilter(d dialect) *sqlFilter {
	return &sqlFilter{d: d}
}

func (c *sqlFilter) arg(v any) string {
	c.args = append(c.args, v)
	return c.d.placeholder(len(c.args))
}

func (c *sqlFilter) where(f Filter) (string, error) {
	if len(f) == 0 {
		return "TRUE", nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		p, err := c.key(k, f[k])
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return join(parts, " AND "), nil
}

func (c *sqlFilter) key(key string, cond any) (string, error) {
	switch key {
	case "$and", "$or", "$nor":
		subs, err := query.SubFilters(key, cond)
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(subs))
		for _, sub := range subs {
			p, err := c.where(sub)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		switch key {
		case "$and":
			return join(parts, " AND "), nil
		case "$or":
			return join(parts, " OR "), nil
		}
		return not(join(parts, " OR ")), nil
	}
	if strings.HasPrefix(key, "$") {
		return "", fmt.Errorf("%w: unknown top-level operator %s", query.ErrInvalidFilter, key)
	}

	if key == "_id" {
		switch cond.(type) {
		case map[string]any, []any, nil:
		default:
			return "id = " + c.arg(query.KeyOf(cond)), nil
		}
	}

	path, err := splitPath(key)
	if err != nil {
		return "", err
	}
	if ops, ok := query.OperatorDoc(cond); ok {
		return c.operators(path, ops)
	}
	return c.eq(path, cond)
}

func (c *sqlFilter) operators(path []string, ops map[string]any) (string, error) {
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(ops))
	for _, op := range names {
		p, err := c.operator(path, op, ops[op], ops)
		if err != nil {
			return "", err
		}
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return join(parts, " AND "), nil
}

func (c *sqlFilter) operator(path []string, op string, arg any, ops map[string]any) (string, error) {
	switch op {
	case "$eq":
		return c.eq(path, arg)
	case "$ne":
		p, err := c.eq(path, arg)
		return not(p), err
	case "$gt", "$gte", "$lt", "$lte":
		return c.compare(path, op, arg)
	case "$in", "$nin":
		list, ok := query.ToSlice(arg)
		if !ok {
			return "", fmt.Errorf("%w: %s expects an array", query.ErrInvalidFilter, op)
		}
		parts := make([]string, 0, len(list))
		for _, item := range list {
			p, err := c.eq(path, item)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		in := "FALSE"
		if len(parts) > 0 {
			in = join(parts, " OR ")
		}
		if op == "$nin" {
			return not(in), nil
		}
		return in, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return "", fmt.Errorf("%w: $exists expects a boolean", query.ErrInvalidFilter)
		}
		if want {
			return "NOT " + c.d.missing(path), nil
		}
		return c.d.missing(path), nil
	case "$regex":
		re, err := query.CompileRegex(arg, ops["$options"])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s AND %s)", c.d.isKind(path, kindString), c.d.regexMatch(c.d.text(path), c.arg(re.String()))), nil
	case "$options":
		if _, ok := ops["$regex"]; !ok {
			return "", fmt.Errorf("%w: $options without $regex", query.ErrInvalidFilter)
		}
		return "", nil
	case "$not":
		sub, ok := query.OperatorDoc(arg)
		if !ok {
			return "", fmt.Errorf("%w: $not expects an operator document", query.ErrInvalidFilter)
		}
		p, err := c.operators(path, sub)
		return not(p), err
	}
	return "", fmt.Errorf("%w: unknown operator %s", query.ErrInvalidFilter, op)
}

func (c *sqlFilter) eq(path []string, v any) (string, error) {
	v, err := jsonValue(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", query.ErrInvalidFilter, err)
	}
	k := kindOf(v)
	if k == kindNull {
		return fmt.Sprintf("(%s OR %s)", c.d.missing(path), c.d.isKind(path, kindNull)), nil
	}
	ph := c.arg(c.d.param(v))
	return fmt.Sprintf("(%s AND %s = %s)", c.d.isKind(path, k), c.d.field(path), c.d.operand(ph, v)), nil
}

// compare only orders numbers with numbers and strings with strings.
func (c *sqlFilter) compare(path []string, op string, v any) (string, error) {
	v, err := jsonValue(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", query.ErrInvalidFilter, err)
	}
	k := kindOf(v)
	if k != kindNumber && k != kindString {
		return "FALSE", nil
	}
	sym := map[string]string{"$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}[op]
	ph := c.arg(c.d.param(v))
	return fmt.Sprintf("(%s AND %s %s %s)", c.d.isKind(path, k), c.d.field(path), sym, c.d.operand(ph, v)), nil
}

func join(parts []string, sep string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func not(p string) string {
	return "NOT COALESCE(" + p + ", FALSE)"
}

// orderBy renders the sort keys followed by insertion order.
func orderBy(d dialect, s query.Sort) (string, error) {
	parts := make([]string, 0, len(s)+1)
	for _, k := range s {
		path, err := splitPath(k.Field)
		if err != nil {
			return "", err
		}
		if k.Order < 0 {
			parts = append(parts, d.field(path)+" DESC NULLS LAST")
		} else {
			parts = append(parts, d.field(path)+" ASC NULLS FIRST")
		}
	}
	parts = append(parts, "seq ASC")
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func window(d dialect, limit, skip int64) string {
	switch {
	case limit > 0 && skip > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, skip)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case skip > 0:
		return fmt.Sprintf(" LIMIT %s OFFSET %d", d.noLimit(), skip)
	}
	return ""
}
