package query

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidPipeline is wrapped by every malformed aggregation stage.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// Stage is one aggregation step, a single-key map such as {"$match": {...}}.
type Stage = map[string]any

// Iterator yields documents one at a time and returns io.EOF when exhausted.
type Iterator interface {
	Next() (Document, error)
}

// IteratorFunc adapts a function to Iterator.
type IteratorFunc func() (Document, error)

func (f IteratorFunc) Next() (Document, error) { return f() }

// FromSlice iterates over docs.
func FromSlice(docs []Document) Iterator {
	i := 0
	return IteratorFunc(func() (Document, error) {
		if i >= len(docs) {
			return nil, io.EOF
		}
		i++
		return docs[i-1], nil
	})
}

// Drain collects every remaining document.
func Drain(it Iterator) ([]Document, error) {
	var out []Document
	for {
		doc, err := it.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, doc)
	}
}

// SplitLeadingMatch merges the leading $match stages into a single filter so
// a backend can push them down, and returns the stages left to evaluate.
func SplitLeadingMatch(stages []Stage) (Filter, []Stage, error) {
	var filters []any
	i := 0
	for ; i < len(stages); i++ {
		arg, ok := stages[i]["$match"]
		if !ok || len(stages[i]) != 1 {
			break
		}
		f, ok := arg.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("%w: $match expects an object", ErrInvalidPipeline)
		}
		if len(f) > 0 {
			filters = append(filters, f)
		}
	}
	switch len(filters) {
	case 0:
		return Filter{}, stages[i:], nil
	case 1:
		return filters[0].(map[string]any), stages[i:], nil
	}
	return Filter{"$and": filters}, stages[i:], nil
}

// Pipeline chains the stages over src. Streaming stages ($match, $project,
// $skip, $limit) pull lazily; $sort, $group and $count drain their input on
// the first Next.
func Pipeline(src Iterator, stages []Stage) (Iterator, error) {
	it := src
	for _, st := range stages {
		if len(st) != 1 {
			return nil, fmt.Errorf("%w: stage must have exactly one operator", ErrInvalidPipeline)
		}
		for op, arg := range st {
			next, err := buildStage(it, op, arg)
			if err != nil {
				return nil, err
			}
			it = next
		}
	}
	return it, nil
}

func buildStage(in Iterator, op string, arg any) (Iterator, error) {
	switch op {
	case "$match":
		f, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $match expects an object", ErrInvalidPipeline)
		}
		if err := ValidateFilter(f); err != nil {
			return nil, err
		}
		return matchStage(in, f), nil
	case "$project":
		fields, err := FieldsFrom(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
		}
		return IteratorFunc(func() (Document, error) {
			doc, err := in.Next()
			if err != nil {
				return nil, err
			}
			return Project(doc, fields), nil
		}), nil
	case "$skip", "$limit":
		n, ok := ToFloat(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: %s expects a non-negative number", ErrInvalidPipeline, op)
		}
		if op == "$skip" {
			return skipStage(in, int64(n)), nil
		}
		return limitStage(in, int64(n)), nil
	case "$sort":
		s, err := sortArg(arg)
		if err != nil {
			return nil, err
		}
		return blocking(in, func(docs []Document) ([]Document, error) {
			s.Apply(docs)
			return docs, nil
		}), nil
	case "$group":
		spec, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $group expects an object", ErrInvalidPipeline)
		}
		if _, ok := spec["_id"]; !ok {
			return nil, fmt.Errorf("%w: $group requires _id", ErrInvalidPipeline)
		}
		accs, err := parseAccumulators(spec)
		if err != nil {
			return nil, err
		}
		return blocking(in, func(docs []Document) ([]Document, error) {
			return group(docs, spec["_id"], accs)
		}), nil
	case "$count":
		name, ok := arg.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: $count expects a field name", ErrInvalidPipeline)
		}
		return blocking(in, func(docs []Document) ([]Document, error) {
			return []Document{{name: float64(len(docs))}}, nil
		}), nil
	}
	return nil, fmt.Errorf("%w: unsupported stage %s", ErrInvalidPipeline, op)
}

func matchStage(in Iterator, f Filter) Iterator {
	return IteratorFunc(func() (Document, error) {
		for {
			doc, err := in.Next()
			if err != nil {
				return nil, err
			}
			ok, err := Match(doc, f)
			if err != nil {
				return nil, err
			}
			if ok {
				return doc, nil
			}
		}
	})
}

func skipStage(in Iterator, n int64) Iterator {
	return IteratorFunc(func() (Document, error) {
		for ; n > 0; n-- {
			if _, err := in.Next(); err != nil {
				return nil, err
			}
		}
		return in.Next()
	})
}

func limitStage(in Iterator, n int64) Iterator {
	return IteratorFunc(func() (Document, error) {
		if n <= 0 {
			return nil, io.EOF
		}
		n--
		return in.Next()
	})
}

func blocking(in Iterator, fn func([]Document) ([]Document, error)) Iterator {
	var out Iterator
	return IteratorFunc(func() (Document, error) {
		if out == nil {
			docs, err := Drain(in)
			if err != nil {
				return nil, err
			}
			if docs, err = fn(docs); err != nil {
				return nil, err
			}
			out = FromSlice(docs)
		}
		return out.Next()
	})
}

// sortArg accepts {field: 1|-1} as well as the SortFrom forms. Map keys have
// no order, so multi-key maps are rejected.
func sortArg(arg any) (Sort, error) {
	if m, ok := arg.(map[string]any); ok {
		if len(m) != 1 {
			return nil, fmt.Errorf("%w: $sort object must have one key, use a list for more", ErrInvalidPipeline)
		}
		for field, dir := range m {
			if n, _ := ToFloat(dir); n < 0 {
				return Sort{Desc(field)}, nil
			}
			return Sort{Asc(field)}, nil
		}
	}
	s, err := SortFrom(arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	return s, nil
}

type accumulator struct {
	field string
	op    string
	expr  any
}

func parseAccumulators(spec map[string]any) ([]accumulator, error) {
	var accs []accumulator
	for field, v := range spec {
		if field == "_id" {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok || len(m) != 1 {
			return nil, fmt.Errorf("%w: accumulator %s must have one operator", ErrInvalidPipeline, field)
		}
		for op, expr := range m {
			switch op {
			case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push":
			default:
				return nil, fmt.Errorf("%w: unsupported accumulator %s", ErrInvalidPipeline, op)
			}
			accs = append(accs, accumulator{field: field, op: op, expr: expr})
		}
	}
	return accs, nil
}

// eval resolves "$path" references; anything else is a literal.
func eval(doc Document, expr any) any {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := Lookup(doc, s[1:])
		return v
	}
	if m, ok := expr.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = eval(doc, v)
		}
		return out
	}
	return expr
}

type groupState struct {
	id     any
	values map[string]any
	counts map[string]int
}

func group(docs []Document, idExpr any, accs []accumulator) ([]Document, error) {
	var order []*groupState
	byKey := map[string]*groupState{}
	for _, doc := range docs {
		id := eval(doc, idExpr)
		key := KeyOf(id)
		st, ok := byKey[key]
		if !ok {
			st = &groupState{id: id, values: map[string]any{}, counts: map[string]int{}}
			byKey[key] = st
			order = append(order, st)
		}
		for _, a := range accs {
			if err := accumulate(st, a, eval(doc, a.expr)); err != nil {
				return nil, err
			}
		}
	}
	out := make([]Document, 0, len(order))
	for _, st := range order {
		doc := Document{"_id": st.id}
		for _, a := range accs {
			v := st.values[a.field]
			if a.op == "$avg" {
				if n := st.counts[a.field]; n > 0 {
					v = v.(float64) / float64(n)
				}
			}
			if a.op == "$sum" && v == nil {
				v = float64(0)
			}
			doc[a.field] = v
		}
		out = append(out, doc)
	}
	return out, nil
}

func accumulate(st *groupState, a accumulator, v any) error {
	cur, seen := st.values[a.field]
	switch a.op {
	case "$sum", "$avg":
		n, ok := ToFloat(v)
		if !ok {
			return nil
		}
		base, _ := cur.(float64)
		st.values[a.field] = base + n
		st.counts[a.field]++
	case "$min", "$max":
		if v == nil {
			return nil
		}
		if !seen || cur == nil {
			st.values[a.field] = v
			return nil
		}
		c := Compare(v, cur)
		if (a.op == "$min" && c < 0) || (a.op == "$max" && c > 0) {
			st.values[a.field] = v
		}
	case "$first":
		if !seen {
			st.values[a.field] = v
		}
	case "$last":
		st.values[a.field] = v
	case "$push":
		list, _ := cur.([]any)
		st.values[a.field] = append(list, v)
	}
	return nil
}
