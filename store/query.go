package store

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/chain"
	"github.com/stevemurr/docmodel/instrument"
	"github.com/stevemurr/docmodel/query"
)

// Result is a materialized query: the number of documents matching the
// filter, ignoring skip and limit, and the fetched page.
type Result struct {
	Total int64      `json:"total"`
	Docs  []Document `json:"docs"`
}

// findSpec is everything a backend needs to fetch a page.
type findSpec struct {
	Filter Filter
	Fields []string
	Sort   query.Sort
	Limit  int64
	Skip   int64
}

type queryExecutor interface {
	count(ctx context.Context, filter Filter) (int64, error)
	fetch(ctx context.Context, spec findSpec) ([]Document, error)
}

// Query accumulates projection, sort, limit and skip and runs nothing until
// Exec. A Query is owned by a single caller and executes once.
//
// Sort, Limit, Skip and Fields ignore falsy values, so Skip(0) is the same as
// never calling Skip.
type Query struct {
	base   *base
	filter Filter
	exec   queryExecutor
	timer  *instrument.Timer
	steps  *chain.Chain
	err    error
	done   bool
}

func newQuery(ctx context.Context, b *base, exec queryExecutor, filter Filter, fields []string) *Query {
	if filter == nil {
		filter = Filter{}
	}
	q := &Query{
		base:   b,
		filter: filter,
		exec:   exec,
		timer:  b.start(ctx, "find", filter),
		steps: chain.New(chain.Config{
			Steps: map[string]chain.Step{
				"sort":   chain.Transform(sortStep),
				"limit":  chain.Transform(countStep),
				"skip":   chain.Transform(countStep),
				"fields": chain.Transform(fieldsStep),
			},
		}),
	}
	q.Fields(fields...)
	return q
}

func sortStep(_ map[string]any, v any) (any, error) {
	if !chain.Truthy(v) {
		return nil, nil
	}
	s, err := query.SortFrom(v)
	if err != nil || len(s) == 0 {
		return nil, err
	}
	return s, nil
}

func countStep(_ map[string]any, v any) (any, error) {
	if !chain.Truthy(v) {
		return nil, nil
	}
	n, ok := query.ToFloat(v)
	if !ok || n < 0 || n != float64(int64(n)) {
		return nil, fmt.Errorf("expected a non-negative integer, got %v", v)
	}
	return int64(n), nil
}

func fieldsStep(_ map[string]any, v any) (any, error) {
	if !chain.Truthy(v) {
		return nil, nil
	}
	f, err := query.FieldsFrom(v)
	if err != nil || len(f) == 0 {
		return nil, err
	}
	return f, nil
}

func (q *Query) set(name string, v any) *Query {
	if err := q.steps.Set(name, v); err != nil && q.err == nil {
		q.err = invalidOption(name, err)
	}
	return q
}

func invalidOption(name string, err error) error {
	return apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: name, Type: "invalid"})
}

func (q *Query) Sort(s query.Sort) *Query { return q.set("sort", s) }
func (q *Query) Limit(n int64) *Query     { return q.set("limit", n) }
func (q *Query) Skip(n int64) *Query      { return q.set("skip", n) }

// Fields sets the projection. The native key is always included.
func (q *Query) Fields(fields ...string) *Query {
	if len(fields) == 0 {
		return q
	}
	return q.set("fields", fields)
}

// ApplyOptions sets sort, limit, skip and fields by name. Unknown names fail
// here and make Exec fail as well.
func (q *Query) ApplyOptions(opts map[string]any) error {
	err := q.steps.Apply(opts)
	switch {
	case errors.Is(err, chain.ErrUnknownStep):
		err = apperr.New(apperr.CodeInvalidData, fmt.Sprintf("%v: %v", ErrUnknownOption, err),
			apperr.WithCause(ErrUnknownOption),
			apperr.WithFailures(apperr.Failure{Message: err.Error(), Path: "options", Type: "unknown"}))
	case err != nil:
		err = invalidOption("options", err)
	}
	if err != nil && q.err == nil {
		q.err = err
	}
	return err
}

func (q *Query) spec() findSpec {
	s := findSpec{Filter: q.filter}
	if v, ok := q.steps.Get("sort"); ok {
		s.Sort = v.(query.Sort)
	}
	if v, ok := q.steps.Get("limit"); ok {
		s.Limit = v.(int64)
	}
	if v, ok := q.steps.Get("skip"); ok {
		s.Skip = v.(int64)
	}
	if v, ok := q.steps.Get("fields"); ok {
		s.Fields = v.([]string)
	}
	return s
}

// String describes the full query.
func (q *Query) String() string {
	s := q.spec()
	return fmt.Sprintf("%s: db.%s.find(%s, %s).sort(%s).limit(%d).skip(%d)",
		q.base.backend, q.base.name, render(s.Filter), render(s.Fields), render(s.Sort), s.Limit, s.Skip)
}

// Exec counts every match and fetches the page concurrently. It fails if
// either call fails. A Query can be executed once.
func (q *Query) Exec(ctx context.Context) (*Result, error) {
	if q.done {
		return nil, ErrQueryMaterialized
	}
	q.done = true
	if q.err != nil {
		return nil, q.base.finish(q.timer, q.err, nil)
	}

	q.steps.OnExec(func(map[string]any) (any, error) {
		spec := q.spec()
		q.timer.SetMessage(q.String())

		res := &Result{}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := q.exec.count(gctx, spec.Filter)
			res.Total = n
			return err
		})
		g.Go(func() error {
			docs, err := q.exec.fetch(gctx, spec)
			res.Docs = docs
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if res.Docs == nil {
			res.Docs = []Document{}
		}
		return res, nil
	})

	out, err := q.steps.Exec()
	if err := q.base.finish(q.timer, err, nil); err != nil {
		return nil, err
	}
	return out.(*Result), nil
}
