package query_test

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docmodel/query"
)

func orders() []query.Document {
	return []query.Document{
		{"_id": "o1", "user": "ada", "total": float64(10)},
		{"_id": "o2", "user": "bob", "total": float64(5)},
		{"_id": "o3", "user": "ada", "total": float64(20)},
		{"_id": "o4", "user": "cy", "total": float64(1)},
	}
}

func run(t *testing.T, stages ...query.Stage) []query.Document {
	t.Helper()
	it, err := query.Pipeline(query.FromSlice(orders()), stages)
	require.NoError(t, err)
	out, err := query.Drain(it)
	require.NoError(t, err)
	return out
}

func TestPipelineGroup(t *testing.T) {
	out := run(t,
		query.Stage{"$group": map[string]any{
			"_id":   "$user",
			"sum":   map[string]any{"$sum": "$total"},
			"avg":   map[string]any{"$avg": "$total"},
			"max":   map[string]any{"$max": "$total"},
			"n":     map[string]any{"$sum": 1},
			"ids":   map[string]any{"$push": "$_id"},
			"first": map[string]any{"$first": "$_id"},
		}},
		query.Stage{"$sort": map[string]any{"sum": -1}},
	)
	require.Len(t, out, 3)
	assert.Equal(t, "ada", out[0]["_id"])
	assert.Equal(t, float64(30), out[0]["sum"])
	assert.Equal(t, float64(15), out[0]["avg"])
	assert.Equal(t, float64(20), out[0]["max"])
	assert.Equal(t, float64(2), out[0]["n"])
	assert.Equal(t, []any{"o1", "o3"}, out[0]["ids"])
	assert.Equal(t, "o1", out[0]["first"])
}

func TestPipelineStreamingStages(t *testing.T) {
	out := run(t,
		query.Stage{"$match": map[string]any{"total": map[string]any{"$gte": 5}}},
		query.Stage{"$sort": "-total"},
		query.Stage{"$skip": 1},
		query.Stage{"$limit": 1},
		query.Stage{"$project": []any{"total"}},
	)
	assert.Equal(t, []query.Document{{"_id": "o1", "total": float64(10)}}, out)
}

func TestPipelineCount(t *testing.T) {
	out := run(t,
		query.Stage{"$match": map[string]any{"user": "ada"}},
		query.Stage{"$count": "n"},
	)
	assert.Equal(t, []query.Document{{"n": float64(2)}}, out)
}

func TestPipelineIsLazy(t *testing.T) {
	pulled := 0
	src := query.FromSlice(orders())
	counting := query.IteratorFunc(func() (query.Document, error) {
		pulled++
		return src.Next()
	})
	it, err := query.Pipeline(counting, []query.Stage{{"$limit": 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, pulled)

	_, err = it.Next()
	require.NoError(t, err)
	_, err = it.Next()
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, 1, pulled)
}

func TestPipelineInvalid(t *testing.T) {
	for _, st := range []query.Stage{
		{"$lookup": map[string]any{}},
		{"$limit": -1},
		{"$group": map[string]any{"n": map[string]any{"$sum": 1}}},
		{"$group": map[string]any{"_id": nil, "n": map[string]any{"$median": 1}}},
		{"$sort": map[string]any{"a": 1, "b": 1}},
		{"$match": map[string]any{}, "$limit": 1},
	} {
		_, err := query.Pipeline(query.FromSlice(nil), []query.Stage{st})
		assert.ErrorIs(t, err, query.ErrInvalidPipeline, "%v", st)
	}
}

func TestSplitLeadingMatch(t *testing.T) {
	f, rest, err := query.SplitLeadingMatch([]query.Stage{
		{"$match": map[string]any{"a": 1}},
		{"$match": map[string]any{"b": 2}},
		{"$limit": 1},
		{"$match": map[string]any{"c": 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, query.Filter{"$and": []any{map[string]any{"a": 1}, map[string]any{"b": 2}}}, f)
	assert.Len(t, rest, 2)

	f, rest, err = query.SplitLeadingMatch([]query.Stage{{"$limit": 1}})
	require.NoError(t, err)
	assert.Empty(t, f)
	assert.Len(t, rest, 1)
}

func TestSort(t *testing.T) {
	s, err := query.ParseSort("user,-total")
	require.NoError(t, err)
	assert.Equal(t, query.Sort{query.Asc("user"), query.Desc("total")}, s)
	assert.Equal(t, "user,-total", s.String())

	docs := orders()
	s.Apply(docs)
	ids := make([]any, len(docs))
	for i, d := range docs {
		ids[i] = d["_id"]
	}
	assert.Equal(t, []any{"o3", "o1", "o2", "o4"}, ids)

	assert.Len(t, query.Window(docs, 1, 2), 2)
	assert.Len(t, query.Window(docs, 10, 0), 0)
	assert.Len(t, query.Window(docs, 0, 0), 4)

	_, err = query.ParseSort("-")
	assert.Error(t, err)
}
