package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docmodel/query"
)

func sampleDoc() query.Document {
	return query.Document{
		"_id":  "u1",
		"name": "Ada",
		"age":  float64(36),
		"tags": []any{"math", "eng"},
		"address": map[string]any{
			"city": "London",
		},
	}
}

func TestMatch(t *testing.T) {
	doc := sampleDoc()
	cases := []struct {
		name   string
		filter query.Filter
		want   bool
	}{
		{"empty", query.Filter{}, true},
		{"equal", query.Filter{"name": "Ada"}, true},
		{"int normalizes", query.Filter{"age": 36}, true},
		{"dotted", query.Filter{"address.city": "London"}, true},
		{"mismatch", query.Filter{"name": "Bob"}, false},
		{"gt", query.Filter{"age": map[string]any{"$gt": 30}}, true},
		{"lte", query.Filter{"age": map[string]any{"$lte": 35}}, false},
		{"gt cross type", query.Filter{"age": map[string]any{"$gt": "a"}}, false},
		{"in", query.Filter{"name": map[string]any{"$in": []any{"Bob", "Ada"}}}, true},
		{"nin", query.Filter{"name": map[string]any{"$nin": []string{"Ada"}}}, false},
		{"ne missing", query.Filter{"missing": map[string]any{"$ne": 1}}, true},
		{"exists", query.Filter{"address": map[string]any{"$exists": true}}, true},
		{"not exists", query.Filter{"missing": map[string]any{"$exists": false}}, true},
		{"regex", query.Filter{"name": map[string]any{"$regex": "^a", "$options": "i"}}, true},
		{"not", query.Filter{"age": map[string]any{"$not": map[string]any{"$gt": 40}}}, true},
		{"or", query.Filter{"$or": []any{
			map[string]any{"name": "Bob"},
			map[string]any{"age": 36},
		}}, true},
		{"and", query.Filter{"$and": []any{
			map[string]any{"name": "Ada"},
			map[string]any{"age": 1},
		}}, false},
		{"nor", query.Filter{"$nor": []any{map[string]any{"name": "Bob"}}}, true},
		{"array equality", query.Filter{"tags": []any{"math", "eng"}}, true},
		{"null matches missing", query.Filter{"missing": nil}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := query.Match(doc, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchInvalid(t *testing.T) {
	doc := sampleDoc()
	for _, f := range []query.Filter{
		{"$where": "x"},
		{"age": map[string]any{"$bogus": 1}},
		{"$or": []any{}},
		{"name": map[string]any{"$in": "Ada"}},
		{"name": map[string]any{"$regex": "("}},
		{"name": map[string]any{"$exists": "yes"}},
	} {
		_, err := query.Match(doc, f)
		assert.ErrorIs(t, err, query.ErrInvalidFilter, "%v", f)
	}
}

func TestValidateFilter(t *testing.T) {
	for _, f := range []query.Filter{
		{"name": "nobody", "age": map[string]any{"$near": 1}},
		{"$or": []any{map[string]any{"a": 1}, map[string]any{"b": map[string]any{"$in": 3}}}},
		{"a": map[string]any{"$not": map[string]any{"$regex": "["}}},
		{"a": map[string]any{"$options": "i"}},
		{"a": map[string]any{"$not": 5}},
	} {
		assert.ErrorIs(t, query.ValidateFilter(f), query.ErrInvalidFilter, "%v", f)
	}

	require.NoError(t, query.ValidateFilter(nil))
	require.NoError(t, query.ValidateFilter(query.Filter{
		"name": map[string]any{"$regex": "^a", "$options": "i"},
		"age":  map[string]any{"$gte": 1, "$lt": 9, "$nin": []any{3}},
		"$and": []any{map[string]any{"x": map[string]any{"$exists": true}}},
	}))
}

func TestKeyOf(t *testing.T) {
	assert.Equal(t, "1", query.KeyOf(1))
	assert.Equal(t, "1", query.KeyOf(float64(1)))
	assert.Equal(t, "1.5", query.KeyOf(1.5))
	assert.Equal(t, "abc", query.KeyOf("abc"))
	assert.Equal(t, "", query.KeyOf(nil))
}

func TestCompareOrdersKinds(t *testing.T) {
	assert.Equal(t, -1, query.Compare(nil, 1))
	assert.Equal(t, -1, query.Compare(1, "a"))
	assert.Equal(t, 0, query.Compare(2, 2.0))
	assert.Equal(t, 1, query.Compare("b", "a"))
	assert.Equal(t, -1, query.Compare([]any{1}, []any{1, 2}))
}

func TestAssignAndUnset(t *testing.T) {
	doc := query.Document{}
	query.Assign(doc, "a.b.c", 1)
	v, ok := query.Lookup(doc, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	query.Unset(doc, "a.b.c")
	_, ok = query.Lookup(doc, "a.b.c")
	assert.False(t, ok)
	query.Unset(doc, "x.y")
}
