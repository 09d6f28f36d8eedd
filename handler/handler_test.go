package handler_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/handler"
	"github.com/stevemurr/docmodel/query"
	"github.com/stevemurr/docmodel/schema"
	"github.com/stevemurr/docmodel/store"
)

type response struct {
	Status   int
	Result   json.RawMessage `json:"result"`
	Error    *apperr.Error   `json:"error"`
	Metadata struct {
		Backend string           `json:"backend"`
		Debug   []map[string]any `json:"debug"`
	} `json:"metadata"`
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Result, v), string(r.Result))
}

func (r response) doc(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	r.decode(t, &m)
	return m
}

func setup(t *testing.T, b store.Backend, opts ...handler.Option) *httptest.Server {
	t.Helper()
	reg, err := schema.NewRegistry(context.Background(), b)
	require.NoError(t, err)
	ts := httptest.NewServer(handler.New(b, reg, opts...))
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any) response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	out := response{Status: resp.StatusCode}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func create(t *testing.T, ts *httptest.Server, collection string, doc map[string]any) map[string]any {
	t.Helper()
	res := call(t, ts, http.MethodPost, "/collections/"+collection+"/items", doc)
	require.Equal(t, http.StatusCreated, res.Status, "%v", res.Error)
	return res.doc(t)
}

func TestRootAndHealth(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())

	res := call(t, ts, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "ok", res.doc(t)["status"])
	assert.Equal(t, "memory", res.Metadata.Backend)

	res = call(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "healthy", res.doc(t)["status"])
}

func TestCreateAndGet(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())

	doc := create(t, ts, "users", map[string]any{"id": "mine", "name": "Ada"})
	id, _ := doc["id"].(string)
	assert.NotEqual(t, "mine", id, "ids are assigned by the server")
	assert.Len(t, id, 36)
	assert.Equal(t, id, doc["_id"])
	assert.NotEmpty(t, doc["creationDate"])
	assert.Contains(t, doc, "modificationDate")
	assert.Nil(t, doc["modificationDate"])

	res := call(t, ts, http.MethodGet, "/collections/users/items/"+id, nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "Ada", res.doc(t)["name"])

	res = call(t, ts, http.MethodGet, "/collections/users/items/"+id+"?fields=name", nil)
	assert.Equal(t, map[string]any{"_id": id, "name": "Ada"}, res.doc(t))

	res = call(t, ts, http.MethodGet, "/collections/users/items/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, apperr.CodeNotFound, res.Error.Code())
	assert.Equal(t, "users", res.Error.Entity())
	assert.Equal(t, "nope", res.Error.ID())

	res = call(t, ts, http.MethodPost, "/collections/users/items", "{not json")
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, apperr.CodeInvalidData, res.Error.Code())

	res = call(t, ts, http.MethodPost, "/collections/users/items", "null")
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
}

func TestFindItems(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())
	for _, p := range []map[string]any{
		{"name": "Ada", "age": 36},
		{"name": "Bob", "age": 25},
		{"name": "Cy", "age": 41},
	} {
		create(t, ts, "people", p)
	}

	q := url.Values{}
	q.Set("filter", `{"age":{"$gte":30}}`)
	q.Set("sort", "-age")
	q.Set("limit", "1")
	q.Set("fields", "name")
	res := call(t, ts, http.MethodGet, "/collections/people/items?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, res.Status, "%v", res.Error)

	var page store.Result
	res.decode(t, &page)
	assert.EqualValues(t, 2, page.Total)
	require.Len(t, page.Docs, 1)
	assert.Equal(t, "Cy", page.Docs[0]["name"])
	assert.NotContains(t, page.Docs[0], "age")

	res = call(t, ts, http.MethodGet, "/collections/people/items?skip=0", nil)
	res.decode(t, &page)
	assert.EqualValues(t, 3, page.Total)
	assert.Len(t, page.Docs, 3)

	res = call(t, ts, http.MethodGet, "/collections/people/items?bogus=1&debug=1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, apperr.CodeInvalidData, res.Error.Code())
	assert.Equal(t, "people", res.Error.Entity())
	require.Len(t, res.Metadata.Debug, 1, "the failed find is still recorded")
	assert.Equal(t, "find", res.Metadata.Debug[0]["name"])
	assert.Equal(t, map[string]any{
		"message": res.Error.Message(),
		"code":    string(apperr.CodeInvalidData),
	}, res.Metadata.Debug[0]["error"])

	res = call(t, ts, http.MethodGet, "/collections/people/items?"+url.Values{"filter": {`{"age":{"$near":1}}`}}.Encode(), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.Equal(t, "people", res.Error.Entity())

	res = call(t, ts, http.MethodGet, "/collections/people/items?filter=%7Bnope", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	require.Len(t, res.Error.Failures(), 1)
	assert.Equal(t, "filter", res.Error.Failures()[0].Path)

	res = call(t, ts, http.MethodGet, "/collections/people/count?"+url.Values{"filter": {`{"age":{"$lt":30}}`}}.Encode(), nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.EqualValues(t, 1, res.doc(t)["count"])
}

func TestUpdateItem(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())
	id := create(t, ts, "users", map[string]any{"name": "Ada", "age": 36})["id"].(string)
	path := "/collections/users/items/" + id

	res := call(t, ts, http.MethodPatch, path, map[string]any{"age": 37})
	require.Equal(t, http.StatusOK, res.Status, "%v", res.Error)
	doc := res.doc(t)
	assert.EqualValues(t, 37, doc["age"])
	assert.Equal(t, "Ada", doc["name"])
	assert.NotEmpty(t, doc["modificationDate"])

	res = call(t, ts, http.MethodPatch, path, map[string]any{"$inc": map[string]any{"age": 1}})
	require.Equal(t, http.StatusOK, res.Status, "%v", res.Error)
	assert.EqualValues(t, 38, res.doc(t)["age"])

	res = call(t, ts, http.MethodPatch, path, map[string]any{"id": "other"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)

	res = call(t, ts, http.MethodPatch, path, map[string]any{"$set": map[string]any{"a": 1}, "b": 2})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)

	res = call(t, ts, http.MethodPatch, path, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)

	res = call(t, ts, http.MethodPatch, "/collections/users/items/missing", map[string]any{"age": 1})
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "missing", res.Error.ID())
}

func TestDeleteItem(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())
	id := create(t, ts, "users", map[string]any{"name": "Ada"})["id"].(string)

	res := call(t, ts, http.MethodDelete, "/collections/users/items/"+id, nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.EqualValues(t, 1, res.doc(t)["removed"])

	res = call(t, ts, http.MethodDelete, "/collections/users/items/"+id, nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestListCollections(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())
	create(t, ts, "b", map[string]any{"x": 1})
	create(t, ts, "a", map[string]any{"x": 1})
	call(t, ts, http.MethodPut, "/schemas/a", map[string]any{"type": "object"})

	var names []string
	call(t, ts, http.MethodGet, "/collections", nil).decode(t, &names)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestSchemas(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())
	s := map[string]any{
		"type":                 "object",
		"required":             []any{"name"},
		"additionalProperties": false,
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer", "minimum": 0},
		},
	}

	res := call(t, ts, http.MethodPut, "/schemas/users", s)
	require.Equal(t, http.StatusOK, res.Status, "%v", res.Error)

	res = call(t, ts, http.MethodGet, "/schemas/users", nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "object", res.doc(t)["type"])

	var all map[string]map[string]any
	call(t, ts, http.MethodGet, "/schemas", nil).decode(t, &all)
	assert.Equal(t, []string{"users"}, mapKeys(all))

	res = call(t, ts, http.MethodPost, "/collections/users/items", map[string]any{"age": -1})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	require.NotNil(t, res.Error)
	var paths []string
	for _, f := range res.Error.Failures() {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"name", "age"}, paths)

	id := create(t, ts, "users", map[string]any{"name": "Ada", "age": 36})["id"].(string)

	res = call(t, ts, http.MethodPatch, "/collections/users/items/"+id, map[string]any{"age": 37})
	assert.Equal(t, http.StatusOK, res.Status, "stamped fields are not validated")

	res = call(t, ts, http.MethodPatch, "/collections/users/items/"+id, map[string]any{"name": 5})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)

	res = call(t, ts, http.MethodPut, "/schemas/users", "null")
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, schema.Entity, res.Error.Entity())

	res = call(t, ts, http.MethodDelete, "/schemas/users", nil)
	assert.Equal(t, http.StatusOK, res.Status)

	res = call(t, ts, http.MethodGet, "/schemas/users", nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, schema.Entity, res.Error.Entity())

	res = call(t, ts, http.MethodDelete, "/schemas/users", nil)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func mapKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestForbidden(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend(), handler.WithReadOnly("audit"))

	res := call(t, ts, http.MethodPost, "/collections/audit/items", map[string]any{"x": 1})
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, "audit", res.Error.Entity())

	res = call(t, ts, http.MethodGet, "/collections/audit/items", nil)
	assert.Equal(t, http.StatusOK, res.Status)

	res = call(t, ts, http.MethodPut, "/schemas/audit", map[string]any{"type": "object"})
	assert.Equal(t, http.StatusForbidden, res.Status)

	res = call(t, ts, http.MethodGet, "/collections/_schemas/items", nil)
	assert.Equal(t, http.StatusForbidden, res.Status)
}

func TestDuplicate(t *testing.T) {
	b := store.NewMemoryBackend()
	indexes := map[string][]store.IndexSpec{
		"users": {{
			Fields:  store.IndexFields{query.Asc("email")},
			Options: store.IndexOptions{Name: "email_1", Unique: true},
		}},
	}
	c, err := b.Collection(context.Background(), "users", store.WithIndexes(indexes["users"]...))
	require.NoError(t, err)
	_, err = c.EnsureIndexes(context.Background())
	require.NoError(t, err)

	ts := setup(t, b, handler.WithIndexes(indexes))
	create(t, ts, "users", map[string]any{"email": "ada@example.com"})

	res := call(t, ts, http.MethodPost, "/collections/users/items", map[string]any{"email": "ada@example.com"})
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, apperr.CodeAlreadyExists, res.Error.Code())
	assert.Equal(t, "users", res.Error.Entity())
}

func TestAggregate(t *testing.T) {
	t.Run("not supported", func(t *testing.T) {
		ts := setup(t, store.NewMemoryBackend())
		res := call(t, ts, http.MethodPost, "/collections/people/aggregate", []any{})
		assert.Equal(t, http.StatusNotImplemented, res.Status)
		assert.Equal(t, apperr.CodeNotSupported, res.Error.Code())
	})

	t.Run("sqlite", func(t *testing.T) {
		b, err := store.NewSQLiteBackend(context.Background(), filepath.Join(t.TempDir(), "docmodel.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		ts := setup(t, b)

		for _, p := range []map[string]any{
			{"name": "Ada", "group": 1},
			{"name": "Bob", "group": 2},
			{"name": "Cy", "group": 1},
		} {
			create(t, ts, "people", p)
		}
		pipeline := []any{
			map[string]any{"$group": map[string]any{"_id": "$group", "n": map[string]any{"$sum": 1}}},
			map[string]any{"$sort": map[string]any{"_id": 1}},
		}
		res := call(t, ts, http.MethodPost, "/collections/people/aggregate", pipeline)
		require.Equal(t, http.StatusOK, res.Status, "%v", res.Error)

		var docs []map[string]any
		res.decode(t, &docs)
		require.Len(t, docs, 2)
		assert.EqualValues(t, 1, docs[0]["_id"])
		assert.EqualValues(t, 2, docs[0]["n"])
	})
}

func TestDebugMetadata(t *testing.T) {
	ts := setup(t, store.NewMemoryBackend())
	create(t, ts, "users", map[string]any{"name": "Ada"})

	res := call(t, ts, http.MethodGet, "/collections/users/items?limit=5", nil)
	assert.Empty(t, res.Metadata.Debug)

	res = call(t, ts, http.MethodGet, "/collections/users/items?limit=5&debug=1", nil)
	require.Equal(t, http.StatusOK, res.Status, "%v", res.Error)
	require.NotEmpty(t, res.Metadata.Debug)
	last := res.Metadata.Debug[len(res.Metadata.Debug)-1]
	assert.Equal(t, store.TimerType, last["type"])
	assert.Equal(t, "find", last["name"])
	assert.Contains(t, last["message"], "limit(5)")
}
