package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/query"
)

func TestEngineTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := newEngine()
	e.now = func() time.Time { return now }
	require.NoError(t, e.createIndex(IndexSpec{
		Fields:  IndexFields{{Field: "createdAt", Order: 1}},
		Options: IndexOptions{Name: "ttl", ExpireAfterSeconds: 60},
	}))

	require.NoError(t, e.insert(Document{"_id": "old", "createdAt": now.Add(-2 * time.Minute).Format(time.RFC3339Nano)}))
	require.NoError(t, e.insert(Document{"_id": "new", "createdAt": now.Format(time.RFC3339Nano)}))
	require.NoError(t, e.insert(Document{"_id": "none"}))

	docs, err := e.find(findSpec{})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	hit, err := e.matches(Filter{"_id": "old"})
	require.NoError(t, err)
	assert.Empty(t, hit)

	assert.Equal(t, 1, e.purge())
	assert.Len(t, e.docs, 2)
	assert.NotContains(t, e.byKey, "old")
}

func TestEngineUniqueIndex(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.insert(Document{"_id": "a", "email": "x@example.com"}))
	require.NoError(t, e.insert(Document{"_id": "b", "email": "x@example.com"}))

	err := e.createIndex(IndexSpec{
		Fields:  IndexFields{{Field: "email", Order: 1}},
		Options: IndexOptions{Name: "email", Unique: true},
	})
	var uv *uniqueViolation
	require.ErrorAs(t, err, &uv)
	assert.False(t, e.indexExists("email"), "failed index is rolled back")

	n, err := e.remove(Filter{"_id": "b"}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, e.createIndex(IndexSpec{
		Fields:  IndexFields{{Field: "email", Order: 1}},
		Options: IndexOptions{Name: "email", Unique: true},
	}))
}

func TestEngineSparseUnique(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.createIndex(IndexSpec{
		Fields:  IndexFields{{Field: "email", Order: 1}},
		Options: IndexOptions{Name: "email", Unique: true, Sparse: true},
	}))
	require.NoError(t, e.insert(Document{"_id": "a"}))
	require.NoError(t, e.insert(Document{"_id": "b"}))
	require.NoError(t, e.insert(Document{"_id": "c", "email": "c@example.com"}))

	err := e.insert(Document{"_id": "d", "email": "c@example.com"})
	require.True(t, isDuplicateKey(err))
	assert.Len(t, e.docs, 3)
}

func TestEngineKeysCollide(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.insert(Document{"_id": "1"}))
	err := e.insert(Document{"_id": float64(1)})
	require.True(t, isDuplicateKey(err))
}

func TestEngineUpdateAtomic(t *testing.T) {
	e := newEngine()
	require.NoError(t, e.createIndex(IndexSpec{
		Fields:  IndexFields{{Field: "slot", Order: 1}},
		Options: IndexOptions{Name: "slot", Unique: true},
	}))
	require.NoError(t, e.insert(Document{"_id": "a", "slot": float64(1)}))
	require.NoError(t, e.insert(Document{"_id": "b", "slot": float64(2)}))

	_, _, _, err := e.update(Filter{}, Update{"$set": map[string]any{"slot": float64(3)}}, nil, true)
	require.True(t, isDuplicateKey(err))

	docs, err := e.find(findSpec{Sort: query.Sort{query.Asc("slot")}})
	require.NoError(t, err)
	assert.Equal(t, float64(1), docs[0]["slot"])
	assert.Equal(t, float64(2), docs[1]["slot"])
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(&uniqueViolation{Index: "_id"}))
	assert.True(t, isDuplicateKey(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isDuplicateKey(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isDuplicateKey(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, isDuplicateKey(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}))
	assert.False(t, isDuplicateKey(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}))
	assert.False(t, isDuplicateKey(errors.New("boom")))
	assert.False(t, isDuplicateKey(nil))
}

func TestNormalize(t *testing.T) {
	assert.NoError(t, normalize(nil, "x"))

	err := normalize(&uniqueViolation{Index: "_id", ID: "u1"}, nil)
	assert.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))
	assert.Equal(t, "u1", apperr.Ensure(err).ID())

	err = normalize(query.ErrInvalidFilter, nil)
	assert.Equal(t, apperr.CodeInvalidData, apperr.CodeOf(err))

	boom := errors.New("boom")
	assert.Same(t, boom, normalize(boom, nil))
}

func TestLoadIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - fields: {lastName: 1, firstName: -1}
    options: {name: name_idx, unique: true}
  - fields:
      - field: createdAt
        order: 1
    options: {name: ttl_idx, expireAfterSeconds: 3600}
`), 0o644))

	specs, err := LoadIndexes(path)
	require.NoError(t, err)
	require.Len(t, specs["users"], 2)

	name := specs["users"][0]
	assert.Equal(t, []string{"lastName", "firstName"}, name.Fields.Names())
	assert.Equal(t, -1, name.Fields[1].Order)
	assert.True(t, name.Options.Unique)

	ttl := specs["users"][1]
	assert.Equal(t, "createdAt", ttl.Fields[0].Field)
	assert.Equal(t, 3600, ttl.Options.ExpireAfterSeconds)
}

func TestLoadIndexesInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  - fields: {a: 1}\n"), 0o644))
	_, err := LoadIndexes(path)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidData, apperr.CodeOf(err))
}

func TestSQLFilter(t *testing.T) {
	c := newSQLFilter(postgres{})
	where, err := c.where(Filter{"age": map[string]any{"$gte": 18}, "_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, `(id = $1 AND ((jsonb_typeof(data #> '{"age"}') = 'number') AND (data #> '{"age"}') >= $2::text::jsonb))`, where)
	assert.Equal(t, []any{"u1", "18"}, c.args)

	c = newSQLFilter(sqlite{})
	where, err = c.where(Filter{"tags": nil})
	require.NoError(t, err)
	assert.Equal(t, `((json_type(data, '$."tags"') IS NULL) OR (json_type(data, '$."tags"') IN ('null')))`, where)
	assert.Empty(t, c.args)

	_, err = newSQLFilter(sqlite{}).where(Filter{"$where": "1"})
	require.ErrorIs(t, err, query.ErrInvalidFilter)
}
