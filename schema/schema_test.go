package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/schema"
	"github.com/stevemurr/docmodel/store"
)

func failures(t *testing.T, err error) []apperr.Failure {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, apperr.CodeInvalidData, apperr.CodeOf(err))
	return apperr.Ensure(err).Failures()
}

func TestValidateNilSchema(t *testing.T) {
	assert.NoError(t, schema.Validate(nil, map[string]any{"anything": "goes"}))
}

func TestValidate(t *testing.T) {
	s := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name":  map[string]any{"type": "string", "minLength": float64(2), "maxLength": float64(5)},
			"score": map[string]any{"type": "number", "minimum": float64(0), "maximum": float64(100)},
			"count": map[string]any{"type": "integer"},
			"role":  map[string]any{"type": "string", "enum": []any{"admin", "user"}},
			"code":  map[string]any{"type": "string", "pattern": "^[A-Z]{3}$"},
			"tags": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": float64(1),
				"maxItems": float64(3),
			},
			"address": map[string]any{
				"type":       "object",
				"required":   []any{"city"},
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
			},
			"note": map[string]any{"type": []any{"string", "null"}},
		},
	}

	cases := []struct {
		name string
		doc  map[string]any
		path string
		typ  string
	}{
		{"valid", map[string]any{"name": "Bob", "score": float64(50), "count": float64(5), "role": "admin", "code": "ABC", "tags": []any{"go"}, "address": map[string]any{"city": "NY"}, "note": nil}, "", ""},
		{"missing required", map[string]any{}, "name", schema.FailureRequired},
		{"wrong type", map[string]any{"name": float64(123)}, "name", schema.FailureType},
		{"too short", map[string]any{"name": "A"}, "name", schema.FailureLength},
		{"too long", map[string]any{"name": "ABCDEF"}, "name", schema.FailureLength},
		{"below minimum", map[string]any{"name": "Bob", "score": float64(-1)}, "score", schema.FailureRange},
		{"above maximum", map[string]any{"name": "Bob", "score": float64(101)}, "score", schema.FailureRange},
		{"fractional integer", map[string]any{"name": "Bob", "count": 5.5}, "count", schema.FailureType},
		{"go int is integer", map[string]any{"name": "Bob", "count": 7}, "", ""},
		{"enum", map[string]any{"name": "Bob", "role": "root"}, "role", schema.FailureEnum},
		{"pattern", map[string]any{"name": "Bob", "code": "abc"}, "code", schema.FailurePattern},
		{"empty array", map[string]any{"name": "Bob", "tags": []any{}}, "tags", schema.FailureLength},
		{"too many items", map[string]any{"name": "Bob", "tags": []any{"a", "b", "c", "d"}}, "tags", schema.FailureLength},
		{"item type", map[string]any{"name": "Bob", "tags": []any{"a", float64(1)}}, "tags[1]", schema.FailureType},
		{"nested required", map[string]any{"name": "Bob", "address": map[string]any{}}, "address.city", schema.FailureRequired},
		{"type list", map[string]any{"name": "Bob", "note": float64(1)}, "note", schema.FailureType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(s, tc.doc)
			if tc.path == "" {
				assert.NoError(t, err)
				return
			}
			fs := failures(t, err)
			require.Len(t, fs, 1)
			assert.Equal(t, tc.path, fs[0].Path)
			assert.Equal(t, tc.typ, fs[0].Type)
		})
	}
}

func TestValidateCollectsEveryFailure(t *testing.T) {
	s := map[string]any{
		"type":     "object",
		"required": []any{"a", "b"},
		"properties": map[string]any{
			"c": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	}
	fs := failures(t, schema.Validate(s, map[string]any{"c": true, "d": 1}))
	require.Len(t, fs, 4)
	assert.Equal(t, "a", fs[0].Path)
	assert.Equal(t, "b", fs[1].Path)
	assert.Equal(t, "c", fs[2].Path)
	assert.Equal(t, "$", fs[3].Path)
	assert.Equal(t, schema.FailureAdditional, fs[3].Type)
	assert.Contains(t, fs[3].Message, "d")
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	b := store.NewMemoryBackend()
	reg, err := schema.NewRegistry(ctx, b)
	require.NoError(t, err)

	got, err := reg.Get(ctx, "users")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, reg.Check(ctx, "users", map[string]any{"anything": 1}))

	users := map[string]any{
		"type":       "object",
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
		"required":   []any{"name"},
	}
	require.NoError(t, reg.Put(ctx, "users", users))
	require.NoError(t, reg.Put(ctx, "users", users), "put replaces")

	got, err = reg.Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, "object", got["type"])

	err = reg.Check(ctx, "users", map[string]any{})
	assert.Equal(t, apperr.CodeInvalidData, apperr.CodeOf(err))

	// a second registry reads the stored schema
	other, err := schema.NewRegistry(ctx, b)
	require.NoError(t, err)
	got, err = other.Get(ctx, "users")
	require.NoError(t, err)
	assert.NotNil(t, got)

	existed, err := reg.Delete(ctx, "users")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = reg.Delete(ctx, "users")
	require.NoError(t, err)
	assert.False(t, existed)

	names, err := b.Collections(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, schema.Collection)

	err = reg.Put(ctx, "users", nil)
	assert.Equal(t, apperr.CodeInvalidData, apperr.CodeOf(err))
	assert.Equal(t, schema.Entity, apperr.EntityOf(err))
}
