package schema

import (
	"context"
	"sync"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/store"
)

// Collection is the reserved collection holding one schema per collection,
// keyed by the collection name.
const Collection = "_schemas"

// Entity scopes schema registry errors.
const Entity = "schema"

// Registry stores collection schemas and validates documents against them.
// Schemas are cached after the first read.
type Registry struct {
	coll store.Collection

	mu    sync.RWMutex
	cache map[string]map[string]any
}

// NewRegistry opens the schema collection on b.
func NewRegistry(ctx context.Context, b store.Backend, opts ...store.CollectionOption) (*Registry, error) {
	coll, err := b.Collection(ctx, Collection, opts...)
	if err != nil {
		return nil, err
	}
	return &Registry{coll: coll, cache: map[string]map[string]any{}}, nil
}

// Get returns the schema of collection, or nil when none is set.
func (r *Registry) Get(ctx context.Context, collection string) (map[string]any, error) {
	r.mu.RLock()
	s, ok := r.cache[collection]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	doc, err := r.coll.FindOneByID(ctx, collection, nil)
	if err != nil {
		return nil, entity(err)
	}
	if doc != nil {
		s, _ = doc["schema"].(map[string]any)
	}

	r.mu.Lock()
	r.cache[collection] = s
	r.mu.Unlock()
	return s, nil
}

// Put sets or replaces the schema of collection.
func (r *Registry) Put(ctx context.Context, collection string, s map[string]any) error {
	if s == nil {
		return apperr.InvalidData(apperr.Failure{Message: "schema must be an object", Path: "schema", Type: FailureType}).WithEntity(Entity)
	}
	n, err := r.coll.Update(ctx, store.Filter{"_id": collection}, store.Update{"$set": map[string]any{"schema": s}}, nil)
	if err == nil && n == 0 {
		_, err = r.coll.InsertOne(ctx, store.Document{"id": collection, "schema": s})
	}
	if err != nil {
		return entity(err)
	}
	r.mu.Lock()
	r.cache[collection] = s
	r.mu.Unlock()
	return nil
}

// List returns every stored schema keyed by collection name.
func (r *Registry) List(ctx context.Context) (map[string]map[string]any, error) {
	res, err := r.coll.Find(ctx, nil).Exec(ctx)
	if err != nil {
		return nil, entity(err)
	}
	out := make(map[string]map[string]any, len(res.Docs))
	for _, doc := range res.Docs {
		name, _ := doc["_id"].(string)
		if s, ok := doc["schema"].(map[string]any); ok && name != "" {
			out[name] = s
		}
	}
	return out, nil
}

// Delete removes the schema of collection and reports whether one existed.
func (r *Registry) Delete(ctx context.Context, collection string) (bool, error) {
	n, err := r.coll.RemoveOne(ctx, store.Filter{"_id": collection}, nil)
	if err != nil {
		return false, entity(err)
	}
	r.mu.Lock()
	delete(r.cache, collection)
	r.mu.Unlock()
	return n > 0, nil
}

// Check validates doc against the schema of collection, if any.
func (r *Registry) Check(ctx context.Context, collection string, doc map[string]any) error {
	s, err := r.Get(ctx, collection)
	if err != nil {
		return err
	}
	return Validate(s, doc)
}

func entity(err error) error {
	return apperr.Ensure(err).WithEntity(Entity)
}
