// Package store defines the collection contract and its backends.
package store

import (
	"context"

	"github.com/stevemurr/docmodel/query"
)

type (
	Document = query.Document
	Filter   = query.Filter
	Update   = query.Update
	Pipeline = []query.Stage
)

// Collection is the uniform CRUD contract. Every backend implements it with
// identical inputs, outputs and error codes.
//
// Documents must carry a caller-assigned "id", which is copied into the
// native key "_id" on insert and never changes afterwards.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// InsertOne stores doc and returns the stored copy. A duplicate
	// identifier fails with apperr.CodeAlreadyExists.
	InsertOne(ctx context.Context, doc Document) (Document, error)

	// FindOne returns the first match, or nil when nothing matches.
	FindOne(ctx context.Context, filter Filter, opts *FindOneOptions) (Document, error)

	// FindOneByID is FindOne with {"_id": id}.
	FindOneByID(ctx context.Context, id any, opts *FindOneOptions) (Document, error)

	// Find returns a deferred query. Nothing runs until Query.Exec.
	Find(ctx context.Context, filter Filter, fields ...string) *Query

	// FindOneAndUpdate updates the first match and returns the updated
	// document, or the original one with ReturnOriginal. Nil when nothing
	// matches.
	FindOneAndUpdate(ctx context.Context, filter Filter, update Update, opts *FindOneAndUpdateOptions) (Document, error)

	// Update modifies one match, or all of them with Multi, and returns the
	// number of documents updated.
	Update(ctx context.Context, filter Filter, update Update, opts *UpdateOptions) (int64, error)

	// Remove deletes every match, or the first one with Single.
	Remove(ctx context.Context, filter Filter, opts *RemoveOptions) (int64, error)

	// RemoveOne deletes at most one match.
	RemoveOne(ctx context.Context, filter Filter, opts *RemoveOptions) (int64, error)

	Count(ctx context.Context, filter Filter, opts *CountOptions) (int64, error)

	// Aggregate runs a pipeline lazily. Backends without aggregation fail
	// with apperr.CodeNotSupported.
	Aggregate(ctx context.Context, pipeline Pipeline, opts *AggregateOptions) (Cursor, error)

	// EnsureIndexes creates the declared indexes that do not exist yet and
	// returns them.
	EnsureIndexes(ctx context.Context) ([]IndexSpec, error)
}

// Backend opens collections against one storage engine.
type Backend interface {
	// Name is the backend kind: memory, file, sqlite or postgres.
	Name() string

	// Collection returns an adapter for name, creating storage if needed.
	Collection(ctx context.Context, name string, opts ...CollectionOption) (Collection, error)

	// Collections lists the collections that hold storage, sorted. Names
	// starting with '_' are reserved and left out.
	Collections(ctx context.Context) ([]string, error)

	Close() error
}

type FindOneOptions struct {
	Fields []string
	Sort   query.Sort
}

type FindOneAndUpdateOptions struct {
	Sort           query.Sort
	Fields         []string
	ReturnOriginal bool
}

type UpdateOptions struct {
	Multi bool
}

type RemoveOptions struct {
	Single bool
}

type CountOptions struct {
	Limit int64
	Skip  int64
}

type AggregateOptions struct {
	// Comment is added to the operation description.
	Comment string
}
