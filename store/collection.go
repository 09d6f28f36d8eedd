package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/instrument"
	"github.com/stevemurr/docmodel/query"
)

// TimerType tags the records of every collection operation.
const TimerType = "storage"

// CollectionOption configures one collection adapter.
type CollectionOption func(*collectionConfig)

type collectionConfig struct {
	indexes []IndexSpec
	sink    instrument.Sink
	logger  *zap.Logger
}

// WithIndexes declares the indexes EnsureIndexes maintains.
func WithIndexes(specs ...IndexSpec) CollectionOption {
	return func(c *collectionConfig) { c.indexes = append(c.indexes, specs...) }
}

// WithSink adds a sink for the collection's timer records.
func WithSink(sink instrument.Sink) CollectionOption {
	return func(c *collectionConfig) { c.sink = instrument.Multi(c.sink, sink) }
}

func WithLogger(logger *zap.Logger) CollectionOption {
	return func(c *collectionConfig) { c.logger = logger }
}

// base holds what every adapter shares: identity, declared indexes and
// instrumentation.
type base struct {
	backend string
	name    string
	indexes []IndexSpec
	sink    instrument.Sink
	logger  *zap.Logger
}

func newBase(backend, name string, defaults collectionConfig, opts []CollectionOption) (base, error) {
	if name == "" {
		return base{}, apperr.InvalidData(apperr.Failure{Message: "collection name is required", Path: "name", Type: "required"})
	}
	cfg := defaults
	cfg.indexes = append([]IndexSpec(nil), defaults.indexes...)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return base{
		backend: backend,
		name:    name,
		indexes: cfg.indexes,
		sink:    cfg.sink,
		logger:  cfg.logger.With(zap.String("backend", backend), zap.String("collection", name)),
	}, nil
}

func (b *base) Name() string { return b.name }

// start opens a storage timer reporting to the collection sink and to any
// sink attached to ctx.
func (b *base) start(ctx context.Context, op string, args ...any) *instrument.Timer {
	t := instrument.Start(TimerType, op).OnStop(instrument.Multi(b.sink, instrument.SinkFromContext(ctx)))
	t.SetMessage(b.describe(op, args...))
	return t
}

// finish normalizes err and finalizes t with it.
func (b *base) finish(t *instrument.Timer, err error, id any) error {
	err = normalize(err, id)
	if err != nil {
		t.Error(err)
		return err
	}
	t.Stop()
	return nil
}

// describe renders "<backend>: db.<coll>.<op>(<args>)".
func (b *base) describe(op string, args ...any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, render(a))
	}
	return fmt.Sprintf("%s: db.%s.%s(%s)", b.backend, b.name, op, strings.Join(parts, ", "))
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return "{}"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := jsonMarshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// prepareInsert copies the caller's id into the native key.
func prepareInsert(doc Document) (Document, any, error) {
	id, ok := doc["id"]
	if !ok || id == nil || id == "" {
		return nil, nil, apperr.InvalidData(apperr.Failure{Message: "id is required", Path: "id", Type: "required"})
	}
	out := query.Clone(doc)
	out["_id"] = out["id"]
	return out, id, nil
}

// idFilter is the filter FindOneByID uses.
func idFilter(id any) Filter {
	return Filter{"_id": id}
}

// plainID reports whether filter is exactly {"_id": scalar} and returns the
// scalar's key.
func plainID(filter Filter) (string, bool) {
	if len(filter) != 1 {
		return "", false
	}
	id, ok := filter["_id"]
	if !ok {
		return "", false
	}
	switch id.(type) {
	case map[string]any, []any, nil:
		return "", false
	}
	return query.KeyOf(id), true
}

func findOneOpts(o *FindOneOptions) FindOneOptions {
	if o == nil {
		return FindOneOptions{}
	}
	return *o
}

func updateOpts(o *UpdateOptions) UpdateOptions {
	if o == nil {
		return UpdateOptions{}
	}
	return *o
}

func removeOpts(o *RemoveOptions) RemoveOptions {
	if o == nil {
		return RemoveOptions{}
	}
	return *o
}

func countOpts(o *CountOptions) CountOptions {
	if o == nil {
		return CountOptions{}
	}
	return *o
}

func fouOpts(o *FindOneAndUpdateOptions) FindOneAndUpdateOptions {
	if o == nil {
		return FindOneAndUpdateOptions{}
	}
	return *o
}
