package store

import (
	"context"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/query"
)

// engineAccess hands an engine to fn under the right lock. write persists
// the engine afterwards when fn succeeds.
type engineAccess interface {
	read(ctx context.Context, fn func(*engine) error) error
	write(ctx context.Context, fn func(*engine) error) error
}

// localCollection implements Collection over an engine. The memory and file
// backends differ only in how they reach the engine.
type localCollection struct {
	base
	access engineAccess
}

func (c *localCollection) InsertOne(ctx context.Context, doc Document) (Document, error) {
	t := c.start(ctx, "insertOne", doc)
	stored, id, err := prepareInsert(doc)
	if err != nil {
		return nil, c.finish(t, err, nil)
	}
	err = c.access.write(ctx, func(e *engine) error {
		e.purge()
		return e.insert(stored)
	})
	if err != nil {
		return nil, c.finish(t, err, id)
	}
	return stored, c.finish(t, nil, nil)
}

func (c *localCollection) FindOne(ctx context.Context, filter Filter, opts *FindOneOptions) (Document, error) {
	o := findOneOpts(opts)
	t := c.start(ctx, "findOne", filter, o.Fields)
	var docs []Document
	err := c.access.read(ctx, func(e *engine) error {
		var err error
		docs, err = e.find(findSpec{Filter: filter, Fields: o.Fields, Sort: o.Sort, Limit: 1})
		return err
	})
	if err := c.finish(t, err, nil); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (c *localCollection) FindOneByID(ctx context.Context, id any, opts *FindOneOptions) (Document, error) {
	return c.FindOne(ctx, idFilter(id), opts)
}

func (c *localCollection) Find(ctx context.Context, filter Filter, fields ...string) *Query {
	return newQuery(ctx, &c.base, localExecutor{c.access}, filter, fields)
}

type localExecutor struct {
	access engineAccess
}

func (x localExecutor) count(ctx context.Context, filter Filter) (int64, error) {
	var n int64
	err := x.access.read(ctx, func(e *engine) error {
		var err error
		n, err = e.count(filter, 0, 0)
		return err
	})
	return n, err
}

func (x localExecutor) fetch(ctx context.Context, spec findSpec) ([]Document, error) {
	var docs []Document
	err := x.access.read(ctx, func(e *engine) error {
		var err error
		docs, err = e.find(spec)
		return err
	})
	return docs, err
}

func (c *localCollection) FindOneAndUpdate(ctx context.Context, filter Filter, update Update, opts *FindOneAndUpdateOptions) (Document, error) {
	o := fouOpts(opts)
	t := c.start(ctx, "findOneAndUpdate", filter, update)
	var before, after Document
	var n int64
	err := c.access.write(ctx, func(e *engine) error {
		e.purge()
		var err error
		n, before, after, err = e.update(filter, update, o.Sort, false)
		return err
	})
	if err := c.finish(t, err, nil); err != nil || n == 0 {
		return nil, err
	}
	if o.ReturnOriginal {
		return query.Project(before, o.Fields), nil
	}
	return query.Project(after, o.Fields), nil
}

func (c *localCollection) Update(ctx context.Context, filter Filter, update Update, opts *UpdateOptions) (int64, error) {
	o := updateOpts(opts)
	t := c.start(ctx, "update", filter, update)
	var n int64
	err := c.access.write(ctx, func(e *engine) error {
		e.purge()
		var err error
		n, _, _, err = e.update(filter, update, nil, o.Multi)
		return err
	})
	if err := c.finish(t, err, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *localCollection) Remove(ctx context.Context, filter Filter, opts *RemoveOptions) (int64, error) {
	o := removeOpts(opts)
	op := "remove"
	if o.Single {
		op = "removeOne"
	}
	t := c.start(ctx, op, filter)
	var n int64
	err := c.access.write(ctx, func(e *engine) error {
		e.purge()
		var err error
		n, err = e.remove(filter, o.Single)
		return err
	})
	if err := c.finish(t, err, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *localCollection) RemoveOne(ctx context.Context, filter Filter, opts *RemoveOptions) (int64, error) {
	o := removeOpts(opts)
	o.Single = true
	return c.Remove(ctx, filter, &o)
}

func (c *localCollection) Count(ctx context.Context, filter Filter, opts *CountOptions) (int64, error) {
	o := countOpts(opts)
	t := c.start(ctx, "count", filter)
	var n int64
	err := c.access.read(ctx, func(e *engine) error {
		var err error
		n, err = e.count(filter, o.Skip, o.Limit)
		return err
	})
	if err := c.finish(t, err, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *localCollection) Aggregate(ctx context.Context, pipeline Pipeline, _ *AggregateOptions) (Cursor, error) {
	t := c.start(ctx, "aggregate", pipeline)
	return nil, c.finish(t, apperr.NotSupported("aggregate"), nil)
}

func (c *localCollection) EnsureIndexes(ctx context.Context) ([]IndexSpec, error) {
	t := c.start(ctx, "ensureIndexes", c.indexes)
	created, err := ensureIndexes(ctx, localIndexes{c.access}, c.indexes, c.logger)
	if err := c.finish(t, err, nil); err != nil {
		return nil, err
	}
	return created, nil
}

type localIndexes struct {
	access engineAccess
}

func (x localIndexes) indexExists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := x.access.read(ctx, func(e *engine) error {
		ok = e.indexExists(name)
		return nil
	})
	return ok, err
}

func (x localIndexes) createIndex(ctx context.Context, spec IndexSpec) error {
	return x.access.write(ctx, func(e *engine) error {
		return e.createIndex(spec)
	})
}
