package store

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/stevemurr/docmodel/instrument"
	"github.com/stevemurr/docmodel/query"
)

// Cursor streams aggregation results.
type Cursor interface {
	// Next advances to the next document. It returns false when the
	// results are exhausted or an error occurred.
	Next(ctx context.Context) bool
	Document() Document
	Err() error
	Close() error
	// All drains the cursor and closes it.
	All(ctx context.Context) ([]Document, error)
}

// iterCursor adapts a query.Iterator. The operation timer is finalized when
// the results run out, fail, or the cursor is closed.
type iterCursor struct {
	it     query.Iterator
	closer func() error
	timer  *instrument.Timer
	b      *base

	mu     sync.Mutex
	cur    Document
	err    error
	closed bool
}

func newCursor(b *base, t *instrument.Timer, it query.Iterator, closer func() error) *iterCursor {
	return &iterCursor{b: b, timer: t, it: it, closer: closer}
}

func (c *iterCursor) Next(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.fail(err)
		return false
	}
	doc, err := c.it.Next()
	if errors.Is(err, io.EOF) {
		c.cur = nil
		c.timer.Stop()
		return false
	}
	if err != nil {
		c.fail(err)
		return false
	}
	c.cur = doc
	return true
}

func (c *iterCursor) fail(err error) {
	c.cur = nil
	c.err = c.b.finish(c.timer, err, nil)
}

func (c *iterCursor) Document() Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *iterCursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *iterCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.timer.Stop()
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

func (c *iterCursor) All(ctx context.Context) ([]Document, error) {
	defer c.Close()
	out := []Document{}
	for c.Next(ctx) {
		out = append(out, c.Document())
	}
	return out, c.Err()
}
