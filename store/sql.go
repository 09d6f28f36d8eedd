package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/stevemurr/docmodel/query"
)

// SQLBackend keeps one table per collection in a SQL database. The *sql.DB
// is shared by every collection and never reconfigured after open.
type SQLBackend struct {
	db       *sql.DB
	d        dialect
	defaults collectionConfig
}

func newSQLBackend(ctx context.Context, db *sql.DB, d dialect, opts []CollectionOption) (*SQLBackend, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", d.name(), err)
	}
	b := &SQLBackend{db: db, d: d}
	for _, opt := range opts {
		opt(&b.defaults)
	}
	return b, nil
}

func (b *SQLBackend) Name() string { return b.d.name() }

// DB exposes the shared handle, mainly for health checks.
func (b *SQLBackend) DB() *sql.DB { return b.db }

func (b *SQLBackend) Collection(ctx context.Context, name string, opts ...CollectionOption) (Collection, error) {
	bs, err := newBase(b.Name(), name, b.defaults, opts)
	if err != nil {
		return nil, err
	}
	if _, err := b.db.ExecContext(ctx, b.d.createTable(name)); err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}
	bs.logger.Debug("collection opened")
	return &sqlCollection{base: bs, db: b.db, d: b.d, table: quoteIdent(name)}, nil
}

func (b *SQLBackend) Collections(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, b.d.listTables())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// sqlCollection is the adapter for the networked document database
// (postgres) and its local sqlite twin.
type sqlCollection struct {
	base
	db    *sql.DB
	d     dialect
	table string
}

func (c *sqlCollection) InsertOne(ctx context.Context, doc Document) (Document, error) {
	t := c.start(ctx, "insertOne", doc)
	stored, id, err := prepareInsert(doc)
	if err != nil {
		return nil, c.finish(t, err, nil)
	}
	data, err := encodeDoc(stored)
	if err != nil {
		return nil, c.finish(t, err, nil)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, data) VALUES (%s, %s)",
		c.table, c.d.placeholder(1), c.d.docParam(c.d.placeholder(2)))
	if _, err := c.db.ExecContext(ctx, stmt, query.KeyOf(id), string(data)); err != nil {
		return nil, c.finish(t, err, id)
	}
	return stored, c.finish(t, nil, nil)
}

// selectSQL builds "SELECT <cols> FROM table WHERE ... ORDER BY ... LIMIT".
func (c *sqlCollection) selectSQL(cols string, spec findSpec) (string, []any, error) {
	f := newSQLFilter(c.d)
	where, err := f.where(spec.Filter)
	if err != nil {
		return "", nil, err
	}
	order, err := orderBy(c.d, spec.Sort)
	if err != nil {
		return "", nil, err
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s%s", cols, c.table, where, order, window(c.d, spec.Limit, spec.Skip))
	return stmt, f.args, nil
}

func (c *sqlCollection) fetch(ctx context.Context, spec findSpec) ([]Document, error) {
	stmt, args, err := c.selectSQL(c.d.dataColumn(), spec)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := []Document{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := decodeDoc([]byte(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, query.Project(doc, spec.Fields))
	}
	return docs, rows.Err()
}

func (c *sqlCollection) count(ctx context.Context, filter Filter) (int64, error) {
	return c.countWindow(ctx, filter, 0, 0)
}

func (c *sqlCollection) countWindow(ctx context.Context, filter Filter, skip, limit int64) (int64, error) {
	var stmt string
	var args []any
	if skip > 0 || limit > 0 {
		inner, a, err := c.selectSQL("1", findSpec{Filter: filter, Skip: skip, Limit: limit})
		if err != nil {
			return 0, err
		}
		stmt, args = "SELECT COUNT(*) FROM ("+inner+") windowed", a
	} else {
		f := newSQLFilter(c.d)
		where, err := f.where(filter)
		if err != nil {
			return 0, err
		}
		stmt, args = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", c.table, where), f.args
	}
	var n int64
	err := c.db.QueryRowContext(ctx, stmt, args...).Scan(&n)
	return n, err
}

func (c *sqlCollection) FindOne(ctx context.Context, filter Filter, opts *FindOneOptions) (Document, error) {
	o := findOneOpts(opts)
	t := c.start(ctx, "findOne", filter, o.Fields)
	docs, err := c.fetch(ctx, findSpec{Filter: filter, Fields: o.Fields, Sort: o.Sort, Limit: 1})
	if err := c.finish(t, err, nil); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (c *sqlCollection) FindOneByID(ctx context.Context, id any, opts *FindOneOptions) (Document, error) {
	return c.FindOne(ctx, idFilter(id), opts)
}

func (c *sqlCollection) Find(ctx context.Context, filter Filter, fields ...string) *Query {
	return newQuery(ctx, &c.base, c, filter, fields)
}

// update reads the targets under a row lock, applies the update in Go and
// writes the results back in one transaction.
func (c *sqlCollection) update(ctx context.Context, filter Filter, upd Update, s query.Sort, multi bool) (int64, Document, Document, error) {
	spec := findSpec{Filter: filter, Sort: s}
	if !multi {
		spec.Limit = 1
	}
	stmt, args, err := c.selectSQL("seq, "+c.d.dataColumn(), spec)
	if err != nil {
		return 0, nil, nil, err
	}
	stmt += c.d.forUpdate()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	defer tx.Rollback()

	type target struct {
		seq int64
		doc Document
	}
	var targets []target
	rows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, nil, nil, err
	}
	for rows.Next() {
		var tg target
		var raw string
		if err := rows.Scan(&tg.seq, &raw); err != nil {
			rows.Close()
			return 0, nil, nil, err
		}
		if tg.doc, err = decodeDoc([]byte(raw)); err != nil {
			rows.Close()
			return 0, nil, nil, err
		}
		targets = append(targets, tg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, nil, err
	}
	if len(targets) == 0 {
		return 0, nil, nil, nil
	}

	write := fmt.Sprintf("UPDATE %s SET data = %s WHERE seq = %s",
		c.table, c.d.docParam(c.d.placeholder(1)), c.d.placeholder(2))
	var first Document
	for i, tg := range targets {
		out, err := query.ApplyUpdate(tg.doc, upd)
		if err != nil {
			return 0, nil, nil, err
		}
		data, err := encodeDoc(out)
		if err != nil {
			return 0, nil, nil, err
		}
		if _, err := tx.ExecContext(ctx, write, string(data), tg.seq); err != nil {
			return 0, nil, nil, normalize(err, tg.doc["_id"])
		}
		if i == 0 {
			first = out
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, nil, err
	}
	return int64(len(targets)), targets[0].doc, first, nil
}

func (c *sqlCollection) FindOneAndUpdate(ctx context.Context, filter Filter, update Update, opts *FindOneAndUpdateOptions) (Document, error) {
	o := fouOpts(opts)
	t := c.start(ctx, "findOneAndUpdate", filter, update)
	n, before, after, err := c.update(ctx, filter, update, o.Sort, false)
	if err := c.finish(t, err, nil); err != nil || n == 0 {
		return nil, err
	}
	if o.ReturnOriginal {
		return query.Project(before, o.Fields), nil
	}
	return query.Project(after, o.Fields), nil
}

func (c *sqlCollection) Update(ctx context.Context, filter Filter, update Update, opts *UpdateOptions) (int64, error) {
	o := updateOpts(opts)
	t := c.start(ctx, "update", filter, update)
	n, _, _, err := c.update(ctx, filter, update, nil, o.Multi)
	if err := c.finish(t, err, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *sqlCollection) Remove(ctx context.Context, filter Filter, opts *RemoveOptions) (int64, error) {
	o := removeOpts(opts)
	op := "remove"
	if o.Single {
		op = "removeOne"
	}
	t := c.start(ctx, op, filter)
	n, err := c.remove(ctx, filter, o.Single)
	if err := c.finish(t, err, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *sqlCollection) remove(ctx context.Context, filter Filter, single bool) (int64, error) {
	var stmt string
	var args []any
	if single {
		inner, a, err := c.selectSQL("seq", findSpec{Filter: filter, Limit: 1})
		if err != nil {
			return 0, err
		}
		stmt, args = fmt.Sprintf("DELETE FROM %s WHERE seq IN (%s)", c.table, inner), a
	} else {
		f := newSQLFilter(c.d)
		where, err := f.where(filter)
		if err != nil {
			return 0, err
		}
		stmt, args = fmt.Sprintf("DELETE FROM %s WHERE %s", c.table, where), f.args
	}
	res, err := c.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqlCollection) RemoveOne(ctx context.Context, filter Filter, opts *RemoveOptions) (int64, error) {
	o := removeOpts(opts)
	o.Single = true
	return c.Remove(ctx, filter, &o)
}

func (c *sqlCollection) Count(ctx context.Context, filter Filter, opts *CountOptions) (int64, error) {
	o := countOpts(opts)
	t := c.start(ctx, "count", filter)
	n, err := c.countWindow(ctx, filter, o.Skip, o.Limit)
	if err := c.finish(t, err, nil); err != nil {
		return 0, err
	}
	return n, nil
}

// Aggregate pushes the leading $match stages into SQL and evaluates the
// remaining stages in Go while rows stream in.
func (c *sqlCollection) Aggregate(ctx context.Context, pipeline Pipeline, opts *AggregateOptions) (Cursor, error) {
	args := []any{pipeline}
	if opts != nil && opts.Comment != "" {
		args = append(args, opts.Comment)
	}
	t := c.start(ctx, "aggregate", args...)

	filter, rest, err := query.SplitLeadingMatch(pipeline)
	if err != nil {
		return nil, c.finish(t, err, nil)
	}
	stmt, params, err := c.selectSQL(c.d.dataColumn(), findSpec{Filter: filter})
	if err != nil {
		return nil, c.finish(t, err, nil)
	}

	var rows *sql.Rows
	src := query.IteratorFunc(func() (Document, error) {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		return decodeDoc([]byte(raw))
	})
	// stages are validated before the database is touched
	it, err := query.Pipeline(src, rest)
	if err != nil {
		return nil, c.finish(t, err, nil)
	}
	rows, err = c.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, c.finish(t, err, nil)
	}
	return newCursor(&c.base, t, it, rows.Close), nil
}

func (c *sqlCollection) EnsureIndexes(ctx context.Context) ([]IndexSpec, error) {
	t := c.start(ctx, "ensureIndexes", c.indexes)
	created, err := ensureIndexes(ctx, c, c.indexes, c.logger)
	if err := c.finish(t, err, nil); err != nil {
		return nil, err
	}
	return created, nil
}

// indexName scopes an index to its table; SQL index names are global.
func (c *sqlCollection) indexName(name string) string {
	return c.name + "_" + name
}

func (c *sqlCollection) indexExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, c.d.indexExists(), c.indexName(name)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return n > 0, err
}

// createIndex builds an expression index over the JSON fields. Sparse
// indexes become partial indexes. TTL is not enforced by SQL backends.
func (c *sqlCollection) createIndex(ctx context.Context, spec IndexSpec) error {
	if spec.Options.ExpireAfterSeconds > 0 {
		c.logger.Warn("expireAfterSeconds is ignored by SQL backends", zap.String("index", spec.Options.Name))
	}
	cols := make([]string, 0, len(spec.Fields))
	present := make([]string, 0, len(spec.Fields))
	for _, k := range spec.Fields {
		path, err := splitPath(k.Field)
		if err != nil {
			return err
		}
		dir := "ASC"
		if k.Order < 0 {
			dir = "DESC"
		}
		cols = append(cols, "("+c.d.field(path)+") "+dir)
		present = append(present, "NOT "+c.d.missing(path))
	}
	unique := ""
	if spec.Options.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quoteIdent(c.indexName(spec.Options.Name)), c.table, strings.Join(cols, ", "))
	if spec.Options.Sparse {
		stmt += " WHERE " + strings.Join(present, " OR ")
	}
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}
