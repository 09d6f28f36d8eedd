// Package handler exposes collections over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stevemurr/docmodel/apperr"
	"github.com/stevemurr/docmodel/instrument"
	"github.com/stevemurr/docmodel/query"
	"github.com/stevemurr/docmodel/schema"
	"github.com/stevemurr/docmodel/store"
)

// Handler holds the server dependencies and registers routes.
type Handler struct {
	backend  store.Backend
	schemas  *schema.Registry
	readOnly map[string]bool
	indexes  map[string][]store.IndexSpec
	logger   *zap.Logger
	mux      *http.ServeMux

	now   func() time.Time
	newID func() string
}

type Option func(*Handler)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithReadOnly rejects writes to the named collections.
func WithReadOnly(collections ...string) Option {
	return func(h *Handler) {
		for _, c := range collections {
			h.readOnly[c] = true
		}
	}
}

// WithIndexes declares the indexes collections are opened with.
func WithIndexes(indexes map[string][]store.IndexSpec) Option {
	return func(h *Handler) { h.indexes = indexes }
}

// New creates a Handler and wires up all routes.
func New(b store.Backend, schemas *schema.Registry, opts ...Option) *Handler {
	h := &Handler{
		backend:  b,
		schemas:  schemas,
		readOnly: map[string]bool{},
		logger:   zap.NewNop(),
		mux:      http.NewServeMux(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(h)
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler. With ?debug=1 the operation
// records of the request are returned in the response metadata.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if debug, _ := strconv.ParseBool(r.URL.Query().Get("debug")); debug {
		col := instrument.NewCollector()
		ctx := instrument.WithSink(r.Context(), col)
		r = r.WithContext(context.WithValue(ctx, collectorKey{}, col))
	}
	h.mux.ServeHTTP(w, r)
}

type collectorKey struct{}

func debugCollector(ctx context.Context) (*instrument.Collector, bool) {
	col, ok := ctx.Value(collectorKey{}).(*instrument.Collector)
	return col, ok
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /{$}", h.root)
	h.mux.HandleFunc("GET /health", h.health)

	h.mux.HandleFunc("GET /collections", h.listCollections)
	h.mux.HandleFunc("GET /collections/{collection}/items", h.findItems)
	h.mux.HandleFunc("POST /collections/{collection}/items", h.createItem)
	h.mux.HandleFunc("GET /collections/{collection}/items/{id}", h.getItem)
	h.mux.HandleFunc("PATCH /collections/{collection}/items/{id}", h.updateItem)
	h.mux.HandleFunc("DELETE /collections/{collection}/items/{id}", h.deleteItem)
	h.mux.HandleFunc("GET /collections/{collection}/count", h.countItems)
	h.mux.HandleFunc("POST /collections/{collection}/aggregate", h.aggregate)

	h.mux.HandleFunc("GET /schemas", h.listSchemas)
	h.mux.HandleFunc("GET /schemas/{collection}", h.getSchema)
	h.mux.HandleFunc("PUT /schemas/{collection}", h.putSchema)
	h.mux.HandleFunc("DELETE /schemas/{collection}", h.deleteSchema)
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "docmodel",
		"backend": h.backend.Name(),
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	names, err := h.backend.Collections(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	h.respond(w, r, http.StatusOK, names)
}

// ---------- items ----------

func (h *Handler) findItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.collection(ctx, r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := filterParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// A rejected option is kept by the query; Exec reports it and closes
	// the operation timer.
	q := c.Find(ctx, filter)
	_ = q.ApplyOptions(queryOptions(r))
	res, err := q.Exec(ctx)
	if err != nil {
		h.fail(w, r, tagEntity(c.Name(), err))
		return
	}
	h.respond(w, r, http.StatusOK, res)
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.collection(ctx, r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var doc map[string]any
	if err := readJSON(r, &doc); err != nil {
		h.fail(w, r, err)
		return
	}
	if doc == nil {
		h.fail(w, r, apperr.InvalidData(apperr.Failure{Message: "document must be an object", Path: "body", Type: "invalid"}))
		return
	}
	for _, f := range managedFields {
		delete(doc, f)
	}
	if err := h.schemas.Check(ctx, c.Name(), doc); err != nil {
		h.fail(w, r, err)
		return
	}

	doc["id"] = h.newID()
	doc["creationDate"] = h.timestamp()
	doc["modificationDate"] = nil

	stored, err := c.InsertOne(ctx, doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, stored)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.collection(ctx, r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := c.FindOneByID(ctx, r.PathValue("id"), &store.FindOneOptions{Fields: fieldsParam(r)})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if doc == nil {
		h.fail(w, r, notFound(c.Name(), r.PathValue("id")))
		return
	}
	h.respond(w, r, http.StatusOK, doc)
}

// updateItem applies a partial update. A body of plain fields is a $set; a
// body of update operators is applied as is.
func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.collection(ctx, r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body map[string]any
	if err := readJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	id := r.PathValue("id")

	update, err := h.stampUpdate(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	current, err := c.FindOneByID(ctx, id, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if current == nil {
		h.fail(w, r, notFound(c.Name(), id))
		return
	}
	next, err := query.ApplyUpdate(current, update)
	if err != nil {
		h.fail(w, r, apperr.InvalidData(apperr.Failure{Message: err.Error(), Path: "update", Type: "invalid"}))
		return
	}
	for _, f := range managedFields {
		delete(next, f)
	}
	if err := h.schemas.Check(ctx, c.Name(), next); err != nil {
		h.fail(w, r, err)
		return
	}

	doc, err := c.FindOneAndUpdate(ctx, store.Filter{"_id": id}, update, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if doc == nil {
		h.fail(w, r, notFound(c.Name(), id))
		return
	}
	h.respond(w, r, http.StatusOK, doc)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.collection(ctx, r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	n, err := c.RemoveOne(ctx, store.Filter{"_id": id}, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if n == 0 {
		h.fail(w, r, notFound(c.Name(), id))
		return
	}
	h.respond(w, r, http.StatusOK, map[string]any{"removed": n, "id": id})
}

func (h *Handler) countItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.collection(ctx, r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter, err := filterParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := c.Count(ctx, filter, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, map[string]int64{"count": n})
}

func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.collection(ctx, r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var pipeline store.Pipeline
	if err := readJSON(r, &pipeline); err != nil {
		h.fail(w, r, err)
		return
	}
	cur, err := c.Aggregate(ctx, pipeline, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	docs, err := cur.All(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	h.respond(w, r, http.StatusOK, docs)
}

// ---------- schemas ----------

func (h *Handler) listSchemas(w http.ResponseWriter, r *http.Request) {
	schemas, err := h.schemas.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, schemas)
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	s, err := h.schemas.Get(r.Context(), collection)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if s == nil {
		h.fail(w, r, apperr.NotFound(fmt.Sprintf("no schema for collection %q", collection)).WithEntity(schema.Entity))
		return
	}
	h.respond(w, r, http.StatusOK, s)
}

func (h *Handler) putSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if err := h.writable(collection); err != nil {
		h.fail(w, r, err)
		return
	}
	var s map[string]any
	if err := readJSON(r, &s); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.schemas.Put(r.Context(), collection, s); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, r, http.StatusOK, s)
}

func (h *Handler) deleteSchema(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if err := h.writable(collection); err != nil {
		h.fail(w, r, err)
		return
	}
	existed, err := h.schemas.Delete(r.Context(), collection)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !existed {
		h.fail(w, r, apperr.NotFound(fmt.Sprintf("no schema for collection %q", collection)).WithEntity(schema.Entity))
		return
	}
	h.respond(w, r, http.StatusOK, map[string]string{"status": "deleted", "collection": collection})
}

// ---------- helpers ----------

// collection opens the collection named in the path. Reserved collections
// are never exposed and read-only ones reject writes.
func (h *Handler) collection(ctx context.Context, r *http.Request, write bool) (store.Collection, error) {
	name := r.PathValue("collection")
	if strings.HasPrefix(name, "_") {
		return nil, apperr.Forbidden(fmt.Sprintf("collection %q is reserved", name)).WithEntity(name)
	}
	if write {
		if err := h.writable(name); err != nil {
			return nil, err
		}
	}
	c, err := h.backend.Collection(ctx, name, store.WithIndexes(h.indexes[name]...))
	if err != nil {
		return nil, apperr.Ensure(err).WithEntity(name)
	}
	return entityCollection{Collection: c}, nil
}

func (h *Handler) writable(name string) error {
	if h.readOnly[name] {
		return apperr.Forbidden(fmt.Sprintf("collection %q is read-only", name)).WithEntity(name)
	}
	return nil
}

// managedFields are set by the server and left out of schema validation.
var managedFields = []string{"_id", "id", "creationDate", "modificationDate"}

func (h *Handler) timestamp() string {
	return h.now().UTC().Format(time.RFC3339Nano)
}

func notFound(collection string, id any) error {
	return apperr.New(apperr.CodeNotFound, fmt.Sprintf("document %v not found", id),
		apperr.WithEntity(collection), apperr.WithID(id))
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return apperr.Ensure(err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return apperr.InvalidData(apperr.Failure{Message: "invalid JSON: " + err.Error(), Path: "body", Type: "syntax"})
	}
	return nil
}

// filterParam decodes ?filter=<json>.
func filterParam(r *http.Request) (store.Filter, error) {
	raw := r.URL.Query().Get("filter")
	if raw == "" {
		return nil, nil
	}
	var f store.Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, apperr.InvalidData(apperr.Failure{Message: "invalid filter: " + err.Error(), Path: "filter", Type: "syntax"})
	}
	return f, nil
}

func fieldsParam(r *http.Request) []string {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// reserved query parameters that are not query options
var reservedParams = map[string]bool{"filter": true, "debug": true}

// queryOptions collects the remaining query parameters as named query
// options. Integers are converted so limit and skip can be applied.
func queryOptions(r *http.Request) map[string]any {
	opts := map[string]any{}
	for k, vs := range r.URL.Query() {
		if reservedParams[k] || len(vs) == 0 {
			continue
		}
		if n, err := strconv.ParseInt(vs[0], 10, 64); err == nil {
			opts[k] = n
			continue
		}
		opts[k] = vs[0]
	}
	return opts
}

// stampUpdate turns a PATCH body into an update that also sets
// modificationDate.
func (h *Handler) stampUpdate(body map[string]any) (store.Update, error) {
	ops := 0
	for k := range body {
		if strings.HasPrefix(k, "$") {
			ops++
		}
	}
	invalid := func(msg string) error {
		return apperr.InvalidData(apperr.Failure{Message: msg, Path: "update", Type: "invalid"})
	}
	var update store.Update
	switch {
	case len(body) == 0:
		return nil, invalid("empty update")
	case ops == 0:
		update = store.Update{"$set": body}
	case ops < len(body):
		return nil, invalid("update mixes operators and fields")
	default:
		update = query.Clone(body)
	}

	set := map[string]any{}
	if raw, ok := update["$set"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, invalid("$set expects an object")
		}
		for k, v := range m {
			set[k] = v
		}
	}
	set["modificationDate"] = h.timestamp()
	update["$set"] = set
	return update, nil
}

// ---------- envelope ----------

type envelope struct {
	Result   any      `json:"result,omitempty"`
	Error    any      `json:"error,omitempty"`
	Metadata metadata `json:"metadata"`
}

type metadata struct {
	Backend string              `json:"backend"`
	Debug   []instrument.Record `json:"debug,omitempty"`
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, result any) {
	h.write(w, r, status, envelope{Result: result})
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	env.Metadata.Backend = h.backend.Name()
	if col, ok := debugCollector(r.Context()); ok {
		env.Metadata.Debug = col.Records()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Warn("write response", zap.Error(err))
	}
}

// fail classifies err into a status code and writes the error envelope.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.Ensure(err)
	status := http.StatusInternalServerError
	set := func(code int) apperr.Handler {
		return func(*apperr.Error) { status = code }
	}

	e.CheckChain(func(e *apperr.Error) {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(e.Code())),
			zap.Error(e))
	}).
		SetLogger(h.logger).
		IfEntity(schema.Entity).
		IfCode(apperr.CodeNotFound, set(http.StatusNotFound)).
		IfCode(apperr.CodeInvalidData, set(http.StatusBadRequest)).
		End().
		IfCode(apperr.CodeInvalidData, set(http.StatusUnprocessableEntity)).
		IfCode(apperr.CodeAlreadyExists, set(http.StatusConflict)).
		IfCode(apperr.CodeNotFound, set(http.StatusNotFound)).
		IfCode(apperr.CodeForbidden, set(http.StatusForbidden)).
		IfCode(apperr.CodeNotSupported, set(http.StatusNotImplemented)).
		IfCode(apperr.CodeConnectionRefused, set(http.StatusServiceUnavailable)).
		IfCode(apperr.CodeTimeout, set(http.StatusGatewayTimeout)).
		IfCode(apperr.CodeTransport, set(http.StatusBadGateway)).
		Check()

	h.write(w, r, status, envelope{Error: e})
}

// entityCollection tags collection errors with the collection name so the
// classification chain can scope them.
type entityCollection struct {
	store.Collection
}

func (c entityCollection) tag(err error) error {
	return tagEntity(c.Name(), err)
}

func tagEntity(name string, err error) error {
	if err == nil {
		return nil
	}
	var e *apperr.Error
	if errors.As(err, &e) && e.Entity() == "" {
		return e.WithEntity(name)
	}
	return err
}

func (c entityCollection) InsertOne(ctx context.Context, doc store.Document) (store.Document, error) {
	d, err := c.Collection.InsertOne(ctx, doc)
	return d, c.tag(err)
}

func (c entityCollection) FindOneByID(ctx context.Context, id any, opts *store.FindOneOptions) (store.Document, error) {
	d, err := c.Collection.FindOneByID(ctx, id, opts)
	return d, c.tag(err)
}

func (c entityCollection) FindOneAndUpdate(ctx context.Context, filter store.Filter, update store.Update, opts *store.FindOneAndUpdateOptions) (store.Document, error) {
	d, err := c.Collection.FindOneAndUpdate(ctx, filter, update, opts)
	return d, c.tag(err)
}

func (c entityCollection) RemoveOne(ctx context.Context, filter store.Filter, opts *store.RemoveOptions) (int64, error) {
	n, err := c.Collection.RemoveOne(ctx, filter, opts)
	return n, c.tag(err)
}

func (c entityCollection) Count(ctx context.Context, filter store.Filter, opts *store.CountOptions) (int64, error) {
	n, err := c.Collection.Count(ctx, filter, opts)
	return n, c.tag(err)
}

func (c entityCollection) Aggregate(ctx context.Context, pipeline store.Pipeline, opts *store.AggregateOptions) (store.Cursor, error) {
	cur, err := c.Collection.Aggregate(ctx, pipeline, opts)
	return cur, c.tag(err)
}
