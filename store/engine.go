package store

import (
	"strings"
	"time"

	"github.com/stevemurr/docmodel/query"
)

// engine is the native document driver behind the memory and file
// backends. It keeps documents in insertion order, enforces unique indexes
// and hides documents whose TTL index has expired. It is not safe for
// concurrent use; callers serialize access.
type engine struct {
	docs    []Document
	byKey   map[string]Document
	indexes []IndexSpec
	now     func() time.Time
}

func newEngine() *engine {
	return &engine{byKey: map[string]Document{}, now: time.Now}
}

// load replaces the engine state, typically with a decoded file.
func (e *engine) load(indexes []IndexSpec, docs []Document) {
	e.indexes = indexes
	e.docs = make([]Document, 0, len(docs))
	e.byKey = make(map[string]Document, len(docs))
	for _, d := range docs {
		e.docs = append(e.docs, d)
		e.byKey[query.KeyOf(d["_id"])] = d
	}
}

func (e *engine) insert(doc Document) error {
	key := query.KeyOf(doc["_id"])
	if _, ok := e.byKey[key]; ok {
		return &uniqueViolation{Index: "_id", Key: key, ID: doc["_id"]}
	}
	doc = query.Clone(doc)
	next := append(e.docs[:len(e.docs):len(e.docs)], doc)
	if err := e.checkUnique(next); err != nil {
		return err
	}
	e.docs = next
	e.byKey[key] = doc
	return nil
}

// matches returns the positions of live documents matching filter, in
// natural order.
func (e *engine) matches(filter Filter) ([]int, error) {
	if err := query.ValidateFilter(filter); err != nil {
		return nil, err
	}
	now := e.now()
	if key, ok := plainID(filter); ok {
		d, found := e.byKey[key]
		if !found || e.expired(d, now) {
			return nil, nil
		}
		for i, x := range e.docs {
			if query.KeyOf(x["_id"]) == key {
				return []int{i}, nil
			}
		}
		return nil, nil
	}
	var out []int
	for i, d := range e.docs {
		if e.expired(d, now) {
			continue
		}
		ok, err := query.Match(d, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}

// selected returns the stored matches, sorted when s is set. Callers copy
// before handing documents out.
func (e *engine) selected(filter Filter, s query.Sort) ([]Document, error) {
	pos, err := e.matches(filter)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(pos))
	for i, p := range pos {
		docs[i] = e.docs[p]
	}
	s.Apply(docs)
	return docs, nil
}

func (e *engine) find(spec findSpec) ([]Document, error) {
	docs, err := e.selected(spec.Filter, spec.Sort)
	if err != nil {
		return nil, err
	}
	docs = query.Window(docs, spec.Skip, spec.Limit)
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = query.Project(query.Clone(d), spec.Fields)
	}
	return out, nil
}

func (e *engine) count(filter Filter, skip, limit int64) (int64, error) {
	pos, err := e.matches(filter)
	if err != nil {
		return 0, err
	}
	n := int64(len(pos)) - skip
	if n < 0 {
		n = 0
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n, nil
}

// update applies upd to the first match in sort order, or to every match
// with multi. Either every change is applied or none. The first updated
// document is returned before and after the change.
func (e *engine) update(filter Filter, upd Update, s query.Sort, multi bool) (int64, Document, Document, error) {
	targets, err := e.selected(filter, s)
	if err != nil || len(targets) == 0 {
		return 0, nil, nil, err
	}
	if !multi {
		targets = targets[:1]
	}

	replaced := make(map[string]Document, len(targets))
	var first Document
	for i, d := range targets {
		out, err := query.ApplyUpdate(d, upd)
		if err != nil {
			return 0, nil, nil, err
		}
		replaced[query.KeyOf(d["_id"])] = out
		if i == 0 {
			first = out
		}
	}

	next := make([]Document, len(e.docs))
	for i, d := range e.docs {
		if r, ok := replaced[query.KeyOf(d["_id"])]; ok {
			next[i] = r
		} else {
			next[i] = d
		}
	}
	if err := e.checkUnique(next); err != nil {
		return 0, nil, nil, err
	}
	e.docs = next
	for key, d := range replaced {
		e.byKey[key] = d
	}
	return int64(len(targets)), query.Clone(targets[0]), query.Clone(first), nil
}

func (e *engine) remove(filter Filter, single bool) (int64, error) {
	pos, err := e.matches(filter)
	if err != nil || len(pos) == 0 {
		return 0, err
	}
	if single {
		pos = pos[:1]
	}
	drop := make(map[int]bool, len(pos))
	for _, p := range pos {
		drop[p] = true
		delete(e.byKey, query.KeyOf(e.docs[p]["_id"]))
	}
	kept := make([]Document, 0, len(e.docs)-len(pos))
	for i, d := range e.docs {
		if !drop[i] {
			kept = append(kept, d)
		}
	}
	e.docs = kept
	return int64(len(pos)), nil
}

// purge deletes expired documents and reports how many went away.
func (e *engine) purge() int {
	now := e.now()
	kept := e.docs[:0:0]
	for _, d := range e.docs {
		if e.expired(d, now) {
			delete(e.byKey, query.KeyOf(d["_id"]))
			continue
		}
		kept = append(kept, d)
	}
	n := len(e.docs) - len(kept)
	e.docs = kept
	return n
}

func (e *engine) indexExists(name string) bool {
	for _, idx := range e.indexes {
		if idx.Options.Name == name {
			return true
		}
	}
	return false
}

// createIndex adds spec without checking whether an index of that name
// exists. Existing documents must satisfy a unique index.
func (e *engine) createIndex(spec IndexSpec) error {
	e.indexes = append(e.indexes, spec)
	if err := e.checkUnique(e.docs); err != nil {
		e.indexes = e.indexes[:len(e.indexes)-1]
		return err
	}
	return nil
}

func (e *engine) checkUnique(docs []Document) error {
	for _, idx := range e.indexes {
		if !idx.Options.Unique {
			continue
		}
		seen := make(map[string]struct{}, len(docs))
		for _, d := range docs {
			key, ok := indexKey(d, idx)
			if !ok {
				continue
			}
			if _, dup := seen[key]; dup {
				return &uniqueViolation{Index: idx.Options.Name, Key: key, ID: d["_id"]}
			}
			seen[key] = struct{}{}
		}
	}
	return nil
}

// indexKey renders the indexed values of d. Sparse indexes skip documents
// that have none of the fields.
func indexKey(d Document, idx IndexSpec) (string, bool) {
	parts := make([]string, len(idx.Fields))
	present := false
	for i, f := range idx.Fields {
		v, ok := query.Lookup(d, f.Field)
		if ok && v != nil {
			present = true
		}
		b, _ := jsonMarshal(v)
		parts[i] = string(b)
	}
	if idx.Options.Sparse && !present {
		return "", false
	}
	return strings.Join(parts, "\x00"), true
}

func (e *engine) expired(d Document, now time.Time) bool {
	for _, idx := range e.indexes {
		if idx.Options.ExpireAfterSeconds <= 0 || len(idx.Fields) == 0 {
			continue
		}
		v, _ := query.Lookup(d, idx.Fields[0].Field)
		t, ok := asTime(v)
		if ok && now.After(t.Add(time.Duration(idx.Options.ExpireAfterSeconds)*time.Second)) {
			return true
		}
	}
	return false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
