package query

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidUpdate is wrapped by every malformed update document.
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrImmutableField is returned when an update would change an
	// identifier.
	ErrImmutableField = errors.New("immutable field")
)

// ImmutableFields may never change once a document is stored.
var ImmutableFields = []string{"_id", "id"}

// ApplyUpdate returns a modified copy of doc. An update made only of
// operators ($set, $unset, $inc, $push, $pull) modifies fields; any other
// update replaces the document while keeping its identifiers.
func ApplyUpdate(doc Document, update Update) (Document, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}
	out := Clone(doc)

	if !isOperatorUpdate(update) {
		repl := Clone(update)
		for _, f := range ImmutableFields {
			if v, ok := repl[f]; ok && !Equal(v, doc[f]) {
				return nil, fmt.Errorf("%w: %s", ErrImmutableField, f)
			}
			if v, ok := doc[f]; ok {
				repl[f] = v
			}
		}
		return repl, nil
	}

	for op, arg := range update {
		fields, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects an object", ErrInvalidUpdate, op)
		}
		for path, v := range fields {
			if isImmutable(path) {
				return nil, fmt.Errorf("%w: %s", ErrImmutableField, path)
			}
			if err := applyOperator(out, op, path, v); err != nil {
				return nil, err
			}
		}
	}
	return Clone(out), nil
}

func isOperatorUpdate(u Update) bool {
	for k := range u {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func isImmutable(path string) bool {
	root := strings.SplitN(path, ".", 2)[0]
	for _, f := range ImmutableFields {
		if root == f {
			return true
		}
	}
	return false
}

func applyOperator(doc Document, op, path string, v any) error {
	switch op {
	case "$set":
		Assign(doc, path, v)
	case "$unset":
		Unset(doc, path)
	case "$inc":
		delta, ok := ToFloat(v)
		if !ok {
			return fmt.Errorf("%w: $inc on %s expects a number", ErrInvalidUpdate, path)
		}
		cur, exists := Lookup(doc, path)
		if !exists || cur == nil {
			Assign(doc, path, delta)
			return nil
		}
		base, ok := ToFloat(cur)
		if !ok {
			return fmt.Errorf("%w: $inc on non-numeric field %s", ErrInvalidUpdate, path)
		}
		Assign(doc, path, base+delta)
	case "$push":
		cur, exists := Lookup(doc, path)
		if !exists || cur == nil {
			Assign(doc, path, []any{v})
			return nil
		}
		list, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("%w: $push on non-array field %s", ErrInvalidUpdate, path)
		}
		Assign(doc, path, append(append([]any{}, list...), v))
	case "$pull":
		cur, exists := Lookup(doc, path)
		if !exists {
			return nil
		}
		list, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("%w: $pull on non-array field %s", ErrInvalidUpdate, path)
		}
		kept := make([]any, 0, len(list))
		for _, item := range list {
			if !Equal(item, v) {
				kept = append(kept, item)
			}
		}
		Assign(doc, path, kept)
	default:
		return fmt.Errorf("%w: unknown operator %s", ErrInvalidUpdate, op)
	}
	return nil
}
