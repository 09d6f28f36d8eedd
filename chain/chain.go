// Package chain implements a small fluent builder whose steps are declared
// up front. Each step either stores the value it is given or runs a
// transform over the accumulated data before storing.
package chain

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrUnknownStep is returned when a value is set for an undeclared step.
var ErrUnknownStep = errors.New("chain: unknown step")

// TransformFunc computes the value stored for a step from the data
// accumulated so far and the raw input. Returning nil stores nothing.
type TransformFunc func(data map[string]any, value any) (any, error)

// Step describes how a named value enters the chain.
type Step struct {
	transform TransformFunc
}

// Value declares a step that stores any truthy value as given.
func Value() Step { return Step{} }

// Transform declares a step backed by fn.
func Transform(fn TransformFunc) Step { return Step{transform: fn} }

// Config declares the steps of a chain and its initial data.
type Config struct {
	Defaults map[string]any
	Steps    map[string]Step
}

// Chain accumulates step values until Exec.
type Chain struct {
	steps  map[string]Step
	data   map[string]any
	onExec func(map[string]any) (any, error)
}

// New builds a chain from cfg. Defaults are copied.
func New(cfg Config) *Chain {
	c := &Chain{
		steps: cfg.Steps,
		data:  make(map[string]any, len(cfg.Defaults)),
	}
	for k, v := range cfg.Defaults {
		c.data[k] = v
	}
	return c
}

// Has reports whether name is a declared step.
func (c *Chain) Has(name string) bool {
	_, ok := c.steps[name]
	return ok
}

// Set runs step name with v. Falsy values are ignored by plain value steps.
func (c *Chain) Set(name string, v any) error {
	step, ok := c.steps[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownStep, name)
	}
	if step.transform == nil {
		if Truthy(v) {
			c.data[name] = v
		}
		return nil
	}
	out, err := step.transform(c.data, v)
	if err != nil {
		return fmt.Errorf("chain: step %q: %w", name, err)
	}
	if out != nil {
		c.data[name] = out
	}
	return nil
}

// Apply sets every entry of values, failing on the first unknown name.
// Names are validated before any step runs.
func (c *Chain) Apply(values map[string]any) error {
	for name := range values {
		if !c.Has(name) {
			return fmt.Errorf("%w %q", ErrUnknownStep, name)
		}
	}
	for name, v := range values {
		if err := c.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored value of a step.
func (c *Chain) Get(name string) (any, bool) {
	v, ok := c.data[name]
	return v, ok
}

// Data returns a shallow copy of the accumulated values.
func (c *Chain) Data() map[string]any {
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// OnExec registers the terminal callback.
func (c *Chain) OnExec(fn func(map[string]any) (any, error)) {
	c.onExec = fn
}

// Exec hands the accumulated data to the terminal callback, or returns the
// data itself when none is registered.
func (c *Chain) Exec() (any, error) {
	if c.onExec == nil {
		return c.Data(), nil
	}
	return c.onExec(c.Data())
}

// Truthy reports whether v counts as set: nil, false, zero numbers, empty
// strings and empty collections do not.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return !rv.IsZero()
}
