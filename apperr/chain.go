package apperr

import (
	"errors"

	"go.uber.org/zap"
)

// ErrNoDefault is the panic value raised when Check reaches an unscoped node
// without a default handler.
var ErrNoDefault = errors.New("apperr: check chain has no default handler")

// Handler reacts to a classified error.
type Handler func(*Error)

type check struct {
	scope   *Chain
	code    Code
	handler Handler
}

// Chain routes a single error to the first matching handler. Nodes created
// with IfEntity only apply when the error's entity matches; unscoped nodes
// must end in a default handler.
//
//	err.CheckChain(serverError).
//		IfEntity("users").
//			IfCode(CodeNotFound, userNotFound).
//		End().
//		IfCode(CodeForbidden, forbidden).
//		Check()
type Chain struct {
	err    *Error
	entity string
	parent *Chain
	checks []check
	def    Handler
	logger *zap.Logger
}

// NewChain builds an unscoped root chain over err. Non-taxonomy errors are
// converted with Ensure.
func NewChain(err error) *Chain {
	e := Ensure(err)
	if e == nil {
		e = New(CodeInternal, "nil error")
	}
	return &Chain{err: e}
}

// CheckChain builds a root chain with def as the mandatory default handler.
func (e *Error) CheckChain(def Handler) *Chain {
	if def == nil {
		panic("apperr: CheckChain requires a default handler")
	}
	c := NewChain(e)
	c.def = def
	return c
}

// SetLogger enables debug output for each evaluated step.
func (c *Chain) SetLogger(logger *zap.Logger) *Chain {
	c.logger = logger
	return c
}

// SetDefault registers the fallback handler of this node. It is only used
// when the node has no entity scope.
func (c *Chain) SetDefault(h Handler) *Chain {
	c.def = h
	return c
}

// IfEntity appends a child node scoped to entity and returns it.
func (c *Chain) IfEntity(entity string) *Chain {
	if entity == "" {
		panic("apperr: IfEntity requires a non-empty entity")
	}
	child := &Chain{err: c.err, entity: entity, parent: c, logger: c.logger}
	c.checks = append(c.checks, check{scope: child})
	return child
}

// IfCode appends a leaf check on the error code and returns the same node.
func (c *Chain) IfCode(code Code, h Handler) *Chain {
	if code == "" {
		panic("apperr: IfCode requires a non-empty code")
	}
	if h == nil {
		panic("apperr: IfCode requires a handler function")
	}
	c.checks = append(c.checks, check{code: code, handler: h})
	return c
}

// End returns the parent node, or c itself at the root.
func (c *Chain) End() *Chain {
	if c.parent != nil {
		return c.parent
	}
	return c
}

// Check evaluates the node. It returns false only for an entity-scoped node
// whose scope or checks did not match; unscoped nodes always invoke a handler
// and panic with ErrNoDefault when none is registered.
func (c *Chain) Check() bool {
	if c.entity != "" && c.err.entity != c.entity {
		return false
	}

	for i, chk := range c.checks {
		c.debug("check chain step", zap.String("entity", c.entity), zap.Int("step", i))

		if chk.scope != nil {
			if chk.scope.Check() {
				return true
			}
			continue
		}
		if c.err.code == chk.code {
			chk.handler(c.err)
			return true
		}
	}

	if c.entity != "" {
		return false
	}
	if c.def == nil {
		panic(ErrNoDefault)
	}
	c.debug("check chain default", zap.String("code", string(c.err.code)))
	c.def(c.err)
	return true
}

func (c *Chain) debug(msg string, fields ...zap.Field) {
	if c.logger != nil {
		c.logger.Debug(msg, fields...)
	}
}
