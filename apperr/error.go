// Package apperr defines the error taxonomy shared by the storage adapters,
// the REST client and the HTTP layer, and the classification chain used to
// route an error to a handler.
package apperr

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Code is a stable, machine-readable error kind.
type Code string

const (
	CodeInvalidData       Code = "invalidData"
	CodeAlreadyExists     Code = "alreadyExists"
	CodeNotFound          Code = "notFound"
	CodeForbidden         Code = "forbidden"
	CodeConnectionRefused Code = "connectionRefused"
	CodeTimeout           Code = "timeout"
	CodeTransport         Code = "transportError"
	CodeNotSupported      Code = "notSupported"
	CodeInternal          Code = "internal"
)

// Failure is a single structured validation problem.
type Failure struct {
	Message string `json:"message"`
	Path    string `json:"path"`
	Type    string `json:"type"`
}

// Error is the immutable error value carried across the storage and
// transport boundaries. The zero value is not useful; use the constructors.
type Error struct {
	code     Code
	message  string
	entity   string
	failures []Failure
	id       any
	cause    error
}

// Option configures an Error at construction time.
type Option func(*Error)

// WithEntity sets the logical resource the error concerns.
func WithEntity(entity string) Option {
	return func(e *Error) { e.entity = entity }
}

// WithCause records the underlying error, exposed through Unwrap.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// WithFailures attaches structured sub-errors.
func WithFailures(failures ...Failure) Option {
	return func(e *Error) { e.failures = cloneFailures(failures) }
}

// WithID records the identifier the error is about.
func WithID(id any) Option {
	return func(e *Error) { e.id = id }
}

// New builds an Error with the given code and message.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InvalidData reports validation failures. An empty list is replaced by a
// single generic failure so the list is never empty.
func InvalidData(failures ...Failure) *Error {
	if len(failures) == 0 {
		failures = []Failure{{Message: "invalid data", Type: "invalid"}}
	}
	return New(CodeInvalidData, "invalid data", WithFailures(failures...))
}

// AlreadyExists reports a duplicate identifier.
func AlreadyExists(id any) *Error {
	return New(CodeAlreadyExists, fmt.Sprintf("document %v already exists", id), WithID(id))
}

func NotFound(message string) *Error {
	if message == "" {
		message = "not found"
	}
	return New(CodeNotFound, message)
}

func Forbidden(message string) *Error {
	if message == "" {
		message = "forbidden"
	}
	return New(CodeForbidden, message)
}

func ConnectionRefused(cause error) *Error {
	return New(CodeConnectionRefused, "connection refused", WithCause(cause))
}

func Timeout(cause error) *Error {
	return New(CodeTimeout, "timeout", WithCause(cause))
}

func Transport(cause error) *Error {
	msg := "transport failure"
	if cause != nil {
		msg = cause.Error()
	}
	return New(CodeTransport, msg, WithCause(cause))
}

// NotSupported reports an operation the backend cannot perform.
func NotSupported(op string) *Error {
	return New(CodeNotSupported, op+" is not supported by this backend")
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.code) + ": " + e.message
	if e.entity != "" {
		s = e.entity + ": " + s
	}
	if e.cause != nil && e.cause.Error() != e.message {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() Code      { return e.code }
func (e *Error) Message() string { return e.message }
func (e *Error) Entity() string  { return e.entity }
func (e *Error) ID() any         { return e.id }

// Failures returns a copy of the structured sub-errors.
func (e *Error) Failures() []Failure { return cloneFailures(e.failures) }

// WithEntity returns a copy of e scoped to entity.
func (e *Error) WithEntity(entity string) *Error {
	if e == nil {
		return nil
	}
	c := *e
	c.entity = entity
	c.failures = cloneFailures(e.failures)
	return &c
}

type wireError struct {
	Message string    `json:"message"`
	Code    Code      `json:"code"`
	Entity  string    `json:"entity,omitempty"`
	List    []Failure `json:"list,omitempty"`
	ID      any       `json:"id,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireError{
		Message: e.message,
		Code:    e.code,
		Entity:  e.entity,
		List:    e.failures,
		ID:      e.id,
	})
}

func (e *Error) UnmarshalJSON(b []byte) error {
	var w wireError
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Error{
		code:     w.Code,
		message:  w.Message,
		entity:   w.Entity,
		failures: w.List,
		id:       w.ID,
	}
	return nil
}

// Ensure converts any error into an *Error. Existing *Error values are
// returned as-is, transport failures are classified, and everything else is
// wrapped as internal. Ensure(nil) is nil.
func Ensure(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if t := FromTransport(err); t != nil {
		return t
	}
	return New(CodeInternal, err.Error(), WithCause(err))
}

// CodeOf returns the code of err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// EntityOf returns the entity of err, or "".
func EntityOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.entity
	}
	return ""
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func cloneFailures(in []Failure) []Failure {
	if len(in) == 0 {
		return nil
	}
	out := make([]Failure, len(in))
	copy(out, in)
	return out
}
