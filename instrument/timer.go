// Package instrument records timing and outcome of storage and transport
// operations and hands the finished records to a pluggable sink.
package instrument

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/stevemurr/docmodel/apperr"
)

// ErrorSummary is the normalized failure attached to a record.
type ErrorSummary struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Entity  string `json:"entity,omitempty"`
}

// Record is the frozen result of a Timer.
type Record struct {
	Type     string        `json:"type"`
	Name     string        `json:"name"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"-"`
	Error    *ErrorSummary `json:"error,omitempty"`
}

type recordTime struct {
	Sec  float64 `json:"sec"`
	Msec int64   `json:"msec"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string        `json:"type"`
		Name    string        `json:"name"`
		Message string        `json:"message,omitempty"`
		Time    recordTime    `json:"time"`
		Error   *ErrorSummary `json:"error,omitempty"`
	}{
		Type:    r.Type,
		Name:    r.Name,
		Message: r.Message,
		Time:    recordTime{Sec: r.Duration.Seconds(), Msec: r.Duration.Milliseconds()},
		Error:   r.Error,
	})
}

// Timer measures a single operation. It is finalized exactly once: the first
// Stop or Error freezes the record and notifies the sink, later calls return
// the frozen record unchanged.
type Timer struct {
	mu     sync.Mutex
	start  time.Time
	record Record
	sink   Sink
	done   bool
}

// Start begins timing an operation of the given subsystem type.
func Start(typ, name string) *Timer {
	return &Timer{
		start:  time.Now(),
		record: Record{Type: typ, Name: name},
	}
}

// OnStop registers the sink notified on finalization. A nil sink discards
// the record.
func (t *Timer) OnStop(sink Sink) *Timer {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
	return t
}

// SetMessage stores a description of the operation. Strings are kept as-is,
// anything else is serialized to JSON.
func (t *Timer) SetMessage(v any) {
	msg := describe(v)
	t.mu.Lock()
	if !t.done {
		t.record.Message = msg
	}
	t.mu.Unlock()
}

// Stop finalizes the timer.
func (t *Timer) Stop() Record {
	return t.finish(nil)
}

// Error records a failure summary and finalizes the timer.
func (t *Timer) Error(err error) Record {
	if err == nil {
		return t.finish(nil)
	}
	summary := &ErrorSummary{Message: err.Error()}
	if e := apperr.Ensure(err); e != nil && e.Code() != apperr.CodeInternal {
		summary.Message = e.Message()
		summary.Code = string(e.Code())
		summary.Entity = e.Entity()
	}
	return t.finish(summary)
}

// Done reports whether the timer was finalized.
func (t *Timer) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Timer) finish(summary *ErrorSummary) Record {
	t.mu.Lock()
	if t.done {
		rec := t.record
		t.mu.Unlock()
		return rec
	}
	t.done = true
	t.record.Duration = time.Since(t.start)
	t.record.Error = summary
	rec := t.record
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.Log(rec)
	}
	return rec
}

func describe(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return m
	case fmt.Stringer:
		return m.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
