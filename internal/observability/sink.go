// Package observability carries metrics, tracing and health reporting.
// Nothing in it may affect message processing: sinks are wrapped so their
// failures are dropped.
package observability

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Event names recorded by session workers and the session manager.
const (
	EventMessageProcessed  = "message.processed"
	EventSessionConnect    = "session.connect"
	EventSessionDisconnect = "session.disconnect"
	EventSessionBackoff    = "session.backoff"
	EventSessionFailed     = "session.failed"
	EventSessionForcedStop = "session.forced_stop"
	EventAIGenerate        = "ai.generate"
	EventSMTPSend          = "smtp.send"
)

// Field keys.
const (
	FieldSession   = "session_id"
	FieldOutcome   = "outcome"
	FieldErrorKind = "error_kind"
	FieldLatency   = "latency"
	FieldTokens    = "tokens"
	FieldAttempts  = "attempts"
	FieldStatus    = "status"
	FieldDelay     = "delay"
	FieldError     = "error"
)

// Fields are the attributes of one event.
type Fields map[string]any

// Sink receives events. Implementations may fail; callers go through a
// Recorder, which never propagates those failures.
type Sink interface {
	Record(event string, fields Fields) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(string, Fields) error { return nil }

// Multi fans an event out to several sinks.
type Multi []Sink

// Record delivers to every sink and joins their errors.
func (m Multi) Record(event string, fields Fields) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(event, fields); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is the best-effort front of a Sink. Errors and panics from the
// sink are counted and logged at debug level, never returned.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	dropped atomic.Int64
}

// Safe wraps sink. A nil sink records nothing.
func Safe(sink Sink, logger *slog.Logger) *Recorder {
	if sink == nil {
		sink = Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record forwards the event to the sink.
func (r *Recorder) Record(event string, fields Fields) {
	if r == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.drop(event, fmt.Errorf("sink panic: %v", p))
		}
	}()

	if err := r.sink.Record(event, fields); err != nil {
		r.drop(event, err)
	}
}

func (r *Recorder) drop(event string, err error) {
	r.dropped.Add(1)
	r.logger.Debug("metrics event dropped", "event", event, "error", err)
}

// Dropped returns how many events the sink failed to take.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}
