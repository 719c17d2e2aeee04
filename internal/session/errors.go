package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/reply-optimizer/internal/mailbox"
)

var (
	// ErrNotFound is returned for session ids absent from the registry.
	ErrNotFound = errors.New("session not found")

	// ErrStopping is returned when a session is asked to start while a stop
	// is still in progress.
	ErrStopping = errors.New("session is stopping")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("session manager is shut down")
)

// ConfigError rejects a session configuration. No worker is started.
type ConfigError struct {
	SessionID string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for session %s: %v", e.SessionID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// InternalError is a worker failure that is neither a mailbox error nor a
// configuration error, such as a panic.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return "internal error: " + e.Err.Error() }

func (e *InternalError) Unwrap() error { return e.Err }

// Class is the supervision decision derived from a worker exit error.
type Class int

const (
	// ClassTransient errors are retried after a backoff.
	ClassTransient Class = iota
	// ClassInternal errors are retried like transient ones until the
	// internal restart ceiling is reached.
	ClassInternal
	// ClassTerminal errors mark the session Failed.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInternal:
		return "internal"
	case ClassTerminal:
		return "terminal"
	}
	return "unknown"
}

// Classify maps a worker exit error to a supervision class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case mailbox.IsAuthError(err), IsConfigError(err):
		return ClassTerminal
	case mailbox.IsNetworkError(err), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassInternal
}
