package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reason classifies why a reply could not be generated.
type Reason string

const (
	ReasonRateLimited     Reason = "rate_limited"
	ReasonTimeout         Reason = "timeout"
	ReasonInvalidResponse Reason = "invalid_response"
	ReasonFiltered        Reason = "filtered"
	ReasonProvider        Reason = "provider_error"
)

// GenerationError is returned by generators for every failure other than
// cancellation of the caller's context.
type GenerationError struct {
	Reason Reason
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "generation failed: " + string(e.Reason)
	}
	return fmt.Sprintf("generation failed (%s): %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *GenerationError) Retryable() bool {
	switch e.Reason {
	case ReasonRateLimited, ReasonTimeout, ReasonProvider:
		return true
	}
	return false
}

// ReasonOf returns the Reason carried by err, or ReasonProvider for any
// other error.
func ReasonOf(err error) Reason {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Reason
	}
	return ReasonProvider
}

// IsRetryable reports whether err is a GenerationError worth retrying.
func IsRetryable(err error) bool {
	var genErr *GenerationError
	return errors.As(err, &genErr) && genErr.Retryable()
}

// classify wraps a provider error. Cancellation passes through unchanged so
// callers can tell a stop from a failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GenerationError{Reason: ReasonTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted"):
		return &GenerationError{Reason: ReasonRateLimited, Err: err}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &GenerationError{Reason: ReasonTimeout, Err: err}
	}
	return &GenerationError{Reason: ReasonProvider, Err: err}
}
