package model

import "time"

// Outcome is the result of processing a single message.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeFailedGeneration Outcome = "failed_generation"
	OutcomeFailedSend       Outcome = "failed_send"
	OutcomeFailedTransient  Outcome = "failed_transient"
)

// Final reports whether a message with this outcome belongs in the
// processed ledger. Transient failures leave the message eligible for
// redelivery; duplicates are already there.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeSent, OutcomeFailedGeneration, OutcomeFailedSend:
		return true
	}
	return false
}

// ProcessingRecord describes what happened to one message. Records go to
// the session's log stream and the metrics sink; the core never persists
// them anywhere else.
type ProcessingRecord struct {
	SessionID string  `json:"session_id"`
	UID       uint32  `json:"uid"`
	MessageID string  `json:"message_id,omitempty"`
	ThreadID  string  `json:"thread_id,omitempty"`
	Outcome   Outcome `json:"outcome"`

	// ErrorKind is a short machine-readable classification, empty on success.
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	// Attempts is the number of generation or send attempts consumed.
	Attempts int `json:"attempts,omitempty"`

	Tokens            int           `json:"tokens,omitempty"`
	GenerationLatency time.Duration `json:"generation_latency,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Latency returns the wall-clock time spent processing the message.
func (r ProcessingRecord) Latency() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
