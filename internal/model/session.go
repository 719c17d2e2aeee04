package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session as tracked by the session manager.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusBackoff  Status = "backoff"
	StatusFailed   Status = "failed"
	StatusStopping Status = "stopping"
)

// transitions lists the allowed successor states for every status.
// A session never jumps from Stopped to Running; it always passes
// through Starting first.
var transitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusBackoff, StatusFailed, StatusStopping},
	StatusRunning:  {StatusBackoff, StatusFailed, StatusStopping},
	StatusBackoff:  {StatusStarting, StatusFailed, StatusStopping},
	StatusFailed:   {StatusStarting, StatusStopping},
	StatusStopping: {StatusStopped},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether a session in this status owns (or is about to own)
// a worker.
func (s Status) Live() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusBackoff:
		return true
	}
	return false
}

// MailboxAccount holds the IMAP/SMTP endpoints and credentials for a
// mailbox. It is immutable for the life of a session; changing any field
// requires a restart.
type MailboxAccount struct {
	// Address is the mailbox e-mail address used as the reply sender.
	Address string `json:"address"`

	// Username is the login name for both IMAP and SMTP.
	Username string `json:"username"`

	// CredentialRef is the keyring key holding the mailbox password.
	CredentialRef string `json:"credential_ref"`

	// Password is resolved from CredentialRef at start and never persisted.
	Password string `json:"-"`

	IMAPHost string `json:"imap_host"`
	IMAPPort string `json:"imap_port"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort string `json:"smtp_port"`

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `json:"tls"`
}

// IMAPAddr returns host:port for the IMAP endpoint.
func (a MailboxAccount) IMAPAddr() string {
	return a.IMAPHost + ":" + a.IMAPPort
}

// SMTPAddr returns host:port for the SMTP endpoint.
func (a MailboxAccount) SMTPAddr() string {
	return a.SMTPHost + ":" + a.SMTPPort
}

// SessionConfig is everything needed to run one user's mailbox-monitoring
// and reply task.
type SessionConfig struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`

	Account MailboxAccount `json:"account"`

	// Instructions are the free-text reply instructions supplied by the user.
	Instructions string `json:"instructions"`

	// PollInterval is the idle delay between mailbox polls.
	PollInterval time.Duration `json:"poll_interval"`

	// AIProvider optionally overrides the process-wide AI provider.
	AIProvider string `json:"ai_provider,omitempty"`

	// AIModel optionally overrides the process-wide model name.
	AIModel string `json:"ai_model,omitempty"`

	// AIKeyRef is an optional keyring key holding a per-session API key.
	AIKeyRef string `json:"ai_key_ref,omitempty"`

	// AIKey is resolved from AIKeyRef and never persisted.
	AIKey string `json:"-"`

	Enabled bool `json:"enabled"`
}

// String returns a short description safe to log (no secrets).
func (c SessionConfig) String() string {
	return fmt.Sprintf("session %s (%s via %s)", c.SessionID, c.Account.Address, c.Account.IMAPAddr())
}

// SessionStatus is a point-in-time snapshot of a session, as exposed to
// the management surface.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	Mailbox   string `json:"mailbox"`
	Status    Status `json:"status"`

	// WorkerState is the worker's most recently reported state machine state.
	WorkerState string `json:"worker_state,omitempty"`

	// Restarts counts automatic restarts since the last explicit start.
	Restarts int `json:"restarts"`

	// LastError holds the error that caused the most recent Backoff or Failed.
	LastError string `json:"last_error,omitempty"`

	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	RunningSince time.Time `json:"running_since,omitzero"`
	NextRetryAt  time.Time `json:"next_retry_at,omitzero"`

	// Processed counts ledger entries by outcome.
	Processed map[Outcome]int `json:"processed,omitempty"`
}
