package model

import (
	"strings"
	"time"
)

// EmailMessage is a message fetched from a mailbox. It is read-only once
// fetched.
type EmailMessage struct {
	// UID is unique within the mailbox and increases with arrival order.
	UID uint32 `json:"uid"`

	MessageID string   `json:"message_id"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`

	// InReplyTo and References carry the thread identifiers of the source
	// message, without angle brackets.
	InReplyTo  []string `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`

	// Body is the plain-text body (HTML bodies are reduced to text).
	Body string `json:"body"`

	ReceivedAt time.Time `json:"received_at"`
}

// OutgoingMessage is a reply ready to be handed to a mail transport.
type OutgoingMessage struct {
	// MessageID is assigned by the sender so replies to this message can be
	// matched back to their thread.
	MessageID  string
	From       string
	To         []string
	Subject    string
	InReplyTo  string
	References []string
	Body       string
}

// ReplySubject returns the subject for a reply to subject, adding a "Re: "
// prefix unless one is already present.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// ReplyDraft is the generated reply text for one message. It is produced and
// consumed within a single processing step.
type ReplyDraft struct {
	Text        string        `json:"text"`
	Tokens      int           `json:"tokens"`
	Latency     time.Duration `json:"latency"`
	GeneratedAt time.Time     `json:"generated_at"`
	Model       string        `json:"model,omitempty"`
}

// ThreadTurn is one message in a conversation thread, used as AI context.
type ThreadTurn struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	MessageID string    `json:"message_id" db:"message_id"`
	Direction string    `json:"direction" db:"direction"`
	Sender    string    `json:"sender" db:"sender"`
	Subject   string    `json:"subject" db:"subject"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Thread turn directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)
