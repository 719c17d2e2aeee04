// Package mailbox connects sessions to their IMAP and SMTP servers.
package mailbox

import (
	"context"

	"github.com/nhle/reply-optimizer/internal/model"
)

// Transport is the capability set a session worker needs from a mailbox.
//
// PollNewSince returns messages with a uid greater than watermark in
// ascending uid order. It may return a message more than once across calls;
// callers deduplicate. Send has no dedup of its own.
//
// Authentication failures are returned as *AuthError and network failures
// as *NetworkError.
type Transport interface {
	Connect(ctx context.Context) error
	PollNewSince(ctx context.Context, watermark uint32) ([]model.EmailMessage, error)
	Send(ctx context.Context, msg model.OutgoingMessage) error
	Close() error
}

// Flagger is implemented by transports that can acknowledge a message on
// the server so it is not offered again.
type Flagger interface {
	MarkSeen(ctx context.Context, uid uint32) error
}

// Factory builds a fresh, unconnected Transport for an account.
type Factory func(account model.MailboxAccount) (Transport, error)
