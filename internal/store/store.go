package store

import (
	"context"
	"errors"

	"github.com/nhle/reply-optimizer/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SessionFilter controls which sessions ListSessions returns.
type SessionFilter struct {
	EnabledOnly bool
	OwnerID     *string
}

// SessionStore persists per-session configuration. Secrets are never stored;
// only their keyring references are.
type SessionStore interface {
	UpsertSession(ctx context.Context, cfg model.SessionConfig) error
	GetSession(ctx context.Context, id string) (*model.SessionConfig, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionConfig, error)
	SetSessionEnabled(ctx context.Context, id string, enabled bool) error
	DeleteSession(ctx context.Context, id string) error
}

// ThreadStore keeps the conversation history used as reply context.
type ThreadStore interface {
	AppendTurn(ctx context.Context, turn model.ThreadTurn) error

	// ResolveThread returns the thread a message id belongs to, if the
	// session has seen it before.
	ResolveThread(ctx context.Context, sessionID, messageID string) (string, bool, error)

	// GetThread returns up to limit of the most recent turns, oldest first.
	GetThread(ctx context.Context, sessionID, threadID string, limit int) ([]model.ThreadTurn, error)
}
