package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/reply-optimizer/internal/ledger"
	"github.com/nhle/reply-optimizer/internal/model"
)

// LedgerBackend persists processed-message ledgers in the processed_messages
// table.
type LedgerBackend struct {
	s *SQLiteStore
}

// Ledger returns the store's ledger backend.
func (s *SQLiteStore) Ledger() *LedgerBackend {
	return &LedgerBackend{s: s}
}

// Load returns every entry recorded for sessionID in ascending uid order.
func (b *LedgerBackend) Load(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	rows, err := b.s.db.QueryxContext(ctx,
		"SELECT uid, outcome, recorded_at FROM processed_messages WHERE session_id = ? ORDER BY uid",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ledger for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e          ledger.Entry
			uid        int64
			outcome    string
			recordedAt time.Time
		)
		if err := rows.Scan(&uid, &outcome, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.UID = uint32(uid)
		e.Outcome = model.Outcome(outcome)
		e.RecordedAt = recordedAt
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Append records e, keeping the first outcome if the uid is already present.
func (b *LedgerBackend) Append(ctx context.Context, sessionID string, e ledger.Entry) error {
	_, err := b.s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (session_id, uid, outcome, recorded_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, int64(e.UID), string(e.Outcome), e.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending ledger entry %d for session %s: %w", e.UID, sessionID, err)
	}
	return nil
}
