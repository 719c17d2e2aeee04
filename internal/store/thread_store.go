package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/reply-optimizer/internal/model"
)

// AppendTurn stores one message of a conversation thread.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn model.ThreadTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_messages (
			id, session_id, thread_id, message_id, direction,
			sender, subject, body, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.ThreadID, turn.MessageID, turn.Direction,
		turn.Sender, turn.Subject, turn.Body, turn.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending turn to thread %s: %w", turn.ThreadID, err)
	}
	return nil
}

// ResolveThread looks up the thread a message id belongs to. A message id
// matches either a stored message or a thread root.
func (s *SQLiteStore) ResolveThread(
	ctx context.Context,
	sessionID, messageID string,
) (string, bool, error) {
	if messageID == "" {
		return "", false, nil
	}

	var threadID string
	err := s.db.GetContext(ctx, &threadID, `
		SELECT thread_id FROM thread_messages
		WHERE session_id = ? AND (message_id = ? OR thread_id = ?)
		ORDER BY created_at
		LIMIT 1`, sessionID, messageID, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolving thread for %s: %w", messageID, err)
	}
	return threadID, true, nil
}

// GetThread returns up to limit of the most recent turns in a thread, oldest
// first. A limit of zero or less returns the whole thread.
func (s *SQLiteStore) GetThread(
	ctx context.Context,
	sessionID, threadID string,
	limit int,
) ([]model.ThreadTurn, error) {
	query := `
		SELECT id, session_id, thread_id, message_id, direction,
			sender, subject, body, created_at
		FROM thread_messages
		WHERE session_id = ? AND thread_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{sessionID, threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var turns []model.ThreadTurn
	if err := s.db.SelectContext(ctx, &turns, query, args...); err != nil {
		return nil, fmt.Errorf("querying thread %s: %w", threadID, err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
