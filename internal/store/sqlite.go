package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/reply-optimizer/internal/model"
)

// SQLiteStore implements SessionStore, ThreadStore and the processed-message
// ledger backend using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database lives only as long as its connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// sessionRow mirrors the sessions table.
type sessionRow struct {
	ID             string    `db:"id"`
	OwnerID        string    `db:"owner_id"`
	Address        string    `db:"address"`
	Username       string    `db:"username"`
	CredentialRef  string    `db:"credential_ref"`
	IMAPHost       string    `db:"imap_host"`
	IMAPPort       string    `db:"imap_port"`
	SMTPHost       string    `db:"smtp_host"`
	SMTPPort       string    `db:"smtp_port"`
	TLS            int       `db:"tls"`
	Instructions   string    `db:"instructions"`
	PollIntervalMS int64     `db:"poll_interval_ms"`
	AIProvider     string    `db:"ai_provider"`
	AIModel        string    `db:"ai_model"`
	AIKeyRef       string    `db:"ai_key_ref"`
	Enabled        int       `db:"enabled"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r sessionRow) toModel() model.SessionConfig {
	return model.SessionConfig{
		SessionID: r.ID,
		OwnerID:   r.OwnerID,
		Account: model.MailboxAccount{
			Address:       r.Address,
			Username:      r.Username,
			CredentialRef: r.CredentialRef,
			IMAPHost:      r.IMAPHost,
			IMAPPort:      r.IMAPPort,
			SMTPHost:      r.SMTPHost,
			SMTPPort:      r.SMTPPort,
			TLS:           r.TLS != 0,
		},
		Instructions: r.Instructions,
		PollInterval: time.Duration(r.PollIntervalMS) * time.Millisecond,
		AIProvider:   r.AIProvider,
		AIModel:      r.AIModel,
		AIKeyRef:     r.AIKeyRef,
		Enabled:      r.Enabled != 0,
	}
}

// UpsertSession inserts or replaces a session configuration.
// If the session has no ID, a new UUID is generated.
func (s *SQLiteStore) UpsertSession(ctx context.Context, cfg model.SessionConfig) error {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	a := cfg.Account

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, owner_id, address, username, credential_ref,
			imap_host, imap_port, smtp_host, smtp_port, tls,
			instructions, poll_interval_ms,
			ai_provider, ai_model, ai_key_ref,
			enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			address = excluded.address,
			username = excluded.username,
			credential_ref = excluded.credential_ref,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			tls = excluded.tls,
			instructions = excluded.instructions,
			poll_interval_ms = excluded.poll_interval_ms,
			ai_provider = excluded.ai_provider,
			ai_model = excluded.ai_model,
			ai_key_ref = excluded.ai_key_ref,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		cfg.SessionID, cfg.OwnerID, a.Address, a.Username, a.CredentialRef,
		a.IMAPHost, a.IMAPPort, a.SMTPHost, a.SMTPPort, boolToInt(a.TLS),
		cfg.Instructions, cfg.PollInterval.Milliseconds(),
		cfg.AIProvider, cfg.AIModel, cfg.AIKeyRef,
		boolToInt(cfg.Enabled), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", cfg.SessionID, err)
	}

	return nil
}

// GetSession retrieves a single session by its ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.SessionConfig, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM sessions WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}

	cfg := row.toModel()
	return &cfg, nil
}

// ListSessions retrieves sessions matching the filter, ordered by creation.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionConfig, error) {
	var conditions []string
	var args []interface{}

	if filter.EnabledOnly {
		conditions = append(conditions, "enabled = 1")
	}
	if filter.OwnerID != nil {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, *filter.OwnerID)
	}

	query := "SELECT * FROM sessions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}

	sessions := make([]model.SessionConfig, 0, len(rows))
	for _, r := range rows {
		sessions = append(sessions, r.toModel())
	}
	return sessions, nil
}

// SetSessionEnabled toggles whether the session should be running.
func (s *SQLiteStore) SetSessionEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session together with its thread history and
// processed ledger.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM thread_messages WHERE session_id = ?",
		"DELETE FROM processed_messages WHERE session_id = ?",
		"DELETE FROM sessions WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting session %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
