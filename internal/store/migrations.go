package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	address          TEXT NOT NULL,
	username         TEXT NOT NULL DEFAULT '',
	credential_ref   TEXT NOT NULL,
	imap_host        TEXT NOT NULL,
	imap_port        TEXT NOT NULL DEFAULT '993',
	smtp_host        TEXT NOT NULL,
	smtp_port        TEXT NOT NULL DEFAULT '465',
	tls              INTEGER NOT NULL DEFAULT 1 CHECK(tls IN (0, 1)),
	instructions     TEXT NOT NULL DEFAULT '',
	poll_interval_ms INTEGER NOT NULL DEFAULT 30000,
	ai_provider      TEXT NOT NULL DEFAULT '',
	ai_model         TEXT NOT NULL DEFAULT '',
	ai_key_ref       TEXT NOT NULL DEFAULT '',
	enabled          INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_id ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_enabled ON sessions(enabled);

CREATE TABLE IF NOT EXISTS thread_messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	thread_id  TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	direction  TEXT NOT NULL CHECK(direction IN ('incoming', 'outgoing')),
	sender     TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_thread_messages_thread
	ON thread_messages(session_id, thread_id, created_at);
CREATE INDEX IF NOT EXISTS idx_thread_messages_message_id
	ON thread_messages(session_id, message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS processed_messages (
	session_id  TEXT NOT NULL,
	uid         INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, uid)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
