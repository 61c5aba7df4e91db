// Package metastore owns the single SQLite database backing overrides,
// shares, and sessions. It exposes only a connection factory and schema
// migration; the domain stores built on top hold no state beyond the
// *sqlx.DB it returns.
package metastore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS overrides (
	route_id        TEXT NOT NULL,
	row_key         TEXT NOT NULL,
	column_name     TEXT NOT NULL,
	value           TEXT NOT NULL,
	reason          TEXT,
	author          TEXT,
	author_user_id  TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (route_id, row_key, column_name)
);

CREATE TABLE IF NOT EXISTS shares (
	token_hash      TEXT PRIMARY KEY,
	route_id        TEXT NOT NULL,
	params_json     TEXT NOT NULL,
	format          TEXT,
	owner_hash      TEXT,
	user_agent_hash TEXT,
	ip_prefix       TEXT,
	uses            INTEGER NOT NULL DEFAULT 0,
	max_uses        INTEGER NOT NULL,
	expires_at      TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	request_meta    TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash      TEXT PRIMARY KEY,
	email           TEXT NOT NULL,
	email_hash      TEXT NOT NULL,
	display_name    TEXT,
	user_agent      TEXT,
	ip_prefix       TEXT,
	created_at      TEXT NOT NULL,
	expires_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_email_hash ON sessions(email_hash);
`

// Open connects to the SQLite database at path (creating its parent
// directory if needed), enables WAL journaling, and applies the schema
// migration. The returned *sqlx.DB is shared by overlay, share, and
// session stores.
func Open(path string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create meta store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open meta store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pooling; serialise here

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply meta store schema: %w", err)
	}

	return db, nil
}
