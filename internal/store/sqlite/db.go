package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens a SQLite database at path. Foreign keys and a busy timeout are
// set through DSN pragmas so they apply to every pooled connection.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection turns lock contention
	// into queueing on the pool.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate creates the chat schema. Timestamps are stored as unix nanoseconds.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			last_seq        INTEGER NOT NULL DEFAULT 0,
			last_message_at INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT    NOT NULL,
			user_id         TEXT    NOT NULL,
			position        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT    PRIMARY KEY,
			conversation_id TEXT    NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT    NOT NULL,
			content         TEXT    NOT NULL,
			status          INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id   TEXT    NOT NULL,
			recipient_id TEXT    NOT NULL,
			status       INTEGER NOT NULL DEFAULT 0,
			updated_at   INTEGER NOT NULL,
			PRIMARY KEY (message_id, recipient_id),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_recipient ON message_receipts(recipient_id, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
