package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the chat schema on PostgreSQL.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT        PRIMARY KEY,
			last_seq        BIGINT      NOT NULL DEFAULT 0,
			last_message_at TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT    NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT    NOT NULL,
			position        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT        PRIMARY KEY,
			conversation_id TEXT        NOT NULL REFERENCES conversations(id),
			seq             BIGINT      NOT NULL,
			sender_id       TEXT        NOT NULL,
			content         TEXT        NOT NULL,
			status          SMALLINT    NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (conversation_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id   TEXT        NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			recipient_id TEXT        NOT NULL,
			status       SMALLINT    NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (message_id, recipient_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_conv_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_recipient ON message_receipts(recipient_id, status)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
