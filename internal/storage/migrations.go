package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migrate runs all database migrations
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		createMessagesTable,
		createSeenTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Archives from before these columns existed
	if err := addColumn(db, "messages", "raw_line", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("raw_line migration failed: %w", err)
	}
	if err := addColumn(db, "seen", "message_type", "TEXT NOT NULL DEFAULT 'privmsg'"); err != nil {
		return fmt.Errorf("seen message_type migration failed: %w", err)
	}
	return nil
}

func addColumn(db *sqlx.DB, table, column, decl string) error {
	var exists int
	err := db.Get(&exists,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column)
	if err != nil {
		return fmt.Errorf("failed to check for %s.%s: %w", table, column, err)
	}
	if exists > 0 {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id TEXT NOT NULL,
    channel TEXT,
    user TEXT NOT NULL,
    message TEXT NOT NULL,
    message_type TEXT NOT NULL DEFAULT 'privmsg',
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    raw_line TEXT NOT NULL DEFAULT ''
);
`

const createSeenTable = `
CREATE TABLE IF NOT EXISTS seen (
    server_id TEXT NOT NULL,
    nick TEXT NOT NULL COLLATE NOCASE,
    channel TEXT,
    message TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL DEFAULT 'privmsg',
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (server_id, nick)
);
`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_messages_server_channel_time ON messages(server_id, channel, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`
