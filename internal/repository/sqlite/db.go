// Package sqlite persists participants and conversation transcripts in a
// single-file run store, created on demand next to the experiment data.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/surveybot/surveybot/internal/config"
)

// DB wraps sqlx.DB over the run store file.
type DB struct {
	*sqlx.DB
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS participants (
	session_name   TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	participant_id TEXT NOT NULL PRIMARY KEY,
	is_human       INTEGER NOT NULL,
	url            TEXT NOT NULL,
	time_in        TIMESTAMP,
	time_out       TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT NOT NULL PRIMARY KEY,
	bot_parms       TEXT NOT NULL,
	conversation    TEXT NOT NULL
);
`

// New opens (and if needed creates) the run store at the configured path.
func New(cfg config.StoreConfig) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent bot runs.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating run store schema: %w", err)
	}
	return &DB{DB: db}, nil
}

// Close closes the store.
func (db *DB) Close() error {
	return db.DB.Close()
}
