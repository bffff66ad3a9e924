package config

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema is the session index. The directory tree under SessionsRoot stays
// the source of truth for which sessions exist; the index carries the
// metadata a directory scan cannot recover (exact ids, times, line counts).
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	platform    TEXT NOT NULL,
	status      TEXT NOT NULL,
	directory   TEXT NOT NULL,
	log_file    TEXT NOT NULL,
	start_time  INTEGER NOT NULL DEFAULT 0,
	end_time    INTEGER NOT NULL DEFAULT 0,
	line_count  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id);
`

// OpenDatabase opens (creating if needed) the sqlite session index.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
