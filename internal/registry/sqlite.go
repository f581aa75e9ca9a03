package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// The layout follows streams.db: targets, audio, and custom quality live in
// JSON text columns next to the scalar fields.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT DEFAULT '',
	settings TEXT DEFAULT '{}',
	audio_config TEXT DEFAULT '{}',
	schedule_config TEXT DEFAULT '{}',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS streams (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	stream_key TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	status TEXT DEFAULT 'stopped',
	quality TEXT DEFAULT 'medium',
	project_id TEXT DEFAULT NULL REFERENCES projects (id),
	template_id TEXT NOT NULL DEFAULT '',
	orientation TEXT NOT NULL DEFAULT '',
	custom_settings TEXT DEFAULT '',
	audio_config TEXT DEFAULT '{}',
	multi_stream_targets TEXT DEFAULT '[]',
	auto_start BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS stream_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT DEFAULT '',
	template_config TEXT NOT NULL,
	category TEXT DEFAULT 'general',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS platform_configs (
	platform_name TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	rtmp_url TEXT NOT NULL,
	max_bitrate INTEGER DEFAULT 6000,
	vertical BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE
);
`

// OpenSQLite opens (and migrates) the registry database at path.
func OpenSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry: sqlite path is required")
	}
	dsn := path
	if !strings.HasPrefix(path, "file:") && !strings.Contains(path, "?") {
		dsn = "file:" + path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite registry: %w", err)
	}
	store := newSQLStore(db, dialect{name: DriverSQLite})
	if err := store.seedPlatforms(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
