package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Cfomodz/RTMP-BASE/internal/storage"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		audio_config TEXT NOT NULL DEFAULT '{}',
		schedule_config TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		stream_key TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'stopped',
		quality TEXT NOT NULL DEFAULT 'medium',
		project_id TEXT REFERENCES projects (id),
		template_id TEXT NOT NULL DEFAULT '',
		orientation TEXT NOT NULL DEFAULT '',
		custom_settings TEXT NOT NULL DEFAULT '',
		audio_config TEXT NOT NULL DEFAULT '{}',
		multi_stream_targets TEXT NOT NULL DEFAULT '[]',
		auto_start BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS stream_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		template_config TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'general',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS platform_configs (
		platform_name TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		rtmp_url TEXT NOT NULL,
		max_bitrate INTEGER NOT NULL DEFAULT 6000,
		vertical BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}

// OpenPostgres connects through a pgx pool and migrates the schema.
func OpenPostgres(ctx context.Context, cfg storage.PostgresConfig) (Store, error) {
	if cfg.ApplicationName == "" {
		cfg.ApplicationName = "streamdrop-registry"
	}
	pool, err := storage.OpenPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.ApplySchema(ctx, pool, postgresSchema...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres registry: %w", err)
	}
	store := newSQLStore(stdlib.OpenDBFromPool(pool), dialect{name: DriverPostgres, numbered: true})
	store.closers = append(store.closers, func() error {
		pool.Close()
		return nil
	})
	if err := store.seedPlatforms(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
