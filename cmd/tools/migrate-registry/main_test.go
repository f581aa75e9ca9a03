package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/registry"
)

func TestMigrateJSONToSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "registry.json")

	store, err := registry.OpenJSON(jsonPath)
	if err != nil {
		t.Fatalf("OpenJSON: %v", err)
	}
	for _, name := range []string{"clock", "scoreboard"} {
		if _, err := store.SaveStream(ctx, models.StreamDefinition{
			Name:    name,
			Source:  models.Source{Kind: models.SourceURL, Location: "https://example.com/" + name},
			Targets: []models.Target{{Platform: "twitch", Key: "k", Enabled: true}},
		}); err != nil {
			t.Fatalf("SaveStream: %v", err)
		}
	}
	_ = store.Close()

	src, dst, err := configs("json", jsonPath, "sqlite", filepath.Join(dir, "streams.db"), "")
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	counts, err := migrate(ctx, src, dst)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if counts.Streams != 2 {
		t.Fatalf("expected 2 streams migrated, got %d", counts.Streams)
	}
}

func TestConfigsValidation(t *testing.T) {
	if _, _, err := configs("json", "a.json", "postgres", "", ""); err == nil || !strings.Contains(err.Error(), "DSN") {
		t.Fatalf("expected DSN error, got %v", err)
	}
	if _, _, err := configs("sqlite", "same.db", "SQLite", " same.db ", ""); err == nil {
		t.Fatal("expected error when source and destination match")
	}
	_, dst, err := configs("json", "a.json", "postgres", "ignored", "postgres://localhost/streamdrop")
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	if dst.Path != "" || dst.Postgres.DSN == "" || dst.Postgres.ApplicationName != "streamdrop-migrate" {
		t.Fatalf("unexpected postgres destination %+v", dst)
	}
}
