// Command migrate-registry copies stream definitions, projects, templates,
// and the platform catalogue from one registry driver to another.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/registry"
	"github.com/Cfomodz/RTMP-BASE/internal/storage"
)

func main() {
	fromDriver := flag.String("from", registry.DriverJSON, "source registry driver (json, sqlite, postgres)")
	fromPath := flag.String("from-path", "data/registry.json", "source JSON document or SQLite file")
	toDriver := flag.String("to", registry.DriverSQLite, "destination registry driver (json, sqlite, postgres)")
	toPath := flag.String("to-path", "data/streams.db", "destination JSON document or SQLite file")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for a postgres source or destination")
	timeout := flag.Duration("timeout", 5*time.Minute, "bound on the whole migration")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("STREAMDROP_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	src, dst, err := configs(*fromDriver, *fromPath, *toDriver, *toPath, dsn)
	if err != nil {
		logger.Error("invalid migration", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	counts, err := migrate(ctx, src, dst)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed",
		"from", src.Driver,
		"to", dst.Driver,
		"streams", counts.Streams,
		"projects", counts.Projects,
		"templates", counts.Templates,
		"platforms", counts.Platforms)
}

func configs(fromDriver, fromPath, toDriver, toPath, dsn string) (registry.Config, registry.Config, error) {
	src := registry.Config{Driver: strings.ToLower(strings.TrimSpace(fromDriver)), Path: strings.TrimSpace(fromPath)}
	dst := registry.Config{Driver: strings.ToLower(strings.TrimSpace(toDriver)), Path: strings.TrimSpace(toPath)}
	for _, cfg := range []*registry.Config{&src, &dst} {
		if cfg.Driver == registry.DriverPostgres {
			if dsn == "" {
				return src, dst, fmt.Errorf("postgres DSN required: set --postgres-dsn, STREAMDROP_POSTGRES_DSN, or DATABASE_URL")
			}
			cfg.Postgres = storage.PostgresConfig{DSN: dsn, ApplicationName: "streamdrop-migrate"}
			cfg.Path = ""
		}
	}
	if src.Driver == dst.Driver && src.Path == dst.Path {
		return src, dst, fmt.Errorf("source and destination are the same %s registry", src.Driver)
	}
	return src, dst, nil
}

// migrate copies src into dst and verifies every record arrived.
func migrate(ctx context.Context, srcCfg, dstCfg registry.Config) (registry.Counts, error) {
	src, err := registry.Open(ctx, srcCfg)
	if err != nil {
		return registry.Counts{}, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := registry.Open(ctx, dstCfg)
	if err != nil {
		return registry.Counts{}, fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close()

	if _, err := registry.Copy(ctx, dst, src); err != nil {
		return registry.Counts{}, err
	}
	return verifyCounts(ctx, src, dst)
}

// verifyCounts checks the destination holds at least every source record.
// The destination may already hold more, such as its seeded platforms.
func verifyCounts(ctx context.Context, src, dst registry.Store) (registry.Counts, error) {
	want, err := registry.CountRecords(ctx, src)
	if err != nil {
		return want, err
	}
	got, err := registry.CountRecords(ctx, dst)
	if err != nil {
		return want, err
	}
	checks := []struct {
		name      string
		want, got int
	}{
		{"streams", want.Streams, got.Streams},
		{"projects", want.Projects, got.Projects},
		{"templates", want.Templates, got.Templates},
		{"platforms", want.Platforms, got.Platforms},
	}
	for _, check := range checks {
		if check.got < check.want {
			return want, fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.want, check.got)
		}
	}
	return want, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
