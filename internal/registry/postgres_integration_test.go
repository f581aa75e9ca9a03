//go:build postgres

package registry

import (
	"context"
	"os"
	"testing"

	"github.com/Cfomodz/RTMP-BASE/internal/storage"
)

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("STREAMDROP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STREAMDROP_TEST_POSTGRES_DSN not set")
	}
	runContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		store, err := OpenPostgres(ctx, storage.PostgresConfig{DSN: dsn, MaxConnections: 4})
		if err != nil {
			t.Fatalf("OpenPostgres: %v", err)
		}
		sqlStore := store.(*sqlStore)
		if _, err := sqlStore.db.ExecContext(ctx, `TRUNCATE streams, projects, stream_templates`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		if _, err := sqlStore.db.ExecContext(ctx, `DELETE FROM platform_configs`); err != nil {
			t.Fatalf("reset platforms: %v", err)
		}
		if err := sqlStore.seedPlatforms(ctx); err != nil {
			t.Fatalf("seed: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
