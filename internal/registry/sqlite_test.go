package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cfomodz/RTMP-BASE/internal/models"
)

func TestSQLiteStoreContract(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "streams.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "streams.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	saved, err := store.SaveStream(ctx, sampleStream("persist"))
	require.NoError(t, err)
	require.NoError(t, store.SetIntent(ctx, saved.ID, models.IntentRunning))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetStream(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentRunning, got.Intent)
	assert.Equal(t, saved.Targets, got.Targets)
	assert.True(t, got.WantsRunning())

	platforms, err := reopened.ListPlatforms(ctx)
	require.NoError(t, err)
	assert.Len(t, platforms, len(models.DefaultPlatforms()), "seeding must not duplicate the catalogue")
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	_, err := OpenSQLite(" ")
	assert.Error(t, err)
}

func TestSQLPlaceholderRebinding(t *testing.T) {
	pg := &sqlStore{dialect: dialect{numbered: true}}
	assert.Equal(t, "UPDATE streams SET status = $1 WHERE id = $2", pg.bind("UPDATE streams SET status = ? WHERE id = ?"))
	lite := &sqlStore{}
	assert.Equal(t, "SELECT ?", lite.bind("SELECT ?"))
}

func TestCopyJSONIntoSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src, err := OpenJSON(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	defer src.Close()
	project, err := src.SaveProject(ctx, models.Project{Name: "Lobby screens"})
	require.NoError(t, err)
	_, err = src.SaveTemplate(ctx, models.Template{Name: "Clock", Defaults: sampleStream("clock")})
	require.NoError(t, err)
	def := sampleStream("lobby")
	def.ProjectID = project.ID
	saved, err := src.SaveStream(ctx, def)
	require.NoError(t, err)
	require.NoError(t, src.SetIntent(ctx, saved.ID, models.IntentRunning))
	require.NoError(t, src.SavePlatform(ctx, models.Platform{Name: "custom", DisplayName: "Custom", IngestURL: "rtmp://ingest.example.com/live"}))

	dst, err := OpenSQLite(filepath.Join(dir, "streams.db"))
	require.NoError(t, err)
	defer dst.Close()

	copied, err := Copy(ctx, dst, src)
	require.NoError(t, err)
	want, err := CountRecords(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, want, copied)

	got, err := CountRecords(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	stream, err := dst.GetStream(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, project.ID, stream.ProjectID)
	assert.Equal(t, models.IntentRunning, stream.Intent)
	assert.True(t, stream.CreatedAt.Equal(saved.CreatedAt), "creation time must survive the copy")

	// A second run replaces records instead of duplicating them.
	_, err = Copy(ctx, dst, src)
	require.NoError(t, err)
	got, err = CountRecords(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
