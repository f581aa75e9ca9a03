package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory opens a fresh, empty store for one test.
type storeFactory func(t *testing.T) Store

func runStoreContract(t *testing.T, open storeFactory) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed := func(t *testing.T, store Store, streamID string, count int) {
		t.Helper()
		for i := 0; i < count; i++ {
			err := store.Append(context.Background(), Event{
				StreamID:  streamID,
				Seq:       uint64(i + 1),
				Time:      base.Add(time.Duration(i)*time.Second + 1500*time.Microsecond),
				Type:      Restarted,
				Component: "encoder",
				Detail:    "exit status 1",
			})
			require.NoError(t, err)
		}
	}

	t.Run("QueryReturnsAscending", func(t *testing.T) {
		store := open(t)
		seed(t, store, "alpha", 5)

		events, err := store.Query(context.Background(), "alpha", time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, event := range events {
			assert.Equal(t, uint64(i+1), event.Seq)
			assert.Equal(t, "alpha", event.StreamID)
			assert.Equal(t, Restarted, event.Type)
			assert.Equal(t, "encoder", event.Component)
			assert.Equal(t, "exit status 1", event.Detail)
			assert.True(t, event.Time.Equal(base.Add(time.Duration(i)*time.Second+1500*time.Microsecond)), "event %d time %s", i, event.Time)
		}
	})

	t.Run("QueryFiltersBySince", func(t *testing.T) {
		store := open(t)
		seed(t, store, "alpha", 5)

		events, err := store.Query(context.Background(), "alpha", base.Add(2*time.Second), 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, uint64(3), events[0].Seq)
	})

	t.Run("QueryLimitKeepsNewest", func(t *testing.T) {
		store := open(t)
		seed(t, store, "alpha", 5)

		events, err := store.Query(context.Background(), "alpha", time.Time{}, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(4), events[0].Seq)
		assert.Equal(t, uint64(5), events[1].Seq)
	})

	t.Run("LastAndIsolation", func(t *testing.T) {
		store := open(t)
		seed(t, store, "alpha", 3)
		seed(t, store, "beta", 1)

		last, ok, err := store.Last(context.Background(), "alpha")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(3), last.Seq)

		events, err := store.Query(context.Background(), "beta", time.Time{}, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		_, ok, err = store.Last(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		events, err = store.Query(context.Background(), "missing", time.Time{}, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("LogOnTopOfStore", func(t *testing.T) {
		store := open(t)
		log := New(store, Options{})
		defer log.Close(context.Background())

		log.Emit("gamma", Started, "pipeline", "")
		log.Emit("gamma", EncoderReady, "encoder", "")
		require.NoError(t, log.Append(context.Background(), Event{StreamID: "gamma", Type: Stopped}))

		events, err := log.QueryRecent(context.Background(), "gamma", time.Hour, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, []Type{Started, EncoderReady, Stopped}, []Type{events[0].Type, events[1].Type, events[2].Type})
		assert.Equal(t, uint64(3), events[2].Seq)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestFileStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestFileStoreIgnoresTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, Event{StreamID: "s1", Seq: 1, Time: time.Now().UTC(), Type: Started}))

	file, err := os.OpenFile(store.path("s1"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = file.WriteString(`{"streamId":"s1","seq":2,"ty`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	events, err := store.Query(ctx, "s1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
}

func TestFileStoreNamesAreSafeAndDistinct(t *testing.T) {
	plain := fileName("stream-1")
	assert.Equal(t, "stream-1", plain)

	slash := fileName("a/b")
	underscore := fileName("a_b")
	assert.NotEqual(t, slash, underscore)
	assert.False(t, strings.ContainsAny(slash, `/\`))
	assert.NotEmpty(t, fileName(""))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), Event{StreamID: "s1", Seq: 7, Time: time.Now().UTC(), Type: Stopped}))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	last, ok, err := reopened.Last(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), last.Seq)
	assert.Equal(t, Stopped, last.Type)
}

func TestSQLiteStoreRejectsDuplicateSequence(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	event := Event{StreamID: "s1", Seq: 1, Time: time.Now().UTC(), Type: Started}
	require.NoError(t, store.Append(context.Background(), event))
	assert.Error(t, store.Append(context.Background(), event))
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}
