package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Cfomodz/RTMP-BASE/internal/storage"
)

// PostgresSchema creates the event table.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stream_events (
		stream_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		component TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (stream_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_time ON stream_events (stream_id, occurred_at)`,
}

// PostgresStore persists events in Postgres.
type PostgresStore struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	closeWait time.Duration
}

// NewPostgresStore wraps an existing pool and applies the schema. The pool is
// not closed by Close.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := storage.ApplySchema(ctx, pool, PostgresSchema...); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// OpenPostgres opens a dedicated pool for the event log.
func OpenPostgres(ctx context.Context, cfg storage.PostgresConfig) (*PostgresStore, error) {
	pool, err := storage.OpenPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.ownsPool = true
	store.closeWait = 5 * time.Second
	return store, nil
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stream_events (stream_id, seq, occurred_at, event_type, component, detail) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.StreamID, int64(event.Seq), event.Time, string(event.Type), event.Component, event.Detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, streamID string, since time.Time, limit int) ([]Event, error) {
	query := `SELECT stream_id, seq, occurred_at, event_type, component, detail
		FROM stream_events WHERE stream_id = $1 AND occurred_at >= $2
		ORDER BY seq DESC`
	args := []any{streamID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanPostgresEvent)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	reverse(events)
	return events, nil
}

func (s *PostgresStore) Last(ctx context.Context, streamID string) (Event, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stream_id, seq, occurred_at, event_type, component, detail
		FROM stream_events WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`, streamID)
	if err != nil {
		return Event{}, false, fmt.Errorf("query last event: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanPostgresEvent)
	if err != nil {
		return Event{}, false, fmt.Errorf("scan last event: %w", err)
	}
	if len(events) == 0 {
		return Event{}, false, nil
	}
	return events[0], true, nil
}

func (s *PostgresStore) Close() error {
	if !s.ownsPool {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.closeWait)
	defer cancel()
	return storage.ClosePool(ctx, s.pool)
}

func scanPostgresEvent(row pgx.CollectableRow) (Event, error) {
	var (
		event Event
		seq   int64
		typ   string
	)
	if err := row.Scan(&event.StreamID, &seq, &event.Time, &typ, &event.Component, &event.Detail); err != nil {
		return Event{}, err
	}
	event.Seq = uint64(seq)
	event.Type = Type(typ)
	event.Time = event.Time.UTC()
	return event, nil
}
