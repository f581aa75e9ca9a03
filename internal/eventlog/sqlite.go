package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stream_events (
	stream_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	occurred_at_ns INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	component TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (stream_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_stream_events_time ON stream_events (stream_id, occurred_at_ns);
`

// SQLiteStore persists events in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. The connection runs
// in WAL mode with full synchronous commits.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("eventlog: sqlite path is required")
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite event log: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite event log: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
}

func (s *SQLiteStore) Append(ctx context.Context, event Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_events (stream_id, seq, occurred_at_ns, event_type, component, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		event.StreamID, event.Seq, event.Time.UnixNano(), string(event.Type), event.Component, event.Detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, streamID string, since time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	var sinceNs int64
	if !since.IsZero() {
		sinceNs = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, seq, occurred_at_ns, event_type, component, detail
		FROM stream_events WHERE stream_id = ? AND occurred_at_ns >= ?
		ORDER BY seq DESC LIMIT ?`,
		streamID, sinceNs, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	events, err := scanSQLiteEvents(rows)
	if err != nil {
		return nil, err
	}
	reverse(events)
	return events, nil
}

func (s *SQLiteStore) Last(ctx context.Context, streamID string) (Event, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, seq, occurred_at_ns, event_type, component, detail
		FROM stream_events WHERE stream_id = ? ORDER BY seq DESC LIMIT 1`, streamID)
	if err != nil {
		return Event{}, false, fmt.Errorf("query last event: %w", err)
	}
	defer rows.Close()
	events, err := scanSQLiteEvents(rows)
	if err != nil || len(events) == 0 {
		return Event{}, false, err
	}
	return events[0], true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			event Event
			ns    int64
			typ   string
		)
		if err := rows.Scan(&event.StreamID, &event.Seq, &ns, &typ, &event.Component, &event.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Time = time.Unix(0, ns).UTC()
		event.Type = Type(typ)
		events = append(events, event)
	}
	return events, rows.Err()
}

func reverse(events []Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
