package eventlog

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// FileStore writes one JSON-lines file per stream and fsyncs every append.
type FileStore struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileStore creates dir when needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("eventlog: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create event directory: %w", err)
	}
	return &FileStore{dir: dir, files: make(map[string]*os.File)}, nil
}

func (f *FileStore) Append(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	payload = append(payload, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.handle(event.StreamID)
	if err != nil {
		return err
	}
	if _, err := file.Write(payload); err != nil {
		f.drop(event.StreamID)
		return fmt.Errorf("write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		f.drop(event.StreamID)
		return fmt.Errorf("sync event file: %w", err)
	}
	return nil
}

func (f *FileStore) Query(ctx context.Context, streamID string, since time.Time, limit int) ([]Event, error) {
	events, err := f.readAll(ctx, streamID)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, event := range events {
		if event.Time.Before(since) {
			continue
		}
		out = append(out, event)
	}
	return keepRecent(out, limit), nil
}

func (f *FileStore) Last(ctx context.Context, streamID string) (Event, bool, error) {
	events, err := f.readAll(ctx, streamID)
	if err != nil || len(events) == 0 {
		return Event{}, false, err
	}
	return events[len(events)-1], true, nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for id, file := range f.files {
		errs = append(errs, file.Close())
		delete(f.files, id)
	}
	return errors.Join(errs...)
}

func (f *FileStore) readAll(ctx context.Context, streamID string) ([]Event, error) {
	file, err := os.Open(f.path(streamID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event file: %w", err)
	}
	defer file.Close()

	var events []Event
	reader := bufio.NewReader(file)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				return nil, fmt.Errorf("decode event file %s: %w", file.Name(), err)
			}
			events = append(events, event)
		}
		// A line without a trailing newline is a torn write and is ignored.
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return events, nil
			}
			return nil, fmt.Errorf("read event file: %w", readErr)
		}
	}
}

func (f *FileStore) handle(streamID string) (*os.File, error) {
	if file, ok := f.files[streamID]; ok {
		return file, nil
	}
	file, err := os.OpenFile(f.path(streamID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	f.files[streamID] = file
	return file, nil
}

func (f *FileStore) drop(streamID string) {
	if file, ok := f.files[streamID]; ok {
		_ = file.Close()
		delete(f.files, streamID)
	}
}

func (f *FileStore) path(streamID string) string {
	return filepath.Join(f.dir, fileName(streamID)+".jsonl")
}

// fileName maps a stream id to a safe file name, suffixing a digest whenever
// characters had to be replaced so distinct ids never collide.
func fileName(streamID string) string {
	var b strings.Builder
	changed := false
	for _, r := range streamID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	name := b.String()
	if name == "" || changed {
		sum := blake2b.Sum256([]byte(streamID))
		name += "-" + hex.EncodeToString(sum[:6])
	}
	return name
}
