package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps events in process memory. It is durable only for the
// lifetime of the process and is meant for tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

func (m *MemoryStore) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	m.events[event.StreamID] = append(m.events[event.StreamID], event)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Query(_ context.Context, streamID string, since time.Time, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, event := range m.events[streamID] {
		if event.Time.Before(since) {
			continue
		}
		out = append(out, event)
	}
	return keepRecent(out, limit), nil
}

func (m *MemoryStore) Last(_ context.Context, streamID string) (Event, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[streamID]
	if len(events) == 0 {
		return Event{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (m *MemoryStore) Close() error { return nil }
