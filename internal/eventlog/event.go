// Package eventlog keeps the append-only, per-stream history of pipeline
// lifecycle transitions and failures.
package eventlog

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxDetailRunes bounds the free-form detail stored with an event.
const MaxDetailRunes = 512

// Type is the closed set of lifecycle event kinds.
type Type string

const (
	Started           Type = "started"
	RendererReady     Type = "renderer-ready"
	EncoderReady      Type = "encoder-ready"
	DegradedFallback  Type = "degraded-fallback"
	Restarted         Type = "restarted"
	Stopped           Type = "stopped"
	FailedPermanently Type = "failed-permanently"
)

// Valid reports whether t belongs to the closed set.
func (t Type) Valid() bool {
	switch t {
	case Started, RendererReady, EncoderReady, DegradedFallback, Restarted, Stopped, FailedPermanently:
		return true
	default:
		return false
	}
}

// ErrInvalidEvent is returned for events with an unknown type or no stream id.
var ErrInvalidEvent = errors.New("eventlog: invalid event")

// ErrClosed is returned once the log has been closed.
var ErrClosed = errors.New("eventlog: closed")

// Event is one immutable history record. Seq increases by one per stream and
// Time never decreases within a stream.
type Event struct {
	StreamID  string    `json:"streamId"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Type      Type      `json:"type"`
	Component string    `json:"component,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func (e Event) validate() error {
	if strings.TrimSpace(e.StreamID) == "" || !e.Type.Valid() {
		return ErrInvalidEvent
	}
	return nil
}

// Store is a durable backend. Append must not return until the event is
// persisted. Query returns events at or after since in ascending sequence
// order; when limit is positive only the most recent limit events are kept.
type Store interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, streamID string, since time.Time, limit int) ([]Event, error)
	// Last returns the most recent event of a stream, or ok=false when there is none.
	Last(ctx context.Context, streamID string) (Event, bool, error)
	Close() error
}

// SanitizeDetail normalises text to NFC, replaces control characters with
// spaces, collapses whitespace, and truncates to MaxDetailRunes.
func SanitizeDetail(detail string) string {
	if detail == "" {
		return ""
	}
	t := transform.Chain(norm.NFC, runes.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return ' '
		}
		return r
	}))
	cleaned, _, err := transform.String(t, detail)
	if err != nil {
		cleaned = strings.ToValidUTF8(detail, " ")
	}
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) <= MaxDetailRunes {
		return cleaned
	}
	truncated := []rune(cleaned)[:MaxDetailRunes-1]
	return string(truncated) + "…"
}

// keepRecent trims ascending events to the last limit entries.
func keepRecent(events []Event, limit int) []Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}
