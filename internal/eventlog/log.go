package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
)

const (
	defaultWriteAttempts = 3
	defaultRetryDelay    = 200 * time.Millisecond
)

// Options configures a Log.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// WriteAttempts bounds retries of a failing store append.
	WriteAttempts int
	RetryDelay    time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

type pending struct {
	event   Event
	barrier bool
	result  chan error
}

type streamClock struct {
	seq  uint64
	last time.Time
}

// Log fronts a Store with an unbounded FIFO drained by a single writer, so
// emitting never blocks the caller and per-stream order equals emit order.
// Sequence numbers and timestamps are assigned by the writer.
type Log struct {
	store         Store
	logger        *slog.Logger
	metrics       *metrics.Recorder
	now           func() time.Time
	writeAttempts int
	retryDelay    time.Duration

	mu       sync.Mutex
	queue    []pending
	inflight int
	wake     chan struct{}
	closed   bool

	clocks map[string]*streamClock

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the writer goroutine for store.
func New(store Store, opts Options) *Log {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	attempts := opts.WriteAttempts
	if attempts <= 0 {
		attempts = defaultWriteAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		store:         store,
		logger:        logger,
		metrics:       recorder,
		now:           now,
		writeAttempts: attempts,
		retryDelay:    delay,
		wake:          make(chan struct{}, 1),
		clocks:        make(map[string]*streamClock),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go l.run()
	return l
}

// Emit queues an event and returns immediately. Failures to persist are
// logged and counted; use Append to observe them.
func (l *Log) Emit(streamID string, typ Type, component, detail string) {
	event := Event{StreamID: streamID, Type: typ, Component: component, Detail: SanitizeDetail(detail)}
	if err := event.validate(); err != nil {
		l.logger.Error("dropping invalid event", "stream_id", streamID, "type", string(typ))
		return
	}
	_ = l.enqueue(pending{event: event})
}

// Append queues an event and waits until it is durable or ctx ends. The event
// stays queued when ctx ends first.
func (l *Log) Append(ctx context.Context, event Event) error {
	event.Detail = SanitizeDetail(event.Detail)
	if err := event.validate(); err != nil {
		return err
	}
	result := make(chan error, 1)
	if err := l.enqueue(pending{event: event, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every event queued before the call has been written.
func (l *Log) Flush(ctx context.Context) error {
	result := make(chan error, 1)
	if err := l.enqueue(pending{barrier: true, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueryRecent returns events of streamID from the last window, oldest first,
// keeping at most limit of the newest when limit is positive. Queued events
// are flushed first so callers read their own writes.
func (l *Log) QueryRecent(ctx context.Context, streamID string, window time.Duration, limit int) ([]Event, error) {
	if err := l.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
		return nil, err
	}
	var since time.Time
	if window > 0 {
		since = l.now().Add(-window)
	}
	return l.store.Query(ctx, streamID, since, limit)
}

// Backlog reports the number of entries not yet written.
func (l *Log) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) + l.inflight
}

// Close drains the queue, bounded by ctx, then closes the store.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.signal()

	var drainErr error
	select {
	case <-l.done:
	case <-ctx.Done():
		drainErr = fmt.Errorf("eventlog: drain interrupted with %d events queued: %w", l.Backlog(), ctx.Err())
		l.cancel()
		<-l.done
	}
	l.cancel()
	return errors.Join(drainErr, l.store.Close())
}

func (l *Log) enqueue(p pending) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, p)
	backlog := len(l.queue)
	l.mu.Unlock()
	l.metrics.SetEventLogBacklog(backlog)
	l.signal()
	return nil
}

func (l *Log) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Log) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.inflight = len(batch)
		closed := l.closed
		l.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-l.wake
			continue
		}

		for _, p := range batch {
			var err error
			if !p.barrier {
				err = l.write(p.event)
			}
			l.mu.Lock()
			l.inflight--
			l.mu.Unlock()
			if p.result != nil {
				p.result <- err
			}
		}
		l.metrics.SetEventLogBacklog(l.Backlog())
	}
}

func (l *Log) write(event Event) error {
	if err := l.ctx.Err(); err != nil {
		return err
	}
	clock, err := l.clock(event.StreamID)
	if err != nil {
		l.metrics.EventLogAppend("error")
		l.logger.Error("event log unavailable", "stream_id", event.StreamID, "error", err)
		return err
	}

	stamped := l.now().UTC()
	if !stamped.After(clock.last) {
		stamped = clock.last.Add(time.Microsecond)
	}
	event.Time = stamped
	event.Seq = clock.seq + 1

	for attempt := 1; ; attempt++ {
		err = l.store.Append(l.ctx, event)
		if err == nil {
			break
		}
		if attempt >= l.writeAttempts || l.ctx.Err() != nil {
			l.metrics.EventLogAppend("error")
			l.logger.Error("event append failed",
				"stream_id", event.StreamID,
				"type", string(event.Type),
				"attempts", attempt,
				"error", err)
			return fmt.Errorf("eventlog: append %s for %s: %w", event.Type, event.StreamID, err)
		}
		select {
		case <-time.After(l.retryDelay * time.Duration(attempt)):
		case <-l.ctx.Done():
		}
	}

	clock.seq = event.Seq
	clock.last = event.Time
	l.metrics.EventLogAppend("ok")
	return nil
}

// clock returns the sequence state of a stream, resuming from the store the
// first time a stream is seen.
func (l *Log) clock(streamID string) (*streamClock, error) {
	if clock, ok := l.clocks[streamID]; ok {
		return clock, nil
	}
	last, ok, err := l.store.Last(l.ctx, streamID)
	if err != nil {
		return nil, err
	}
	clock := &streamClock{}
	if ok {
		clock.seq = last.Seq
		clock.last = last.Time
	}
	l.clocks[streamID] = clock
	return clock, nil
}
