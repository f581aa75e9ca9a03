package fanout

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/fallback"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
	"github.com/Cfomodz/RTMP-BASE/internal/procgroup"
)

type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeMember struct {
	role      string
	ready     chan struct{}
	done      chan struct{}
	stdin     *syncBuffer
	readyOnce sync.Once
	doneOnce  sync.Once
	mu        sync.Mutex
	err       error
}

func newFakeMember(role string) *fakeMember {
	return &fakeMember{role: role, ready: make(chan struct{}), done: make(chan struct{}), stdin: &syncBuffer{}}
}

func (f *fakeMember) Role() string           { return f.role }
func (f *fakeMember) PID() int               { return 1 }
func (f *fakeMember) Ready() <-chan struct{} { return f.ready }
func (f *fakeMember) Done() <-chan struct{}  { return f.done }
func (f *fakeMember) Stdin() io.WriteCloser  { return f.stdin }
func (f *fakeMember) MarkReady()             { f.readyOnce.Do(func() { close(f.ready) }) }

func (f *fakeMember) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeMember) exited() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeMember) exit(err error) {
	f.doneOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		_ = f.stdin.Close()
		close(f.done)
	})
}

type fakeRunner struct {
	mu        sync.Mutex
	members   []*fakeMember
	launchErr map[string]error
}

func (r *fakeRunner) Launch(_ context.Context, spec procgroup.Spec) (procgroup.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.launchErr[spec.Role]; err != nil {
		return nil, err
	}
	member := newFakeMember(spec.Role)
	member.MarkReady()
	r.members = append(r.members, member)
	return member, nil
}

func (r *fakeRunner) Stop(member procgroup.Member, _ time.Duration) error {
	member.(*fakeMember).exit(nil)
	return nil
}

func (r *fakeRunner) Terminate(time.Duration) error { return nil }
func (r *fakeRunner) Live() int                     { return 0 }

func (r *fakeRunner) byRole(role string) []*fakeMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeMember
	for _, m := range r.members {
		if m.role == role {
			out = append(out, m)
		}
	}
	return out
}

type relayBuilder struct{}

func (relayBuilder) RelaySpec(target models.Target) procgroup.Spec {
	return procgroup.Spec{Role: "relay:" + target.Name(), Path: "ffmpeg", Stdin: true}
}

type recordedEvent struct {
	typ       eventlog.Type
	component string
	detail    string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *eventRecorder) Emit(_ string, typ eventlog.Type, component, detail string) {
	e.mu.Lock()
	e.events = append(e.events, recordedEvent{typ, component, detail})
	e.mu.Unlock()
}

func (e *eventRecorder) count(typ eventlog.Type, component string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.typ == typ && ev.component == component {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func target(label, key string) models.Target {
	return models.Target{Label: label, Endpoint: "rtmp://ingest.example.com/live", Key: key, Enabled: true}
}

func newTestManager(runner *fakeRunner, events *eventRecorder, hub *Hub, budget int) *Manager {
	return NewManager(Options{
		StreamID:    "s1",
		Hub:         hub,
		Runner:      runner,
		Relays:      relayBuilder{},
		Events:      events,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     metrics.New(),
		Backoff:     fallback.Backoff{Base: time.Millisecond, Ceiling: 5 * time.Millisecond},
		RetryBudget: budget,
		StopGrace:   time.Millisecond,
	})
}

func TestHubDuplicatesWithoutBlocking(t *testing.T) {
	hub := NewHub()
	fast := hub.Subscribe(8)
	slow := hub.Subscribe(1)

	select {
	case <-hub.FirstData():
		t.Fatal("FirstData closed before any write")
	default:
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			_, _ = hub.Write([]byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub write blocked on a full subscriber")
	}

	<-hub.FirstData()
	if !slow.Dropped() {
		t.Fatal("expected lagging subscriber to be cut loose")
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber left, got %d", hub.Subscribers())
	}
	var got []byte
	for i := 0; i < 4; i++ {
		got = append(got, (<-fast.C())...)
	}
	if !bytes.Equal(got, []byte{0, 1, 2, 3}) {
		t.Fatalf("unexpected chunk order %v", got)
	}
	if hub.Bytes() != 4 {
		t.Fatalf("expected 4 bytes counted, got %d", hub.Bytes())
	}

	hub.Close()
	if _, ok := <-fast.C(); ok {
		t.Fatal("expected subscription to close with the hub")
	}
}

func TestHubWriteDoesNotAliasCallerBuffer(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(2)
	buf := []byte("abc")
	_, _ = hub.Write(buf)
	buf[0] = 'z'
	if got := string(<-sub.C()); got != "abc" {
		t.Fatalf("expected copied chunk, got %q", got)
	}
}

func TestFingerprintHidesKey(t *testing.T) {
	a := Fingerprint(target("main", "super-secret"))
	b := Fingerprint(target("main", "other-secret"))
	if a == b {
		t.Fatal("different keys must produce different sessions")
	}
	if strings.Contains(a, "secret") || len(a) != 16 {
		t.Fatalf("unexpected fingerprint %q", a)
	}
}

func TestReconcileAddsAndRemovesIndependently(t *testing.T) {
	runner := &fakeRunner{}
	events := &eventRecorder{}
	hub := NewHub()
	manager := newTestManager(runner, events, hub, 3)
	defer manager.Close()

	added, removed := manager.Reconcile([]models.Target{target("a", "ka"), target("b", "kb")})
	if added != 2 || removed != 0 {
		t.Fatalf("expected 2 added, got added=%d removed=%d", added, removed)
	}
	waitFor(t, "both relays", func() bool { return len(runner.byRole("relay:a")) == 1 && len(runner.byRole("relay:b")) == 1 })
	waitFor(t, "both sessions subscribed", func() bool { return hub.Subscribers() == 2 })

	_, _ = hub.Write([]byte("ts-packet"))
	relayA := runner.byRole("relay:a")[0]
	relayB := runner.byRole("relay:b")[0]
	waitFor(t, "data at both relays", func() bool {
		return relayA.stdin.String() == "ts-packet" && relayB.stdin.String() == "ts-packet"
	})

	added, removed = manager.Reconcile([]models.Target{target("a", "ka"), target("c", "kc")})
	if added != 1 || removed != 1 {
		t.Fatalf("expected 1 added and 1 removed, got added=%d removed=%d", added, removed)
	}
	if !relayB.exited() {
		t.Fatal("removed target's relay must be stopped")
	}
	if relayA.exited() || len(runner.byRole("relay:a")) != 1 {
		t.Fatal("unchanged target must keep its relay")
	}
	waitFor(t, "relay c", func() bool { return len(runner.byRole("relay:c")) == 1 })

	status := manager.Status()
	if len(status) != 2 || status[0].Target != "a" || status[1].Target != "c" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestRelayFailureIsIsolated(t *testing.T) {
	runner := &fakeRunner{}
	events := &eventRecorder{}
	hub := NewHub()
	manager := newTestManager(runner, events, hub, 5)
	defer manager.Close()

	manager.Reconcile([]models.Target{target("a", "ka"), target("b", "kb")})
	waitFor(t, "both relays", func() bool { return len(runner.byRole("relay:a")) == 1 && len(runner.byRole("relay:b")) == 1 })

	runner.byRole("relay:b")[0].exit(errors.New("connection reset by peer"))
	waitFor(t, "relay b restarted", func() bool { return len(runner.byRole("relay:b")) == 2 })

	if runner.byRole("relay:a")[0].exited() || len(runner.byRole("relay:a")) != 1 {
		t.Fatal("sibling relay must not be touched")
	}
	if events.count(eventlog.Restarted, "target:b") != 1 {
		t.Fatalf("expected one restarted event for target b, got %+v", events.events)
	}
	if events.count(eventlog.Restarted, "target:a") != 0 {
		t.Fatal("sibling target must not emit events")
	}
}

func TestSessionGivesUpAfterBudget(t *testing.T) {
	runner := &fakeRunner{launchErr: map[string]error{"relay:bad": errors.New("exec: ffmpeg not found")}}
	events := &eventRecorder{}
	manager := newTestManager(runner, events, NewHub(), 2)
	defer manager.Close()

	manager.Reconcile([]models.Target{target("bad", "k"), target("good", "k2")})
	waitFor(t, "session failed", func() bool {
		for _, status := range manager.Status() {
			if status.Target == "bad" && status.State == SessionFailed {
				return true
			}
		}
		return false
	})
	if events.count(eventlog.FailedPermanently, "target:bad") != 1 {
		t.Fatalf("expected a failed-permanently event, got %+v", events.events)
	}
	for _, status := range manager.Status() {
		if status.Target == "good" && status.State == SessionFailed {
			t.Fatal("healthy target must keep delivering")
		}
	}
}

func TestRelayWriteFailureRestartsSession(t *testing.T) {
	runner := &fakeRunner{}
	events := &eventRecorder{}
	hub := NewHub()
	manager := NewManager(Options{
		StreamID:   "s1",
		Hub:        hub,
		Runner:     runner,
		Relays:     relayBuilder{},
		Events:     events,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    metrics.New(),
		Backoff:    fallback.Backoff{Base: time.Millisecond, Ceiling: time.Millisecond},
		QueueDepth: 1,
	})
	defer manager.Close()

	manager.Reconcile([]models.Target{target("a", "ka")})
	waitFor(t, "relay", func() bool { return hub.Subscribers() == 1 })
	relay := runner.byRole("relay:a")[0]
	relay.stdin.Close()

	waitFor(t, "relay relaunch", func() bool {
		_, _ = hub.Write([]byte("x"))
		return len(runner.byRole("relay:a")) >= 2
	})
	if events.count(eventlog.Restarted, "target:a") == 0 {
		t.Fatal("expected restart event for the broken relay")
	}
}

func TestCloseStopsEverySession(t *testing.T) {
	runner := &fakeRunner{}
	manager := newTestManager(runner, &eventRecorder{}, NewHub(), 3)
	manager.Reconcile([]models.Target{target("a", "ka"), target("b", "kb")})
	waitFor(t, "relays", func() bool { return len(runner.byRole("relay:a")) == 1 && len(runner.byRole("relay:b")) == 1 })

	manager.Close()
	for _, role := range []string{"relay:a", "relay:b"} {
		if !runner.byRole(role)[0].exited() {
			t.Fatalf("%s still running after Close", role)
		}
	}
	if added, _ := manager.Reconcile([]models.Target{target("c", "kc")}); added != 0 {
		t.Fatal("closed manager must not start sessions")
	}
}
