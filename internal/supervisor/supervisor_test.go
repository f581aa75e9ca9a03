package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/fallback"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
	"github.com/Cfomodz/RTMP-BASE/internal/pipeline"
	"github.com/Cfomodz/RTMP-BASE/internal/procgroup"
	"github.com/Cfomodz/RTMP-BASE/internal/profiler"
)

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

type fakeProc struct {
	role      string
	pid       int
	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once
	mu        sync.Mutex
	err       error
}

func (p *fakeProc) Role() string           { return p.role }
func (p *fakeProc) PID() int               { return p.pid }
func (p *fakeProc) Ready() <-chan struct{} { return p.ready }
func (p *fakeProc) Done() <-chan struct{}  { return p.done }
func (p *fakeProc) Stdin() io.WriteCloser  { return nopWriteCloser{} }

func (p *fakeProc) MarkReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *fakeProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProc) exit(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// rendererChild stands in for the display server and browser that xvfb-run
// forks. Only a group-wide Terminate reaches it.
const rendererChild = "renderer-child"

// fakeHost plays the operating system for every runner the supervisor
// creates.
type fakeHost struct {
	mu            sync.Mutex
	nextPID       int
	procs         []*fakeProc
	runners       []*fakeRunner
	launches      map[string]int
	rendererStuck bool
	// encoderCrashes is the number of encoder launches that exit right after
	// their first output. Negative means every launch.
	encoderCrashes int
}

func newFakeHost() *fakeHost {
	return &fakeHost{nextPID: 1000, launches: make(map[string]int)}
}

func (h *fakeHost) factory(string, *slog.Logger) procgroup.Runner {
	runner := &fakeRunner{host: h}
	h.mu.Lock()
	h.runners = append(h.runners, runner)
	h.mu.Unlock()
	return runner
}

// runnerOf returns the runner that launched the first process with role.
func (h *fakeHost) runnerOf(role string) *fakeRunner {
	h.mu.Lock()
	runners := append([]*fakeRunner(nil), h.runners...)
	h.mu.Unlock()
	for _, runner := range runners {
		runner.mu.Lock()
		for _, p := range runner.procs {
			if p.role == role {
				runner.mu.Unlock()
				return runner
			}
		}
		runner.mu.Unlock()
	}
	return nil
}

func (h *fakeHost) count(role string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if role == pipeline.RelayPrefix {
		n := 0
		for r, c := range h.launches {
			if strings.HasPrefix(r, pipeline.RelayPrefix) {
				n += c
			}
		}
		return n
	}
	return h.launches[role]
}

func (h *fakeHost) live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.procs {
		if p.alive() {
			n++
		}
	}
	return n
}

func (h *fakeHost) alive(role string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.procs {
		if p.role == role && p.alive() {
			n++
		}
	}
	return n
}

// kill makes every live process with role exit as if it crashed.
func (h *fakeHost) kill(role string) {
	h.mu.Lock()
	procs := append([]*fakeProc(nil), h.procs...)
	h.mu.Unlock()
	for _, p := range procs {
		if p.role == role {
			p.exit(errors.New("signal: segmentation fault"))
		}
	}
}

func (h *fakeHost) setRendererStuck(stuck bool) {
	h.mu.Lock()
	h.rendererStuck = stuck
	h.mu.Unlock()
}

func (h *fakeHost) setEncoderCrashes(n int) {
	h.mu.Lock()
	h.encoderCrashes = n
	h.mu.Unlock()
}

type fakeRunner struct {
	host       *fakeHost
	mu         sync.Mutex
	procs      []*fakeProc
	terminated bool
}

func (r *fakeRunner) Launch(ctx context.Context, spec procgroup.Spec) (procgroup.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := r.host
	h.mu.Lock()
	h.nextPID++
	proc := &fakeProc{role: spec.Role, pid: h.nextPID, ready: make(chan struct{}), done: make(chan struct{})}
	h.procs = append(h.procs, proc)
	h.launches[spec.Role]++
	var child *fakeProc
	if spec.Role == pipeline.RoleRenderer {
		h.nextPID++
		child = &fakeProc{role: rendererChild, pid: h.nextPID, ready: make(chan struct{}), done: make(chan struct{})}
		h.procs = append(h.procs, child)
	}
	crash := false
	if spec.Role == pipeline.RoleEncoder && h.encoderCrashes != 0 {
		crash = true
		if h.encoderCrashes > 0 {
			h.encoderCrashes--
		}
	}
	stuck := h.rendererStuck
	h.mu.Unlock()

	r.mu.Lock()
	r.procs = append(r.procs, proc)
	if child != nil {
		r.procs = append(r.procs, child)
	}
	r.mu.Unlock()

	switch {
	case spec.Role == pipeline.RoleRenderer:
		if !stuck {
			proc.MarkReady()
		}
	case spec.Role == pipeline.RoleEncoder:
		go func() {
			if spec.Stdout != nil {
				_, _ = spec.Stdout.Write([]byte("mpegts"))
			}
			if crash {
				time.Sleep(5 * time.Millisecond)
				proc.exit(errors.New("exit status 1"))
			}
		}()
	default:
		proc.MarkReady()
	}
	return proc, nil
}

func (r *fakeRunner) Stop(member procgroup.Member, _ time.Duration) error {
	member.(*fakeProc).exit(nil)
	return nil
}

func (r *fakeRunner) Terminate(time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = true
	for _, p := range r.procs {
		p.exit(errors.New("signal: terminated"))
	}
	return nil
}

func (r *fakeRunner) wasTerminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

func (r *fakeRunner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.procs {
		if p.alive() {
			n++
		}
	}
	return n
}

type fakeTiers struct {
	mu   sync.Mutex
	tier profiler.Tier
	rss  uint64
	load float64
}

func (f *fakeTiers) CurrentTier(context.Context) profiler.Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier
}

func (f *fakeTiers) Measure(context.Context) (profiler.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return profiler.Sample{AvailableMB: 4096, TotalMB: 8192, Load1: f.load}, nil
}

func (f *fakeTiers) setTier(level profiler.Level) {
	f.mu.Lock()
	f.tier = profiler.DefaultTiers()[level]
	f.mu.Unlock()
}

func (f *fakeTiers) setLoad(load float64) {
	f.mu.Lock()
	f.load = load
	f.mu.Unlock()
}

func (f *fakeTiers) ProcessRSSMB(int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rss, nil
}

type fakeNavigator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *fakeNavigator) Navigate(_ context.Context, port int, location string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, location)
	return n.err
}

func (n *fakeNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type harness struct {
	sup       *Supervisor
	host      *fakeHost
	tiers     *fakeTiers
	events    *eventlog.Log
	navigator *fakeNavigator
}

func testConfig() Config {
	return Config{
		StartupTimeout:    time.Second,
		StopGrace:         10 * time.Millisecond,
		HealthInterval:    10 * time.Millisecond,
		StabilityWindow:   time.Hour,
		StallTimeout:      time.Hour,
		Backoff:           fallback.Backoff{Base: time.Millisecond, Ceiling: 5 * time.Millisecond},
		RetryBudget:       3,
		TargetRetryBudget: 5,
	}
}

func newHarness(t *testing.T, cfg Config, planner Planner) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	events := eventlog.New(eventlog.NewMemoryStore(), eventlog.Options{Logger: logger, Metrics: recorder})
	h := &harness{
		host:      newFakeHost(),
		tiers:     &fakeTiers{tier: profiler.DefaultTiers()[profiler.Standard]},
		events:    events,
		navigator: &fakeNavigator{},
	}
	if planner == nil {
		planner = pipeline.NewBuilder(pipeline.DefaultConfig(), models.DefaultPlatforms())
	}
	sup, err := New(Options{
		Config:    cfg,
		Profiler:  h.tiers,
		Planner:   planner,
		NewRunner: h.host.factory,
		Events:    events,
		Navigator: h.navigator,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sup = sup
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
		_ = events.Close(ctx)
	})
	return h
}

func (h *harness) countEvents(t *testing.T, id string, typ eventlog.Type, component string) int {
	t.Helper()
	events, err := h.events.QueryRecent(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	n := 0
	for _, event := range events {
		if event.Type == typ && (component == "" || event.Component == component) {
			n++
		}
	}
	return n
}

func (h *harness) waitState(t *testing.T, id string, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	waitFor(t, "state "+string(want), func() bool {
		var ok bool
		snap, ok = h.sup.Status(id)
		return ok && snap.State == want
	})
	return snap
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func definition(id string) models.StreamDefinition {
	return models.StreamDefinition{
		ID:      id,
		Name:    "Overlay " + id,
		Source:  models.Source{Kind: models.SourceURL, Location: "https://example.com/overlay"},
		Quality: models.QualityMedium,
		Targets: []models.Target{
			{Label: "main", Platform: "youtube", Key: "key-" + id, Enabled: true},
		},
	}
}

func TestStartReachesRunning(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	snap, err := h.sup.Start(context.Background(), definition("s1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !snap.State.Active() {
		t.Fatalf("expected an active state after Start, got %s", snap.State)
	}

	snap = h.waitState(t, "s1", Running)
	if snap.Restarts != 0 || snap.Degraded {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.RendererPID == 0 || snap.EncoderPID == 0 {
		t.Fatalf("expected process ids in snapshot, got %+v", snap)
	}
	if snap.DevToolsPort != 9222 || snap.Tier != "standard" {
		t.Fatalf("unexpected layout in snapshot %+v", snap)
	}
	waitFor(t, "relay launch", func() bool { return h.host.count(pipeline.RelayPrefix) == 1 })

	for _, typ := range []eventlog.Type{eventlog.RendererReady, eventlog.EncoderReady, eventlog.Started} {
		if n := h.countEvents(t, "s1", typ, ""); n != 1 {
			t.Fatalf("expected one %s event, got %d", typ, n)
		}
	}
	if n := h.countEvents(t, "s1", eventlog.Restarted, ""); n != 0 {
		t.Fatalf("expected no restarts, got %d", n)
	}
}

func TestMinimalTierRunsDegraded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.tiers.setTier(profiler.Minimal)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := h.waitState(t, "s1", Degraded)
	if !snap.Degraded || snap.RendererPID != 0 {
		t.Fatalf("expected a renderer-less degraded pipeline, got %+v", snap)
	}
	if n := h.host.count(pipeline.RoleRenderer); n != 0 {
		t.Fatalf("expected no renderer launches on the minimal tier, got %d", n)
	}
	if n := h.countEvents(t, "s1", eventlog.DegradedFallback, ""); n != 1 {
		t.Fatalf("expected one degraded-fallback event, got %d", n)
	}
}

func TestEncoderCrashLoopExhaustsBudget(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.host.setEncoderCrashes(-1)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := h.waitState(t, "s1", FailedPermanently)
	if snap.Restarts != 3 {
		t.Fatalf("expected 3 restarts, got %d", snap.Restarts)
	}
	if n := h.countEvents(t, "s1", eventlog.Restarted, string(fallback.OriginEncoder)); n != 3 {
		t.Fatalf("expected exactly 3 restarted events, got %d", n)
	}
	if n := h.countEvents(t, "s1", eventlog.FailedPermanently, "supervisor"); n != 1 {
		t.Fatalf("expected exactly 1 failed-permanently event, got %d", n)
	}
	if n := h.host.count(pipeline.RoleEncoder); n != 3 {
		t.Fatalf("expected 3 encoder launches, got %d", n)
	}
	waitFor(t, "processes reaped", func() bool { return h.host.live() == 0 })

	if _, err := h.sup.Start(context.Background(), definition("s1")); !errors.Is(err, ErrFailedPermanently) {
		t.Fatalf("expected ErrFailedPermanently, got %v", err)
	}
}

func TestStopTearsDownEveryProcess(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Running)
	waitFor(t, "relay launch", func() bool { return h.host.count(pipeline.RelayPrefix) == 1 })

	snap, err := h.sup.Stop(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap.State != Stopped || snap.EncoderPID != 0 {
		t.Fatalf("unexpected snapshot after stop %+v", snap)
	}
	if live := h.host.live(); live != 0 {
		t.Fatalf("expected no live processes after stop, got %d", live)
	}
	if n := h.countEvents(t, "s1", eventlog.Stopped, ""); n != 1 {
		t.Fatalf("expected one stopped event, got %d", n)
	}

	// Stopping again is a no-op.
	if _, err := h.sup.Stop(context.Background(), "s1"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if n := h.countEvents(t, "s1", eventlog.Stopped, ""); n != 1 {
		t.Fatalf("expected idempotent stop, got %d stopped events", n)
	}
}

func TestStopInterruptsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = fallback.Backoff{Base: time.Hour, Ceiling: time.Hour}
	h := newHarness(t, cfg, nil)
	h.host.setEncoderCrashes(-1)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Restarting)

	done := make(chan struct{})
	go func() {
		_, _ = h.sup.Stop(context.Background(), "s1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind the restart backoff")
	}
	if snap, _ := h.sup.Status("s1"); snap.State != Stopped {
		t.Fatalf("expected stopped, got %s", snap.State)
	}
}

func TestConcurrentStartLaunchesOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	if failures.Load() != 0 {
		t.Fatalf("expected every Start to succeed, %d failed", failures.Load())
	}
	h.waitState(t, "s1", Running)
	if n := h.host.count(pipeline.RoleEncoder); n != 1 {
		t.Fatalf("expected a single encoder, got %d", n)
	}
}

func TestRendererNeverReadyDegradesWithinLaunch(t *testing.T) {
	cfg := testConfig()
	cfg.StartupTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.host.setRendererStuck(true)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := h.waitState(t, "s1", Degraded)
	if snap.ConsecutiveFailures != 0 || snap.Restarts != 0 {
		t.Fatalf("in-launch degrade must not count as a failure, got %+v", snap)
	}
	if n := h.countEvents(t, "s1", eventlog.DegradedFallback, ""); n != 1 {
		t.Fatalf("expected one degraded-fallback event, got %d", n)
	}
	if n := h.countEvents(t, "s1", eventlog.RendererReady, ""); n != 0 {
		t.Fatalf("expected no renderer-ready event, got %d", n)
	}
}

func TestInvalidDefinitionFailsPermanentlyUntilReset(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	bad := definition("s1")
	bad.Source.Location = "ftp://example.com/overlay"

	_, err := h.sup.Start(context.Background(), bad)
	if !errors.Is(err, pipeline.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	snap, _ := h.sup.Status("s1")
	if snap.State != FailedPermanently || snap.LastError == "" {
		t.Fatalf("expected failed-permanently with a reason, got %+v", snap)
	}
	if n := h.host.count(pipeline.RoleEncoder); n != 0 {
		t.Fatalf("expected nothing launched, got %d encoders", n)
	}

	if _, err := h.sup.Reset(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	h.waitState(t, "s1", Running)
}

func TestStabilityWindowClearsFailureCount(t *testing.T) {
	cfg := testConfig()
	cfg.StabilityWindow = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.host.setEncoderCrashes(1)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "failure counter reset", func() bool {
		snap, _ := h.sup.Status("s1")
		return snap.State == Running && snap.Restarts == 1 && snap.ConsecutiveFailures == 0
	})
}

func TestUpdateAppliesChangesInPlace(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	def := definition("s1")
	if _, err := h.sup.Start(context.Background(), def); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Running)
	waitFor(t, "first relay", func() bool { return h.host.count(pipeline.RelayPrefix) == 1 })

	def.Targets = append(def.Targets, models.Target{Label: "backup", Platform: "twitch", Key: "k2", Enabled: true})
	if _, err := h.sup.Update(context.Background(), def); err != nil {
		t.Fatalf("Update targets: %v", err)
	}
	waitFor(t, "second relay", func() bool { return h.host.count(pipeline.RelayPrefix) == 2 })
	if n := h.host.count(pipeline.RoleEncoder); n != 1 {
		t.Fatalf("adding a target must not restart the encoder, got %d launches", n)
	}

	def.Source.Location = "https://example.com/other"
	if _, err := h.sup.Update(context.Background(), def); err != nil {
		t.Fatalf("Update content: %v", err)
	}
	if h.navigator.count() != 1 {
		t.Fatalf("expected one navigation, got %d", h.navigator.count())
	}
	if n := h.host.count(pipeline.RoleEncoder); n != 1 {
		t.Fatalf("content change must not restart the encoder, got %d launches", n)
	}

	def.Quality = models.QualityLow
	if _, err := h.sup.Update(context.Background(), def); err != nil {
		t.Fatalf("Update quality: %v", err)
	}
	waitFor(t, "topology restart", func() bool {
		snap, _ := h.sup.Status("s1")
		return h.host.count(pipeline.RoleEncoder) == 2 && snap.State == Running
	})
	snap, _ := h.sup.Status("s1")
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("a requested restart must not count as a failure, got %d", snap.ConsecutiveFailures)
	}
	if snap.Quality == nil || snap.Quality.Height != 480 {
		t.Fatalf("expected the low preset after restart, got %+v", snap.Quality)
	}
}

func TestUpdateFallsBackToRestartWhenNavigationFails(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.navigator.err = errors.New("devtools unreachable")
	def := definition("s1")
	if _, err := h.sup.Start(context.Background(), def); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Running)

	def.Source.Location = "https://example.com/other"
	if _, err := h.sup.Update(context.Background(), def); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitFor(t, "restart", func() bool { return h.host.count(pipeline.RoleEncoder) == 2 })
}

func TestUpdateOfStoppedStream(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	if _, err := h.sup.Update(context.Background(), definition("ghost")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestRendererOverMemoryCeilingDegrades(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.tiers.rss = 4096

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := h.waitState(t, "s1", Degraded)
	if snap.Restarts != 1 || !strings.Contains(snap.LastError, "MiB") {
		t.Fatalf("expected a single resource restart, got %+v", snap)
	}
	if n := h.countEvents(t, "s1", eventlog.Restarted, string(fallback.OriginResource)); n != 1 {
		t.Fatalf("expected one resource restart event, got %d", n)
	}
}

func TestCapacityLimitDegradesExtraPipelines(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	tier := profiler.DefaultTiers()[profiler.Constrained]
	tier.MaxPipelines = 1
	h.tiers.mu.Lock()
	h.tiers.tier = tier
	h.tiers.mu.Unlock()

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start s1: %v", err)
	}
	h.waitState(t, "s1", Running)
	if _, err := h.sup.Start(context.Background(), definition("s2")); err != nil {
		t.Fatalf("Start s2: %v", err)
	}
	snap := h.waitState(t, "s2", Degraded)
	if snap.Slot != 1 {
		t.Fatalf("expected the second slot, got %d", snap.Slot)
	}
	if n := h.host.count(pipeline.RoleRenderer); n != 1 {
		t.Fatalf("expected one renderer across both streams, got %d", n)
	}
}

func TestSlotsAreReused(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	for _, id := range []string{"a", "b"} {
		if _, err := h.sup.Start(context.Background(), definition(id)); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
		h.waitState(t, id, Running)
	}
	if _, err := h.sup.Stop(context.Background(), "a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := h.sup.Start(context.Background(), definition("c")); err != nil {
		t.Fatalf("Start c: %v", err)
	}
	snap := h.waitState(t, "c", Running)
	if snap.Slot != 0 || snap.DevToolsPort != 9222 {
		t.Fatalf("expected the freed slot to be reused, got %+v", snap)
	}
}

func TestDegradedStreamReturnsToFullPipeline(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.tiers.setTier(profiler.Minimal)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Degraded)

	h.tiers.setTier(profiler.Full)
	h.host.kill(pipeline.RoleEncoder)

	snap := h.waitState(t, "s1", Running)
	if snap.Degraded || snap.RendererPID == 0 {
		t.Fatalf("expected the full pipeline back after the tier recovered, got %+v", snap)
	}
	if snap.Tier != "full" {
		t.Fatalf("expected the tier to be measured again, got %q", snap.Tier)
	}
	if n := h.host.count(pipeline.RoleRenderer); n != 1 {
		t.Fatalf("expected one renderer launch, got %d", n)
	}
}

func TestStableDegradedStreamIsPromoted(t *testing.T) {
	cfg := testConfig()
	cfg.StartupTimeout = 100 * time.Millisecond
	cfg.StabilityWindow = 150 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.host.setRendererStuck(true)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Degraded)
	h.host.setRendererStuck(false)

	snap := h.waitState(t, "s1", Running)
	if snap.Degraded || snap.RendererPID == 0 {
		t.Fatalf("expected a renderer after promotion, got %+v", snap)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("promotion must not count as a failure, got %d", snap.ConsecutiveFailures)
	}
	if n := h.host.count(pipeline.RoleRenderer); n != 2 {
		t.Fatalf("expected the stuck renderer and one relaunch, got %d", n)
	}
	if n := h.countEvents(t, "s1", eventlog.Restarted, "supervisor"); n != 1 {
		t.Fatalf("expected one promotion restart, got %d", n)
	}
}

func TestPinnedDegradeHoldsWhileRendererKeepsFailing(t *testing.T) {
	cfg := testConfig()
	cfg.StartupTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.host.setRendererStuck(true)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Degraded)
	h.host.kill(pipeline.RoleEncoder)

	waitFor(t, "relaunch", func() bool {
		snap, _ := h.sup.Status("s1")
		return snap.State == Degraded && h.host.count(pipeline.RoleEncoder) == 2
	})
	if n := h.host.count(pipeline.RoleRenderer); n != 1 {
		t.Fatalf("a pinned stream must not retry the renderer before promotion, got %d launches", n)
	}
	if n := h.countEvents(t, "s1", eventlog.DegradedFallback, ""); n != 1 {
		t.Fatalf("staying degraded must not emit another fallback event, got %d", n)
	}
}

func TestInLaunchDegradeTerminatesRendererGroup(t *testing.T) {
	cfg := testConfig()
	cfg.StartupTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.host.setRendererStuck(true)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Degraded)

	if n := h.host.alive(pipeline.RoleRenderer); n != 0 {
		t.Fatalf("expected the stuck renderer gone, %d alive", n)
	}
	if n := h.host.alive(rendererChild); n != 0 {
		t.Fatalf("expected the renderer's forked children gone, %d alive", n)
	}
	renderer := h.host.runnerOf(pipeline.RoleRenderer)
	if renderer == nil || !renderer.wasTerminated() {
		t.Fatal("expected the renderer's process group to be terminated")
	}
	encoder := h.host.runnerOf(pipeline.RoleEncoder)
	if encoder == nil || encoder == renderer {
		t.Fatal("expected the encoder to run in a fresh process group")
	}
	if encoder.wasTerminated() || h.host.alive(pipeline.RoleEncoder) != 1 {
		t.Fatal("expected the synthetic encoder to keep running")
	}
}

func TestStopWhileStarting(t *testing.T) {
	cfg := testConfig()
	cfg.StartupTimeout = time.Hour
	h := newHarness(t, cfg, nil)
	h.host.setRendererStuck(true)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "renderer launch", func() bool { return h.host.count(pipeline.RoleRenderer) == 1 })
	if snap, _ := h.sup.Status("s1"); snap.State != Starting {
		t.Fatalf("expected starting, got %s", snap.State)
	}

	done := make(chan struct{})
	go func() {
		_, _ = h.sup.Stop(context.Background(), "s1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind the renderer readiness wait")
	}
	if snap, _ := h.sup.Status("s1"); snap.State != Stopped {
		t.Fatalf("expected stopped, got %s", snap.State)
	}
	if live := h.host.live(); live != 0 {
		t.Fatalf("expected no live processes, got %d", live)
	}
	if n := h.host.count(pipeline.RoleEncoder); n != 0 {
		t.Fatalf("expected no encoder launch, got %d", n)
	}
}

func TestStopWhileDegraded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.tiers.setTier(profiler.Minimal)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitState(t, "s1", Degraded)
	waitFor(t, "relay launch", func() bool { return h.host.count(pipeline.RelayPrefix) == 1 })

	snap, err := h.sup.Stop(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap.State != Stopped || snap.EncoderPID != 0 || snap.Degraded {
		t.Fatalf("unexpected snapshot after stop %+v", snap)
	}
	if live := h.host.live(); live != 0 {
		t.Fatalf("expected no live processes, got %d", live)
	}
	if n := h.countEvents(t, "s1", eventlog.Stopped, ""); n != 1 {
		t.Fatalf("expected one stopped event, got %d", n)
	}
}

func TestSustainedLoadStepsQualityDown(t *testing.T) {
	cfg := testConfig()
	cfg.LoadCeiling = 0.5
	cfg.LoadSustain = 20 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.tiers.setLoad(1000)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var snap Snapshot
	waitFor(t, "quality step-down", func() bool {
		snap, _ = h.sup.Status("s1")
		return snap.State == Running && snap.Health.QualityCap == models.QualityLow && snap.Quality != nil
	})
	if snap.Quality.Height != 480 {
		t.Fatalf("expected the low preset, got %+v", snap.Quality)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("a quality step-down must not count as a failure, got %d", snap.ConsecutiveFailures)
	}
	recovery := snap.Health.Recovery
	if recovery.Attempts != 1 || recovery.LastAction != "reduce-quality" {
		t.Fatalf("expected one reduce-quality recovery, got %+v", recovery)
	}

	// Low is the floor, so the stream keeps running instead of restarting.
	time.Sleep(100 * time.Millisecond)
	if n := h.host.count(pipeline.RoleEncoder); n != 2 {
		t.Fatalf("expected one restart at the floor, got %d encoder launches", n)
	}
	if n := h.countEvents(t, "s1", eventlog.Restarted, "supervisor"); n != 1 {
		t.Fatalf("expected one restarted event, got %d", n)
	}
}

func TestEncoderStallStepsQualityDown(t *testing.T) {
	cfg := testConfig()
	cfg.StallTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "stall recovery", func() bool {
		snap, _ := h.sup.Status("s1")
		return snap.Health.QualityCap == models.QualityLow
	})
	if n := h.countEvents(t, "s1", eventlog.Restarted, string(fallback.OriginOverload)); n < 1 {
		t.Fatalf("expected an overload restart, got %d", n)
	}
	snap, _ := h.sup.Status("s1")
	if snap.Health.Recovery.Attempts < 1 {
		t.Fatalf("expected recoveries to be counted, got %+v", snap.Health.Recovery)
	}
}

func TestSnapshotCarriesHealth(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.host.setEncoderCrashes(1)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var snap Snapshot
	waitFor(t, "recovered pipeline", func() bool {
		snap, _ = h.sup.Status("s1")
		return snap.State == Running && snap.Restarts == 1
	})
	recovery := snap.Health.Recovery
	if recovery.Attempts != 1 || recovery.Successful != 1 || recovery.LastAction != "retry-same" {
		t.Fatalf("unexpected recovery stats %+v", recovery)
	}
	if snap.Health.Performance != 100 || snap.Health.Stability != 75 {
		t.Fatalf("unexpected health %+v", snap.Health)
	}
	if snap.Health.Score <= 0 {
		t.Fatalf("expected a positive score, got %v", snap.Health.Score)
	}

	if _, err := h.sup.Stop(context.Background(), "s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap, _ = h.sup.Status("s1")
	if snap.Health.Score != 100 {
		t.Fatalf("a stopped stream scores 100, got %v", snap.Health.Score)
	}
}

type panickyPlanner struct {
	*pipeline.Builder
	panics atomic.Int32
}

func (p *panickyPlanner) Build(def models.StreamDefinition, tier profiler.Tier, opts pipeline.Options) (*pipeline.Plan, error) {
	if p.panics.Add(1) == 1 {
		panic("boom")
	}
	return p.Builder.Build(def, tier, opts)
}

func TestPanicDuringAttemptIsRecovered(t *testing.T) {
	planner := &panickyPlanner{Builder: pipeline.NewBuilder(pipeline.DefaultConfig(), models.DefaultPlatforms())}
	h := newHarness(t, testConfig(), planner)

	if _, err := h.sup.Start(context.Background(), definition("s1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := h.waitState(t, "s1", Running)
	if snap.Restarts != 1 || !strings.Contains(snap.LastError, "panic") {
		t.Fatalf("expected the panic to count as one failure, got %+v", snap)
	}
}

func TestShutdownStopsEverythingAndRefusesStarts(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.sup.Start(context.Background(), definition(id)); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		h.waitState(t, id, Running)
	}
	if err := h.sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, snap := range h.sup.List() {
		if snap.State != Stopped {
			t.Fatalf("stream %s left in %s", snap.StreamID, snap.State)
		}
	}
	if live := h.host.live(); live != 0 {
		t.Fatalf("expected no live processes, got %d", live)
	}
	if _, err := h.sup.Start(context.Background(), definition("d")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Stopped, Starting, true},
		{Starting, Degraded, true},
		{Running, Restarting, true},
		{Restarting, FailedPermanently, true},
		{FailedPermanently, Stopped, true},
		{Stopped, Running, false},
		{Running, FailedPermanently, false},
		{Degraded, Running, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
