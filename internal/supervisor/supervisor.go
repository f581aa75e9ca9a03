// Package supervisor owns the process group of every active stream and runs
// one supervision goroutine per stream that launches, watches, restarts, and
// degrades its pipeline.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/fallback"
	"github.com/Cfomodz/RTMP-BASE/internal/fanout"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
	"github.com/Cfomodz/RTMP-BASE/internal/pipeline"
	"github.com/Cfomodz/RTMP-BASE/internal/procgroup"
	"github.com/Cfomodz/RTMP-BASE/internal/profiler"
)

// Config holds the timing and budget knobs.
type Config struct {
	StartupTimeout  time.Duration
	StopGrace       time.Duration
	HealthInterval  time.Duration
	StabilityWindow time.Duration
	// StallTimeout fails an encoder that produced no output for this long.
	StallTimeout time.Duration
	Backoff      fallback.Backoff
	RetryBudget  int
	// DegradeThreshold bounds the failure count at which renderer failures
	// still switch to the synthetic source. Zero means always.
	DegradeThreshold  int
	TargetRetryBudget int
	FanoutQueueDepth  int
	// LoadCeiling is the one-minute load average per CPU above which a
	// running stream steps its quality down once LoadSustain has passed.
	LoadCeiling float64
	LoadSustain time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		StartupTimeout:    30 * time.Second,
		StopGrace:         5 * time.Second,
		HealthInterval:    5 * time.Second,
		StabilityWindow:   time.Minute,
		StallTimeout:      30 * time.Second,
		Backoff:           fallback.DefaultBackoff(),
		RetryBudget:       3,
		TargetRetryBudget: 5,
		FanoutQueueDepth:  fanout.DefaultQueueDepth,
		LoadCeiling:       1.5,
		LoadSustain:       2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = def.StopGrace
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = def.StabilityWindow
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = def.StallTimeout
	}
	if c.Backoff == (fallback.Backoff{}) {
		c.Backoff = def.Backoff
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = def.RetryBudget
	}
	if c.TargetRetryBudget <= 0 {
		c.TargetRetryBudget = def.TargetRetryBudget
	}
	if c.FanoutQueueDepth <= 0 {
		c.FanoutQueueDepth = def.FanoutQueueDepth
	}
	if c.LoadCeiling <= 0 {
		c.LoadCeiling = def.LoadCeiling
	}
	if c.LoadSustain <= 0 {
		c.LoadSustain = def.LoadSustain
	}
	return c
}

// TierSource is the resource profiler.
type TierSource interface {
	CurrentTier(ctx context.Context) profiler.Tier
	Measure(ctx context.Context) (profiler.Sample, error)
	ProcessRSSMB(pid int) (uint64, error)
}

// Planner renders process commands. *pipeline.Builder implements it.
type Planner interface {
	Validate(def models.StreamDefinition) error
	Build(def models.StreamDefinition, tier profiler.Tier, opts pipeline.Options) (*pipeline.Plan, error)
	ResolveTargets(def models.StreamDefinition) ([]models.Target, error)
	RelaySpec(target models.Target) procgroup.Spec
}

// Navigator loads a new location into a running renderer.
type Navigator interface {
	Navigate(ctx context.Context, port int, location string) error
}

// RunnerFactory creates the process group of one attempt.
type RunnerFactory func(name string, logger *slog.Logger) procgroup.Runner

// OSRunners launches real process groups.
func OSRunners(name string, logger *slog.Logger) procgroup.Runner {
	return procgroup.New(name, logger)
}

// Options wires a Supervisor.
type Options struct {
	Config    Config
	Profiler  TierSource
	Planner   Planner
	NewRunner RunnerFactory
	Events    fanout.Emitter
	Navigator Navigator
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Supervisor is the only component that starts or signals pipeline
// processes.
type Supervisor struct {
	cfg       Config
	profiler  TierSource
	planner   Planner
	newRunner RunnerFactory
	events    fanout.Emitter
	navigator Navigator
	logger    *slog.Logger
	metrics   *metrics.Recorder
	cpus      int

	mu      sync.Mutex
	streams map[string]*stream
	slots   map[int]string
	closed  bool

	countMu sync.Mutex
	counts  map[State]int
}

// New validates opts and returns an idle supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Profiler == nil {
		return nil, errors.New("supervisor: profiler is required")
	}
	if opts.Planner == nil {
		return nil, errors.New("supervisor: planner is required")
	}
	if opts.NewRunner == nil {
		opts.NewRunner = OSRunners
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &Supervisor{
		cfg:       opts.Config.withDefaults(),
		profiler:  opts.Profiler,
		planner:   opts.Planner,
		newRunner: opts.NewRunner,
		events:    opts.Events,
		navigator: opts.Navigator,
		logger:    opts.Logger.With("component", "supervisor"),
		metrics:   opts.Metrics,
		cpus:      runtime.NumCPU(),
		streams:   make(map[string]*stream),
		slots:     make(map[int]string),
		counts:    make(map[State]int),
	}, nil
}

// stream is the arena entry of one stream id. op serialises lifecycle
// operations on the stream; mu guards the fields below it.
type stream struct {
	id string
	op sync.Mutex

	mu        sync.Mutex
	state     State
	since     time.Time
	def       models.StreamDefinition
	failures  int
	restarts  int
	lastErr   string
	tier      profiler.Tier
	startedAt time.Time
	slot      int
	hasSlot   bool
	runID     string
	current   *attempt
	cancel    context.CancelFunc
	done      chan struct{}
	restart   chan string

	// degraded reports whether the latest attempt runs the synthetic source.
	degraded bool
	// pinned holds the renderer failure that keeps later attempts synthetic
	// until a degraded run has been stable for a window.
	pinned      string
	qualityCap  models.QualityHint
	rendererRSS uint64
	recovery    recoveryLog
}

// attempt holds the processes of one launch.
type attempt struct {
	name     string
	runner   procgroup.Runner
	hub      *fanout.Hub
	fan      *fanout.Manager
	plan     *pipeline.Plan
	renderer procgroup.Member
	encoder  procgroup.Member
}

func (s *Supervisor) entry(id string, create bool) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok && create {
		st = &stream{id: id, state: Stopped, since: time.Now().UTC(), slot: -1}
		s.streams[id] = st
		s.adjustCount("", Stopped)
	}
	return st
}

func (s *Supervisor) emit(id string, typ eventlog.Type, component, detail string) {
	if s.events != nil {
		s.events.Emit(id, typ, component, detail)
	}
}

func (s *Supervisor) adjustCount(from, to State) {
	s.countMu.Lock()
	if from != "" {
		s.counts[from]--
	}
	s.counts[to]++
	snapshot := make(map[string]int, len(s.counts))
	for state, n := range s.counts {
		snapshot[string(state)] = n
	}
	s.countMu.Unlock()
	s.metrics.SetPipelineStates(snapshot)
}

func (s *Supervisor) activeCount() int {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.counts[Starting] + s.counts[Running] + s.counts[Degraded] + s.counts[Restarting]
}

// transition moves st to next. Callers hold st.mu.
func (s *Supervisor) transition(st *stream, next State) {
	prev := st.state
	if prev == next {
		return
	}
	if !CanTransition(prev, next) {
		s.logger.Warn("unexpected pipeline transition", "stream_id", st.id, "from", prev, "to", next)
	}
	st.state = next
	st.since = time.Now().UTC()
	s.adjustCount(prev, next)
	s.metrics.PipelineTransition(string(prev), string(next))
	s.logger.Info("pipeline transition", "stream_id", st.id, "from", prev, "to", next)
}

func (s *Supervisor) setState(st *stream, next State) {
	st.mu.Lock()
	s.transition(st, next)
	st.mu.Unlock()
}

func (s *Supervisor) allocateSlot(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.hasSlot {
		return
	}
	slot := 0
	for {
		if _, taken := s.slots[slot]; !taken {
			break
		}
		slot++
	}
	s.slots[slot] = st.id
	st.slot = slot
	st.hasSlot = true
}

func (s *Supervisor) releaseSlot(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !st.hasSlot {
		return
	}
	delete(s.slots, st.slot)
	st.hasSlot = false
}

// Start launches def unless it is already active. It returns as soon as the
// pipeline is Starting; progress is visible through Status.
func (s *Supervisor) Start(ctx context.Context, def models.StreamDefinition) (Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	st := s.entry(def.ID, true)
	st.op.Lock()
	defer st.op.Unlock()
	return s.startLocked(ctx, st, def)
}

func (s *Supervisor) startLocked(_ context.Context, st *stream, def models.StreamDefinition) (Snapshot, error) {
	st.mu.Lock()
	state := st.state
	st.mu.Unlock()
	switch {
	case state.Active():
		return s.snapshot(st), nil
	case state == FailedPermanently:
		return s.snapshot(st), ErrFailedPermanently
	}

	if err := s.planner.Validate(def); err != nil {
		st.mu.Lock()
		st.def = def.Clone()
		st.lastErr = err.Error()
		s.transition(st, FailedPermanently)
		st.mu.Unlock()
		s.metrics.PermanentFailure()
		s.emit(st.id, eventlog.FailedPermanently, "supervisor", err.Error())
		return s.snapshot(st), err
	}

	s.allocateSlot(st)
	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.def = def.Clone()
	st.failures = 0
	st.restarts = 0
	st.lastErr = ""
	st.degraded = false
	st.pinned = ""
	st.qualityCap = ""
	st.rendererRSS = 0
	st.recovery = recoveryLog{}
	st.cancel = cancel
	st.done = make(chan struct{})
	st.restart = make(chan string, 1)
	s.transition(st, Starting)
	done := st.done
	st.mu.Unlock()

	go s.supervise(ctx, st, done)
	return s.snapshot(st), nil
}

// Stop tears the pipeline down and leaves it Stopped. Stopping a stream that
// is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) (Snapshot, error) {
	st := s.entry(id, false)
	if st == nil {
		return Snapshot{StreamID: id, State: Stopped}, nil
	}
	st.op.Lock()
	defer st.op.Unlock()
	s.stopLocked(st, "stop requested")
	return s.snapshot(st), nil
}

func (s *Supervisor) stopLocked(st *stream, reason string) {
	st.mu.Lock()
	state := st.state
	cancel, done := st.cancel, st.done
	st.mu.Unlock()
	if state == Stopped {
		return
	}
	if cancel != nil {
		cancel()
		<-done
	}
	st.mu.Lock()
	st.cancel = nil
	st.current = nil
	st.degraded = false
	st.startedAt = time.Time{}
	s.transition(st, Stopped)
	st.mu.Unlock()
	s.releaseSlot(st)
	s.emit(st.id, eventlog.Stopped, "supervisor", reason)
}

// Reset clears FailedPermanently and starts def again.
func (s *Supervisor) Reset(ctx context.Context, def models.StreamDefinition) (Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return Snapshot{}, err
	}
	st := s.entry(def.ID, true)
	st.op.Lock()
	defer st.op.Unlock()
	st.mu.Lock()
	if st.state == FailedPermanently {
		st.failures = 0
		st.lastErr = ""
		s.transition(st, Stopped)
	}
	st.mu.Unlock()
	return s.startLocked(ctx, st, def)
}

// Update applies a new revision of a running stream's definition. Target
// changes are reconciled live, content changes navigate in place when the
// renderer supports it, and anything else restarts the pipeline without
// counting as a failure.
func (s *Supervisor) Update(ctx context.Context, def models.StreamDefinition) (Snapshot, error) {
	st := s.entry(def.ID, false)
	if st == nil {
		return Snapshot{StreamID: def.ID, State: Stopped}, ErrNotActive
	}
	st.op.Lock()
	defer st.op.Unlock()

	st.mu.Lock()
	active := st.state.Active()
	previous := st.def
	current := st.current
	degraded := st.degraded
	st.mu.Unlock()

	if !active {
		st.mu.Lock()
		st.def = def.Clone()
		st.mu.Unlock()
		return s.snapshot(st), ErrNotActive
	}
	if err := s.planner.Validate(def); err != nil {
		return s.snapshot(st), err
	}
	st.mu.Lock()
	st.def = def.Clone()
	st.mu.Unlock()

	diff := models.Diff(previous, def)
	logger := s.logger.With("stream_id", def.ID)
	if diff.Topology {
		if previous.Quality != def.Quality || !sameCustom(previous.Custom, def.Custom) {
			st.mu.Lock()
			st.qualityCap = ""
			st.mu.Unlock()
		}
		s.requestRestart(st, "pipeline layout changed")
		return s.snapshot(st), nil
	}
	if diff.Content {
		switch {
		case current == nil:
			// The next attempt picks up the new definition.
		case degraded:
			logger.Info("content updated while degraded; applies on next full launch")
		case current.renderer != nil && def.Source.Kind.SupportsNavigation() && s.navigator != nil:
			location := pipeline.NavigableLocation(def.Source)
			if err := s.navigator.Navigate(ctx, current.plan.DevToolsPort, location); err != nil {
				logger.Warn("in-place navigation failed, restarting", "error", err)
				s.requestRestart(st, "content changed")
				return s.snapshot(st), nil
			}
			logger.Info("navigated renderer", "kind", def.Source.Kind)
		default:
			s.requestRestart(st, "content changed")
			return s.snapshot(st), nil
		}
	}
	if diff.Targets && current != nil && current.fan != nil {
		targets, err := s.planner.ResolveTargets(def)
		if err != nil {
			return s.snapshot(st), err
		}
		added, removed := current.fan.Reconcile(targets)
		logger.Info("targets reconciled", "added", added, "removed", removed)
	}
	return s.snapshot(st), nil
}

func sameCustom(a, b *models.QualitySettings) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Supervisor) requestRestart(st *stream, reason string) {
	st.mu.Lock()
	restart := st.restart
	st.mu.Unlock()
	if restart == nil {
		return
	}
	select {
	case restart <- reason:
	default:
	}
}

// Status returns the snapshot of id.
func (s *Supervisor) Status(id string) (Snapshot, bool) {
	st := s.entry(id, false)
	if st == nil {
		return Snapshot{}, false
	}
	return s.snapshot(st), true
}

// List returns every known pipeline ordered by stream id.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	sort.Slice(streams, func(i, j int) bool { return streams[i].id < streams[j].id })
	out := make([]Snapshot, 0, len(streams))
	for _, st := range streams {
		out = append(out, s.snapshot(st))
	}
	return out
}

// Shutdown stops every pipeline concurrently and refuses new starts.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	group, _ := errgroup.WithContext(ctx)
	for _, st := range streams {
		st := st
		group.Go(func() error {
			st.op.Lock()
			defer st.op.Unlock()
			s.stopLocked(st, "orchestrator shutting down")
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}

func (s *Supervisor) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Supervisor) snapshot(st *stream) Snapshot {
	st.mu.Lock()
	snap := Snapshot{
		StreamID:            st.id,
		State:               st.state,
		Degraded:            st.degraded,
		ConsecutiveFailures: st.failures,
		Restarts:            st.restarts,
		LastError:           st.lastErr,
		StartedAt:           st.startedAt,
		StateSince:          st.since,
		RunID:               st.runID,
		Slot:                st.slot,
	}
	if st.state.Active() {
		snap.Tier = st.tier.Level.String()
	}
	if !st.startedAt.IsZero() {
		snap.Uptime = time.Since(st.startedAt).Round(time.Second)
	}
	current := st.current
	health := healthInput{
		state:      st.state,
		degraded:   st.degraded,
		rendererMB: st.rendererRSS,
		ceilingMB:  st.tier.RendererMemoryMB,
		failures:   st.failures,
		delivering: current != nil,
		qualityCap: st.qualityCap,
		recovery:   st.recovery.stats,
	}
	st.mu.Unlock()

	if current != nil {
		if current.plan != nil {
			quality := current.plan.Quality
			snap.Quality = &quality
			if current.plan.Renderer != nil {
				snap.DevToolsPort = current.plan.DevToolsPort
			}
		}
		if current.renderer != nil {
			snap.RendererPID = current.renderer.PID()
		}
		if current.encoder != nil {
			snap.EncoderPID = current.encoder.PID()
		}
		if current.fan != nil {
			snap.Targets = current.fan.Status()
		}
	}
	health.targets = snap.Targets
	snap.Health = scoreHealth(health)
	return snap
}
