// Package orchestrator is the entry point of the control surface. It resolves
// stream ids through the registry, hands definitions to the supervisor, and
// records run intent so a restarted daemon can bring streams back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/logging"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
	"github.com/Cfomodz/RTMP-BASE/internal/registry"
	"github.com/Cfomodz/RTMP-BASE/internal/supervisor"
)

// ErrInvalidSource is returned by UpdateContent for an empty or unknown source.
var ErrInvalidSource = errors.New("invalid source")

const (
	defaultReconcileInterval = 10 * time.Second
	defaultRecoverParallel   = 4
	defaultEventWindow       = 24 * time.Hour
)

// Registry is the part of the registry the orchestrator reads and writes.
type Registry interface {
	ListStreams(ctx context.Context) ([]models.StreamDefinition, error)
	GetStream(ctx context.Context, id string) (models.StreamDefinition, error)
	SaveStream(ctx context.Context, def models.StreamDefinition) (models.StreamDefinition, error)
	SetIntent(ctx context.Context, id string, intent models.RunIntent) error
	GetTemplate(ctx context.Context, id string) (models.Template, error)
	ListPlatforms(ctx context.Context) ([]models.Platform, error)
}

// PlatformCatalog receives the platform list on every reconcile.
// *pipeline.Builder implements it.
type PlatformCatalog interface {
	SetPlatforms(platforms []models.Platform)
}

// Pipelines is the supervisor surface. *supervisor.Supervisor implements it.
type Pipelines interface {
	Start(ctx context.Context, def models.StreamDefinition) (supervisor.Snapshot, error)
	Stop(ctx context.Context, id string) (supervisor.Snapshot, error)
	Reset(ctx context.Context, def models.StreamDefinition) (supervisor.Snapshot, error)
	Update(ctx context.Context, def models.StreamDefinition) (supervisor.Snapshot, error)
	Status(id string) (supervisor.Snapshot, bool)
	List() []supervisor.Snapshot
	Shutdown(ctx context.Context) error
}

// History is the event log query surface.
type History interface {
	QueryRecent(ctx context.Context, streamID string, window time.Duration, limit int) ([]eventlog.Event, error)
}

// Options wires a Facade.
type Options struct {
	Registry  Registry
	Pipelines Pipelines
	History   History
	// Platforms, when set, is refreshed from the registry by Reconcile.
	Platforms PlatformCatalog
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// ReconcileInterval is how often Run polls the registry for edits.
	ReconcileInterval time.Duration
	// RecoverParallel bounds concurrent launches during Recover.
	RecoverParallel int
}

// StreamStatus is the pipeline snapshot of a stream plus its registry identity.
type StreamStatus struct {
	supervisor.Snapshot
	Name   string           `json:"name"`
	Intent models.RunIntent `json:"intent,omitempty"`
	Source models.Source    `json:"source"`
}

// Facade composes the registry, supervisor, and event log. It holds no
// process handles.
type Facade struct {
	registry  Registry
	pipelines Pipelines
	history   History
	platforms PlatformCatalog
	logger    *slog.Logger
	metrics   *metrics.Recorder
	interval  time.Duration
	parallel  int

	mu      sync.Mutex
	applied map[string]time.Time
}

// New validates opts and returns a Facade.
func New(opts Options) (*Facade, error) {
	if opts.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if opts.Pipelines == nil {
		return nil, errors.New("orchestrator: supervisor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := opts.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	parallel := opts.RecoverParallel
	if parallel <= 0 {
		parallel = defaultRecoverParallel
	}
	return &Facade{
		registry:  opts.Registry,
		pipelines: opts.Pipelines,
		history:   opts.History,
		platforms: opts.Platforms,
		logger:    logging.WithComponent(logger, "orchestrator"),
		metrics:   recorder,
		interval:  interval,
		parallel:  parallel,
		applied:   make(map[string]time.Time),
	}, nil
}

func (f *Facade) load(ctx context.Context, id string) (models.StreamDefinition, error) {
	if strings.TrimSpace(id) == "" {
		return models.StreamDefinition{}, fmt.Errorf("stream id is required: %w", registry.ErrNotFound)
	}
	def, err := f.registry.GetStream(ctx, id)
	if err != nil {
		return models.StreamDefinition{}, fmt.Errorf("load stream %s: %w", id, err)
	}
	return f.expand(ctx, def), nil
}

// expand pre-fills the empty fields of a definition created from a template.
// A missing template leaves the definition as stored.
func (f *Facade) expand(ctx context.Context, def models.StreamDefinition) models.StreamDefinition {
	if strings.TrimSpace(def.TemplateID) == "" {
		return def
	}
	template, err := f.registry.GetTemplate(ctx, def.TemplateID)
	if err != nil {
		f.logger.Warn("stream template unavailable", "stream_id", def.ID, "template_id", def.TemplateID, "error", err)
		return def
	}
	return registry.ApplyTemplate(template, def)
}

func (f *Facade) listStreams(ctx context.Context) ([]models.StreamDefinition, error) {
	defs, err := f.registry.ListStreams(ctx)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		defs[i] = f.expand(ctx, defs[i])
	}
	return defs, nil
}

func (f *Facade) markApplied(def models.StreamDefinition) {
	f.mu.Lock()
	f.applied[def.ID] = def.UpdatedAt
	f.mu.Unlock()
}

func (f *Facade) setIntent(ctx context.Context, id string, intent models.RunIntent) {
	if err := f.registry.SetIntent(ctx, id, intent); err != nil {
		f.logger.Warn("failed to record run intent", "stream_id", id, "intent", intent, "error", err)
	}
}

func combine(def models.StreamDefinition, snap supervisor.Snapshot) StreamStatus {
	if snap.StreamID == "" {
		snap = supervisor.Snapshot{StreamID: def.ID, State: supervisor.Stopped}
	}
	return StreamStatus{Snapshot: snap, Name: def.Name, Intent: def.Intent, Source: def.Source}
}

// Start launches the stream and records that it should be running. Starting
// an active stream returns its current status.
func (f *Facade) Start(ctx context.Context, id string) (StreamStatus, error) {
	def, err := f.load(ctx, id)
	if err != nil {
		return StreamStatus{}, err
	}
	snap, err := f.pipelines.Start(ctx, def)
	if err != nil {
		return combine(def, snap), err
	}
	f.markApplied(def)
	f.setIntent(ctx, id, models.IntentRunning)
	def.Intent = models.IntentRunning
	f.logger.Info("stream start requested", "stream_id", id, "state", snap.State)
	return combine(def, snap), nil
}

// Stop tears the pipeline down and records that the stream should stay
// stopped.
func (f *Facade) Stop(ctx context.Context, id string) (StreamStatus, error) {
	def, err := f.load(ctx, id)
	if err != nil {
		if _, known := f.pipelines.Status(id); !known || !errors.Is(err, registry.ErrNotFound) {
			return StreamStatus{}, err
		}
		// Deleted from the registry while running.
		def = models.StreamDefinition{ID: id}
	}
	snap, err := f.pipelines.Stop(ctx, id)
	if err != nil {
		return combine(def, snap), err
	}
	if def.Name != "" {
		f.setIntent(ctx, id, models.IntentStopped)
		def.Intent = models.IntentStopped
	}
	f.logger.Info("stream stopped", "stream_id", id)
	return combine(def, snap), nil
}

// Reset clears a permanent failure and starts the stream again.
func (f *Facade) Reset(ctx context.Context, id string) (StreamStatus, error) {
	def, err := f.load(ctx, id)
	if err != nil {
		return StreamStatus{}, err
	}
	snap, err := f.pipelines.Reset(ctx, def)
	if err != nil {
		return combine(def, snap), err
	}
	f.markApplied(def)
	f.setIntent(ctx, id, models.IntentRunning)
	def.Intent = models.IntentRunning
	return combine(def, snap), nil
}

// Status returns the latest known state of the stream, including the most
// recent failure detail.
func (f *Facade) Status(ctx context.Context, id string) (StreamStatus, error) {
	def, err := f.load(ctx, id)
	snap, known := f.pipelines.Status(id)
	if err != nil {
		if known && errors.Is(err, registry.ErrNotFound) {
			return combine(models.StreamDefinition{ID: id}, snap), nil
		}
		return StreamStatus{}, err
	}
	return combine(def, snap), nil
}

// UpdateContent stores the new source and applies it to a running pipeline,
// in place when the renderer can navigate and by restart otherwise.
func (f *Facade) UpdateContent(ctx context.Context, id string, source models.Source) (StreamStatus, error) {
	if !source.Kind.Valid() || strings.TrimSpace(source.Location) == "" {
		return StreamStatus{}, fmt.Errorf("%w: kind %q location %q", ErrInvalidSource, source.Kind, source.Location)
	}
	if strings.TrimSpace(id) == "" {
		return StreamStatus{}, fmt.Errorf("stream id is required: %w", registry.ErrNotFound)
	}
	def, err := f.registry.GetStream(ctx, id)
	if err != nil {
		return StreamStatus{}, fmt.Errorf("load stream %s: %w", id, err)
	}
	def.Source = source
	saved, err := f.registry.SaveStream(ctx, def)
	if err != nil {
		return StreamStatus{}, fmt.Errorf("save stream %s: %w", id, err)
	}
	saved = f.expand(ctx, saved)
	snap, err := f.pipelines.Update(ctx, saved)
	switch {
	case errors.Is(err, supervisor.ErrNotActive):
		err = nil
	case err != nil:
		return combine(saved, snap), err
	default:
		f.markApplied(saved)
	}
	f.logger.Info("stream content updated", "stream_id", id, "kind", source.Kind, "state", snap.State)
	return combine(saved, snap), err
}

// ListAll returns the status of every stream in the registry, plus any
// pipeline still running for a stream that has since been deleted.
func (f *Facade) ListAll(ctx context.Context) ([]StreamStatus, error) {
	defs, err := f.listStreams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	snaps := make(map[string]supervisor.Snapshot)
	for _, snap := range f.pipelines.List() {
		snaps[snap.StreamID] = snap
	}
	out := make([]StreamStatus, 0, len(defs))
	for _, def := range defs {
		out = append(out, combine(def, snaps[def.ID]))
		delete(snaps, def.ID)
	}
	orphans := make([]string, 0, len(snaps))
	for id, snap := range snaps {
		if snap.State != supervisor.Stopped {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		out = append(out, combine(models.StreamDefinition{ID: id}, snaps[id]))
	}
	return out, nil
}

// Events returns the stream's history from the last window, oldest first.
func (f *Facade) Events(ctx context.Context, id string, window time.Duration, limit int) ([]eventlog.Event, error) {
	if f.history == nil {
		return nil, errors.New("orchestrator: event history is not configured")
	}
	if window <= 0 {
		window = defaultEventWindow
	}
	return f.history.QueryRecent(ctx, id, window, limit)
}

// Recover starts every stream whose recorded intent is running or that is
// marked for automatic start. Failures are logged per stream; the number of
// streams started is returned.
func (f *Facade) Recover(ctx context.Context) (int, error) {
	defs, err := f.listStreams(ctx)
	if err != nil {
		return 0, fmt.Errorf("list streams for recovery: %w", err)
	}
	var (
		mu      sync.Mutex
		started int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.parallel)
	for _, def := range defs {
		if !def.WantsRunning() {
			continue
		}
		def := def
		group.Go(func() error {
			logger := logging.WithStream(f.logger, def.ID)
			if _, err := f.pipelines.Start(groupCtx, def); err != nil {
				f.metrics.StreamRecovered("error")
				logger.Error("stream recovery failed", "error", err)
				return nil
			}
			f.markApplied(def)
			f.metrics.StreamRecovered("ok")
			logger.Info("stream recovered", "intent", def.Intent, "auto_start", def.AutoStart)
			mu.Lock()
			started++
			mu.Unlock()
			return nil
		})
	}
	err = group.Wait()
	return started, err
}

// Reconcile propagates registry edits made outside the facade into running
// pipelines and stops pipelines whose stream was deleted. The platform
// catalogue is re-read first so edited endpoints apply to the next launch.
func (f *Facade) Reconcile(ctx context.Context) error {
	if f.platforms != nil {
		platforms, err := f.registry.ListPlatforms(ctx)
		if err != nil {
			return fmt.Errorf("list platforms for reconcile: %w", err)
		}
		f.platforms.SetPlatforms(platforms)
	}
	defs, err := f.listStreams(ctx)
	if err != nil {
		return fmt.Errorf("list streams for reconcile: %w", err)
	}
	known := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		known[def.ID] = struct{}{}
		snap, ok := f.pipelines.Status(def.ID)
		if !ok || !snap.State.Active() {
			continue
		}
		f.mu.Lock()
		applied, seen := f.applied[def.ID]
		f.mu.Unlock()
		if seen && applied.Equal(def.UpdatedAt) {
			continue
		}
		if _, err := f.pipelines.Update(ctx, def); err != nil && !errors.Is(err, supervisor.ErrNotActive) {
			f.logger.Warn("failed to apply stream edit", "stream_id", def.ID, "error", err)
			continue
		}
		f.markApplied(def)
	}
	for _, snap := range f.pipelines.List() {
		if _, ok := known[snap.StreamID]; ok || !snap.State.Active() {
			continue
		}
		f.logger.Info("stopping pipeline of deleted stream", "stream_id", snap.StreamID)
		if _, err := f.pipelines.Stop(ctx, snap.StreamID); err != nil {
			f.logger.Warn("failed to stop deleted stream", "stream_id", snap.StreamID, "error", err)
		}
	}
	return nil
}

// Run reconciles on every interval until ctx ends.
func (f *Facade) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Reconcile(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("registry reconcile failed", "error", err)
			}
		}
	}
}

// Shutdown stops every pipeline without touching recorded intent, so the
// next start recovers the same set.
func (f *Facade) Shutdown(ctx context.Context) error {
	return f.pipelines.Shutdown(ctx)
}
