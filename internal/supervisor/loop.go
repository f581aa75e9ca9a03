package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/fallback"
	"github.com/Cfomodz/RTMP-BASE/internal/fanout"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/pipeline"
	"github.com/Cfomodz/RTMP-BASE/internal/procgroup"
	"github.com/Cfomodz/RTMP-BASE/internal/profiler"
)

type outcomeKind int

const (
	// ended means ctx was cancelled.
	ended outcomeKind = iota
	// up is only returned by launch.
	up
	failed
	restartRequested
	gaveUp
)

type attemptOutcome struct {
	kind   outcomeKind
	origin fallback.Origin
	err    error
	tier   profiler.Tier
	// cause labels a requested restart: update, promotion, or overload.
	cause string
}

func failure(origin fallback.Origin, err error) attemptOutcome {
	return attemptOutcome{kind: failed, origin: origin, err: err}
}

func restartFor(cause string, err error) attemptOutcome {
	return attemptOutcome{kind: restartRequested, cause: cause, err: err}
}

// supervise runs attempts until ctx is cancelled or the pipeline gives up.
func (s *Supervisor) supervise(ctx context.Context, st *stream, done chan struct{}) {
	defer close(done)
	logger := s.logger.With("stream_id", st.id)

	for {
		out := s.runAttempt(ctx, st)
		if ctx.Err() != nil {
			return
		}

		switch out.kind {
		case ended, up:
			return
		case gaveUp:
			s.failPermanently(st, out.err.Error())
			return
		case restartRequested:
			st.mu.Lock()
			s.transition(st, Restarting)
			st.restarts++
			switch out.cause {
			case "update":
				st.pinned = ""
			case "overload":
				st.recovery.begin(fallback.ReduceQuality.String(), out.err.Error(), time.Now().UTC())
			}
			st.mu.Unlock()
			s.metrics.PipelineRestart(out.cause)
			s.emit(st.id, eventlog.Restarted, "supervisor", out.err.Error())
			logger.Info("restarting pipeline", "cause", out.cause, "reason", out.err)
			continue
		}

		st.mu.Lock()
		st.failures++
		st.restarts++
		failures := st.failures
		st.lastErr = out.err.Error()
		kind := st.def.Source.Kind
		lower, canReduce := nextQuality(st.def, out.tier, st.qualityCap)
		s.transition(st, Restarting)
		st.mu.Unlock()

		s.metrics.PipelineRestart(string(out.origin))
		s.emit(st.id, eventlog.Restarted, string(out.origin), out.err.Error())

		decision := fallback.Decide(fallback.Context{
			Origin:              out.origin,
			SyntheticSupported:  kind.SupportsSynthetic(),
			ConsecutiveFailures: failures,
			DegradeThreshold:    s.cfg.DegradeThreshold,
			RetryBudget:         s.cfg.RetryBudget,
			MinimalTier:         !out.tier.RendererAllowed,
			CanReduceQuality:    canReduce,
			LowerQuality:        string(lower),
		})
		logger.Warn("pipeline failed",
			"origin", out.origin,
			"failures", failures,
			"decision", decision.Action.String(),
			"error", out.err)

		if decision.Action == fallback.GiveUp {
			s.failPermanently(st, fmt.Sprintf("%s: %v", decision.Reason, out.err))
			return
		}
		st.mu.Lock()
		st.recovery.begin(decision.Action.String(), decision.Reason, time.Now().UTC())
		switch decision.Action {
		case fallback.RetryDegraded:
			// Only a renderer that failed pins the synthetic source; a tier
			// or capacity limit is re-checked by the next launch.
			if st.pinned == "" && (out.origin == fallback.OriginRenderer || out.origin == fallback.OriginResource) {
				st.pinned = decision.Reason
			}
		case fallback.ReduceQuality:
			st.qualityCap = lower
		}
		st.mu.Unlock()

		if !s.cfg.Backoff.Wait(ctx, failures) {
			return
		}
	}
}

// nextQuality returns the preset one step below what the stream currently
// encodes at.
func nextQuality(def models.StreamDefinition, tier profiler.Tier, qualityCap models.QualityHint) (models.QualityHint, bool) {
	current := def.Quality
	if current == "" || current == models.QualityCustom {
		current = models.QualityMedium
	}
	if tier.QualityCeiling != "" && tier.QualityCeiling.Rank() < current.Rank() {
		current = tier.QualityCeiling
	}
	if qualityCap != "" && qualityCap.Rank() < current.Rank() {
		current = qualityCap
	}
	return current.StepDown()
}

func (s *Supervisor) markDegraded(st *stream, reason string) {
	st.mu.Lock()
	st.degraded = true
	st.mu.Unlock()
	s.metrics.DegradedFallback()
	s.emit(st.id, eventlog.DegradedFallback, "supervisor", reason)
}

func (s *Supervisor) failPermanently(st *stream, reason string) {
	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	st.lastErr = reason
	st.current = nil
	st.startedAt = time.Time{}
	s.transition(st, FailedPermanently)
	st.mu.Unlock()
	s.releaseSlot(st)
	s.metrics.PermanentFailure()
	s.emit(st.id, eventlog.FailedPermanently, "supervisor", reason)
	s.logger.Error("pipeline failed permanently", "stream_id", st.id, "reason", reason)
}

// rendererBlocked returns why tier cannot take another renderer, or "".
func (s *Supervisor) rendererBlocked(tier profiler.Tier) string {
	switch {
	case !tier.RendererAllowed:
		return fmt.Sprintf("tier %s does not allow a renderer", tier.Level)
	case s.activeCount()-1 >= tier.MaxPipelines:
		return fmt.Sprintf("tier %s capacity of %d pipelines reached", tier.Level, tier.MaxPipelines)
	default:
		return ""
	}
}

// runAttempt launches one pipeline and watches it until it fails, a restart
// is requested, or ctx ends. Processes are always torn down before return.
// The tier is measured afresh for every attempt.
func (s *Supervisor) runAttempt(ctx context.Context, st *stream) (out attemptOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervision panic", "stream_id", st.id, "panic", r, "stack", string(debug.Stack()))
			out = failure(fallback.OriginEncoder, fmt.Errorf("supervisor panic: %v", r))
		}
	}()

	st.mu.Lock()
	s.transition(st, Starting)
	def := st.def.Clone()
	pinned := st.pinned
	wasDegraded := st.degraded
	qualityCap := st.qualityCap
	slot := st.slot
	failures := st.failures
	runID := uuid.NewString()
	st.runID = runID
	st.mu.Unlock()

	tier := s.profiler.CurrentTier(ctx)
	out.tier = tier
	st.mu.Lock()
	st.tier = tier
	st.rendererRSS = 0
	st.mu.Unlock()
	logger := s.logger.With("stream_id", st.id, "run_id", runID, "tier", tier.Level.String())

	degraded, reason := pinned != "", pinned
	if !degraded && def.Source.Kind.RequiresRenderer() {
		if blocked := s.rendererBlocked(tier); blocked != "" {
			decision := fallback.Decide(fallback.Context{
				Origin:              fallback.OriginResource,
				SyntheticSupported:  def.Source.Kind.SupportsSynthetic(),
				ConsecutiveFailures: failures,
				DegradeThreshold:    s.cfg.DegradeThreshold,
				MinimalTier:         !tier.RendererAllowed,
			})
			switch decision.Action {
			case fallback.GiveUp:
				return attemptOutcome{kind: gaveUp, err: errors.New(blocked), tier: tier}
			case fallback.RetryDegraded:
				degraded, reason = true, blocked
			}
		}
	}
	switch {
	case degraded && !wasDegraded:
		s.markDegraded(st, reason)
	case !degraded && wasDegraded:
		st.mu.Lock()
		st.degraded = false
		st.mu.Unlock()
		logger.Info("renderer allowed again, launching full pipeline")
	}

	plan, err := s.planner.Build(def, tier, pipeline.Options{Degraded: degraded, Slot: slot, QualityCap: qualityCap})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidConfig) {
			return attemptOutcome{kind: gaveUp, err: err, tier: tier}
		}
		return attemptOutcome{kind: failed, origin: fallback.OriginResource, err: err, tier: tier}
	}

	name := st.id + "/" + runID
	at := &attempt{
		name:   name,
		runner: s.newRunner(name, logger),
		hub:    fanout.NewHub(),
		plan:   plan,
	}
	defer s.teardown(st, at, logger)

	res := s.launch(ctx, st, at, def.Source.Kind.SupportsSynthetic(), failures, logger)
	res.tier = tier
	if res.kind != up {
		return res
	}
	res = s.monitor(ctx, st, at, tier, logger)
	res.tier = tier
	return res
}

// launch starts the renderer, the encoder, and the relays. The attempt is
// published to st.current only once it is fully up.
func (s *Supervisor) launch(ctx context.Context, st *stream, at *attempt, synthetic bool, failures int, logger *slog.Logger) attemptOutcome {
	if at.plan.Renderer != nil {
		renderer, err := at.runner.Launch(ctx, *at.plan.Renderer)
		if err == nil {
			err = s.waitReady(ctx, renderer)
		}
		if ctx.Err() != nil {
			return attemptOutcome{kind: ended}
		}
		if err != nil {
			err = fmt.Errorf("renderer not ready: %w", err)
			decision := fallback.Decide(fallback.Context{
				Origin:              fallback.OriginRenderer,
				SyntheticSupported:  synthetic,
				ConsecutiveFailures: failures + 1,
				DegradeThreshold:    s.cfg.DegradeThreshold,
				RetryBudget:         s.cfg.RetryBudget,
			})
			if decision.Action != fallback.RetryDegraded {
				return failure(fallback.OriginRenderer, err)
			}
			// xvfb-run forks the display server and the browser, so the whole
			// group goes and the encoder starts in a fresh one.
			if termErr := at.runner.Terminate(s.cfg.StopGrace); termErr != nil {
				logger.Warn("renderer group teardown incomplete", "error", termErr)
			}
			at.runner = s.newRunner(at.name+"/synthetic", logger)
			reason := fmt.Sprintf("%s: %v", decision.Reason, err)
			st.mu.Lock()
			st.pinned = reason
			qualityCap := st.qualityCap
			st.mu.Unlock()
			s.markDegraded(st, reason)
			plan, buildErr := s.planner.Build(st.definition(), st.currentTier(), pipeline.Options{Degraded: true, Slot: at.plan.Slot, QualityCap: qualityCap})
			if buildErr != nil {
				return attemptOutcome{kind: gaveUp, err: buildErr}
			}
			at.plan = plan
		} else {
			at.renderer = renderer
			s.emit(st.id, eventlog.RendererReady, pipeline.RoleRenderer, fmt.Sprintf("pid %d", renderer.PID()))
		}
	}

	spec := at.plan.Encoder
	spec.Stdout = at.hub
	encoder, err := at.runner.Launch(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{kind: ended}
		}
		return failure(fallback.OriginEncoder, fmt.Errorf("launch encoder: %w", err))
	}
	at.encoder = encoder

	startup := time.NewTimer(s.cfg.StartupTimeout)
	defer startup.Stop()
	select {
	case <-at.hub.FirstData():
	case <-encoder.Done():
		return failure(fallback.OriginEncoder, exitError("encoder exited before producing output", encoder))
	case <-rendererDone(at):
		return failure(fallback.OriginRenderer, exitError("renderer exited during startup", at.renderer))
	case <-ctx.Done():
		return attemptOutcome{kind: ended}
	case <-startup.C:
		return failure(fallback.OriginEncoder, fmt.Errorf("encoder produced no output within %s", s.cfg.StartupTimeout))
	}
	encoder.MarkReady()
	s.emit(st.id, eventlog.EncoderReady, pipeline.RoleEncoder, fmt.Sprintf("pid %d", encoder.PID()))

	at.fan = fanout.NewManager(fanout.Options{
		StreamID:        st.id,
		Hub:             at.hub,
		Runner:          at.runner,
		Relays:          s.planner,
		Events:          s.events,
		Logger:          logger,
		Metrics:         s.metrics,
		Backoff:         s.cfg.Backoff,
		RetryBudget:     s.cfg.TargetRetryBudget,
		StabilityWindow: s.cfg.StabilityWindow,
		StopGrace:       s.cfg.StopGrace,
		QueueDepth:      s.cfg.FanoutQueueDepth,
	})
	at.fan.Reconcile(at.plan.Targets)

	next := Running
	if at.plan.Degraded {
		next = Degraded
	}
	now := time.Now().UTC()
	st.mu.Lock()
	st.current = at
	st.startedAt = now
	st.recovery.succeeded(now)
	s.transition(st, next)
	st.mu.Unlock()
	s.emit(st.id, eventlog.Started, "supervisor",
		fmt.Sprintf("%s on tier %s at %s", next, st.currentTier().Level, at.plan.Quality.Resolution()))
	return attemptOutcome{kind: up}
}

// monitor watches a live pipeline. A degraded pipeline that stays stable
// for a window is relaunched in full once the tier allows a renderer.
func (s *Supervisor) monitor(ctx context.Context, st *stream, at *attempt, tier profiler.Tier, logger *slog.Logger) attemptOutcome {
	stability := time.NewTimer(s.cfg.StabilityWindow)
	defer stability.Stop()
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	st.mu.Lock()
	restart := st.restart
	st.mu.Unlock()

	lastBytes := at.hub.Bytes()
	lastProgress := time.Now()
	var overloadedSince time.Time
	floorLogged := false
	stable := stability.C
	for {
		select {
		case <-ctx.Done():
			return attemptOutcome{kind: ended}
		case reason := <-restart:
			return restartFor("update", errors.New(reason))
		case <-stable:
			stable = nil
			st.mu.Lock()
			if st.failures > 0 {
				logger.Info("pipeline stable, clearing failure counter", "failures", st.failures)
			}
			st.failures = 0
			st.mu.Unlock()
			if at.plan.Degraded {
				if reason := s.promotion(ctx, st); reason != "" {
					return restartFor("promotion", errors.New(reason))
				}
				stability.Reset(s.cfg.StabilityWindow)
				stable = stability.C
			}
		case <-rendererDone(at):
			return failure(fallback.OriginRenderer, exitError("renderer exited", at.renderer))
		case <-at.encoder.Done():
			return failure(fallback.OriginEncoder, exitError("encoder exited", at.encoder))
		case <-health.C:
			if at.renderer != nil && tier.RendererMemoryMB > 0 {
				rss, err := s.profiler.ProcessRSSMB(at.renderer.PID())
				if err == nil {
					st.mu.Lock()
					st.rendererRSS = rss
					st.mu.Unlock()
					if rss > tier.RendererMemoryMB {
						return failure(fallback.OriginResource,
							fmt.Errorf("renderer using %d MiB over the %d MiB ceiling", rss, tier.RendererMemoryMB))
					}
				}
			}
			if bytes := at.hub.Bytes(); bytes != lastBytes {
				lastBytes = bytes
				lastProgress = time.Now()
			} else if time.Since(lastProgress) >= s.cfg.StallTimeout {
				return failure(fallback.OriginOverload, fmt.Errorf("encoder produced no output for %s", s.cfg.StallTimeout))
			}

			load, over := s.overloaded(ctx)
			if !over {
				overloadedSince = time.Time{}
				floorLogged = false
				continue
			}
			if overloadedSince.IsZero() {
				overloadedSince = time.Now()
			}
			if time.Since(overloadedSince) < s.cfg.LoadSustain {
				continue
			}
			st.mu.Lock()
			lower, canReduce := nextQuality(st.def, tier, st.qualityCap)
			st.mu.Unlock()
			decision := fallback.Decide(fallback.Context{
				Origin:           fallback.OriginOverload,
				CanReduceQuality: canReduce,
				LowerQuality:     string(lower),
			})
			if decision.Action == fallback.ReduceQuality {
				st.mu.Lock()
				st.qualityCap = lower
				st.mu.Unlock()
				return restartFor("overload", fmt.Errorf("load %.2f per cpu over %.2f: %s", load, s.cfg.LoadCeiling, decision.Reason))
			}
			if !floorLogged {
				logger.Warn("host overloaded at the lowest quality preset", "load_per_cpu", load)
				floorLogged = true
			}
		}
	}
}

// overloaded reports the one-minute load per CPU and whether it is above
// the ceiling.
func (s *Supervisor) overloaded(ctx context.Context) (float64, bool) {
	sample, err := s.profiler.Measure(ctx)
	if err != nil || s.cpus <= 0 {
		return 0, false
	}
	load := sample.Load1 / float64(s.cpus)
	return load, load > s.cfg.LoadCeiling
}

// promotion clears the renderer pin and returns a restart reason when the
// tier now admits the full pipeline.
func (s *Supervisor) promotion(ctx context.Context, st *stream) string {
	def := st.definition()
	if !def.Source.Kind.RequiresRenderer() {
		return ""
	}
	tier := s.profiler.CurrentTier(ctx)
	if s.rendererBlocked(tier) != "" {
		return ""
	}
	st.mu.Lock()
	st.pinned = ""
	st.mu.Unlock()
	return fmt.Sprintf("tier %s allows a renderer again", tier.Level)
}

// teardown stops relays and the whole process group within the grace bound.
func (s *Supervisor) teardown(st *stream, at *attempt, logger *slog.Logger) {
	relaysDone := make(chan struct{})
	go func() {
		if at.fan != nil {
			at.fan.Close()
		}
		close(relaysDone)
	}()
	if err := at.runner.Terminate(s.cfg.StopGrace); err != nil {
		logger.Error("process group teardown incomplete", "error", err)
	}
	<-relaysDone
	at.hub.Close()

	st.mu.Lock()
	if st.current == at {
		st.current = nil
	}
	st.startedAt = time.Time{}
	st.mu.Unlock()
}

func (st *stream) definition() models.StreamDefinition {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.def.Clone()
}

func (st *stream) currentTier() profiler.Tier {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tier
}

func (s *Supervisor) waitReady(ctx context.Context, member procgroup.Member) error {
	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()
	select {
	case <-member.Ready():
		return nil
	case <-member.Done():
		return exitError("exited", member)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("no readiness signal within %s", s.cfg.StartupTimeout)
	}
}

func rendererDone(at *attempt) <-chan struct{} {
	if at.renderer == nil {
		return nil
	}
	return at.renderer.Done()
}

func exitError(msg string, member procgroup.Member) error {
	if member == nil {
		return errors.New(msg)
	}
	if err := member.Err(); err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return errors.New(msg)
}
