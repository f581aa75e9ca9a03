package fanout

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/fallback"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
	"github.com/Cfomodz/RTMP-BASE/internal/procgroup"
)

var errLagging = errors.New("relay fell behind the encoder")

// Emitter records lifecycle events. *eventlog.Log implements it.
type Emitter interface {
	Emit(streamID string, typ eventlog.Type, component, detail string)
}

// RelayBuilder renders the command of one relay process.
type RelayBuilder interface {
	RelaySpec(target models.Target) procgroup.Spec
}

// Options configures a Manager.
type Options struct {
	StreamID string
	Hub      *Hub
	Runner   procgroup.Runner
	Relays   RelayBuilder
	Events   Emitter
	Logger   *slog.Logger
	Metrics  *metrics.Recorder

	Backoff         fallback.Backoff
	RetryBudget     int
	StabilityWindow time.Duration
	StopGrace       time.Duration
	QueueDepth      int
}

// SessionState is the lifecycle position of one relay session.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionLive       SessionState = "live"
	SessionBackoff    SessionState = "backoff"
	SessionFailed     SessionState = "failed"
	SessionStopped    SessionState = "stopped"
)

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	Target      string       `json:"target"`
	Fingerprint string       `json:"fingerprint"`
	State       SessionState `json:"state"`
	Failures    int          `json:"failures"`
	LastError   string       `json:"lastError,omitempty"`
	Since       time.Time    `json:"since"`
}

// Manager keeps one relay session per enabled target.
type Manager struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	closed   bool
}

// NewManager returns a manager with no sessions.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Backoff == (fallback.Backoff{}) {
		opts.Backoff = fallback.DefaultBackoff()
	}
	if opts.StabilityWindow <= 0 {
		opts.StabilityWindow = time.Minute
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.With("component", "fanout", "stream_id", opts.StreamID),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Fingerprint identifies a target by its publish address without exposing the
// ingest key.
func Fingerprint(target models.Target) string {
	sum := blake2b.Sum256([]byte(target.URL()))
	return hex.EncodeToString(sum[:8])
}

// Reconcile starts sessions for new targets and stops sessions whose target
// is gone. Sessions for unchanged targets are left alone. It returns once
// removed sessions have shut down.
func (m *Manager) Reconcile(targets []models.Target) (added, removed int) {
	desired := make(map[string]models.Target, len(targets))
	order := make([]string, 0, len(targets))
	for _, target := range targets {
		if !target.Enabled {
			continue
		}
		fp := Fingerprint(target)
		if _, dup := desired[fp]; dup {
			continue
		}
		desired[fp] = target
		order = append(order, fp)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, 0
	}
	var stopping []*session
	for fp, sess := range m.sessions {
		if _, keep := desired[fp]; !keep {
			delete(m.sessions, fp)
			stopping = append(stopping, sess)
		}
	}
	for _, fp := range order {
		if _, ok := m.sessions[fp]; ok {
			continue
		}
		sess := m.newSession(fp, desired[fp])
		m.sessions[fp] = sess
		added++
		go sess.run()
	}
	m.order = order
	m.mu.Unlock()

	for _, sess := range stopping {
		sess.cancel()
		<-sess.done
		m.opts.Metrics.AddFanoutSessions(-1)
		m.opts.Metrics.FanoutEvent("removed")
		m.logger.Info("relay session removed", "target", sess.target.Name(), "fingerprint", sess.fingerprint)
	}
	return added, len(stopping)
}

// Status lists the sessions in target order.
func (m *Manager) Status() []SessionStatus {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.order))
	for _, fp := range m.order {
		if sess, ok := m.sessions[fp]; ok {
			sessions = append(sessions, sess)
		}
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.status())
	}
	return out
}

// Close stops every session and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*session)
	m.order = nil
	m.mu.Unlock()

	m.cancel()
	for _, sess := range sessions {
		<-sess.done
		m.opts.Metrics.AddFanoutSessions(-1)
	}
}

type session struct {
	m           *Manager
	target      models.Target
	fingerprint string
	component   string
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     SessionState
	failures  int
	lastError string
	since     time.Time
}

func (m *Manager) newSession(fp string, target models.Target) *session {
	ctx, cancel := context.WithCancel(m.ctx)
	m.opts.Metrics.AddFanoutSessions(1)
	return &session{
		m:           m,
		target:      target,
		fingerprint: fp,
		component:   "target:" + target.Name(),
		logger:      m.logger.With("target", target.Name(), "fingerprint", fp),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       SessionConnecting,
		since:       time.Now().UTC(),
	}
}

func (s *session) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		Target:      s.target.Name(),
		Fingerprint: s.fingerprint,
		State:       s.state,
		Failures:    s.failures,
		LastError:   s.lastError,
		Since:       s.since,
	}
}

func (s *session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.since = time.Now().UTC()
	s.mu.Unlock()
}

func (s *session) emit(typ eventlog.Type, detail string) {
	if s.m.opts.Events != nil {
		s.m.opts.Events.Emit(s.m.opts.StreamID, typ, s.component, detail)
	}
}

func (s *session) run() {
	defer close(s.done)
	opts := s.m.opts
	for {
		err := s.attempt()
		if s.ctx.Err() != nil {
			s.setState(SessionStopped)
			return
		}

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.lastError = err.Error()
		s.mu.Unlock()
		opts.Metrics.FanoutEvent("failed")

		if opts.RetryBudget > 0 && failures >= opts.RetryBudget {
			s.setState(SessionFailed)
			opts.Metrics.FanoutEvent("gave-up")
			s.logger.Error("relay session gave up", "failures", failures, "error", err)
			s.emit(eventlog.FailedPermanently, fmt.Sprintf("delivery abandoned after %d failures: %v", failures, err))
			return
		}

		s.setState(SessionBackoff)
		delay := opts.Backoff.Delay(failures)
		s.logger.Warn("relay session failed", "failures", failures, "retry_in", delay, "error", err)
		s.emit(eventlog.Restarted, fmt.Sprintf("retrying delivery in %s: %v", delay, err))
		if !opts.Backoff.Wait(s.ctx, failures) {
			s.setState(SessionStopped)
			return
		}
	}
}

func (s *session) attempt() error {
	opts := s.m.opts
	sub := opts.Hub.Subscribe(opts.QueueDepth)
	defer sub.Cancel()

	s.setState(SessionConnecting)
	member, err := opts.Runner.Launch(s.ctx, opts.Relays.RelaySpec(s.target))
	if err != nil {
		return fmt.Errorf("launch relay: %w", err)
	}
	opts.Metrics.FanoutEvent("started")

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- pump(sub, member.Stdin()) }()

	ready := member.Ready()
	var stable <-chan time.Time
	for {
		select {
		case <-ready:
			ready = nil
			s.setState(SessionLive)
			opts.Metrics.FanoutEvent("live")
			s.logger.Info("relay session live")
			timer := time.NewTimer(opts.StabilityWindow)
			defer timer.Stop()
			stable = timer.C
		case <-stable:
			stable = nil
			s.mu.Lock()
			s.failures = 0
			s.mu.Unlock()
		case <-member.Done():
			_ = opts.Runner.Stop(member, opts.StopGrace)
			if exitErr := member.Err(); exitErr != nil {
				return fmt.Errorf("relay exited: %w", exitErr)
			}
			return errors.New("relay exited")
		case err := <-pumpDone:
			_ = opts.Runner.Stop(member, opts.StopGrace)
			switch {
			case sub.Dropped():
				return errLagging
			case err != nil:
				return fmt.Errorf("write to relay: %w", err)
			default:
				return errors.New("encoder output closed")
			}
		case <-s.ctx.Done():
			if err := opts.Runner.Stop(member, opts.StopGrace); err != nil {
				s.logger.Warn("relay did not stop cleanly", "error", err)
			}
			return s.ctx.Err()
		}
	}
}

// pump copies queued chunks into the relay's stdin until the subscription
// closes or a write fails.
func pump(sub *Subscription, w io.Writer) error {
	if w == nil {
		for range sub.C() {
		}
		return nil
	}
	for chunk := range sub.C() {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
