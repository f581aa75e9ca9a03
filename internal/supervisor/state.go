package supervisor

import (
	"errors"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/fanout"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
)

// State is a pipeline's position in the lifecycle.
type State string

const (
	Stopped           State = "stopped"
	Starting          State = "starting"
	Running           State = "running"
	Degraded          State = "degraded"
	Restarting        State = "restarting"
	FailedPermanently State = "failed-permanently"
)

// Active reports whether the state owns, or is about to own, processes.
func (s State) Active() bool {
	switch s {
	case Starting, Running, Degraded, Restarting:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	Stopped:           {Starting, FailedPermanently},
	Starting:          {Running, Degraded, Restarting, Stopped, FailedPermanently},
	Running:           {Restarting, Stopped},
	Degraded:          {Restarting, Stopped},
	Restarting:        {Starting, Stopped, FailedPermanently},
	FailedPermanently: {Stopped, Starting},
}

// CanTransition reports whether from → to is part of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrFailedPermanently is returned when starting a stream that exhausted
	// its retry budget. Reset clears it.
	ErrFailedPermanently = errors.New("pipeline failed permanently; reset required")
	// ErrNotActive is returned for operations that need a supervised stream.
	ErrNotActive = errors.New("pipeline is not active")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
)

// Snapshot is a point-in-time view of one pipeline.
type Snapshot struct {
	StreamID            string                  `json:"streamId"`
	State               State                   `json:"state"`
	Tier                string                  `json:"tier,omitempty"`
	Degraded            bool                    `json:"degraded"`
	ConsecutiveFailures int                     `json:"consecutiveFailures"`
	Restarts            int                     `json:"restarts"`
	LastError           string                  `json:"lastError,omitempty"`
	StartedAt           time.Time               `json:"startedAt,omitempty"`
	StateSince          time.Time               `json:"stateSince"`
	Uptime              time.Duration           `json:"uptime"`
	RunID               string                  `json:"runId,omitempty"`
	Slot                int                     `json:"slot"`
	DevToolsPort        int                     `json:"devToolsPort,omitempty"`
	RendererPID         int                     `json:"rendererPid,omitempty"`
	EncoderPID          int                     `json:"encoderPid,omitempty"`
	Quality             *models.QualitySettings `json:"quality,omitempty"`
	Targets             []fanout.SessionStatus  `json:"targets,omitempty"`
	Health              Health                  `json:"health"`
}

// Health summarises how well a pipeline is holding up. Every score runs from
// 0 to 100; Score weights performance and connection at 0.4 and stability at
// 0.2.
type Health struct {
	Score       float64 `json:"score"`
	Performance float64 `json:"performance"`
	Connection  float64 `json:"connection"`
	Stability   float64 `json:"stability"`
	// QualityCap is the preset the stream was stepped down to, if any.
	QualityCap models.QualityHint `json:"qualityCap,omitempty"`
	Recovery   RecoveryStats      `json:"recovery"`
}

// RecoveryStats counts recoveries since the stream was last started. A
// recovery succeeds when the next attempt comes up.
type RecoveryStats struct {
	Attempts        int           `json:"attempts"`
	Successful      int           `json:"successful"`
	AverageDuration time.Duration `json:"averageDuration"`
	LastAction      string        `json:"lastAction,omitempty"`
	LastReason      string        `json:"lastReason,omitempty"`
	LastAt          time.Time     `json:"lastAt,omitempty"`
}

type recoveryLog struct {
	stats   RecoveryStats
	total   time.Duration
	pending time.Time
}

func (r *recoveryLog) begin(action, reason string, now time.Time) {
	r.stats.Attempts++
	r.stats.LastAction = action
	r.stats.LastReason = reason
	r.stats.LastAt = now
	if r.pending.IsZero() {
		r.pending = now
	}
}

func (r *recoveryLog) succeeded(now time.Time) {
	if r.pending.IsZero() {
		return
	}
	r.stats.Successful++
	r.total += now.Sub(r.pending)
	r.stats.AverageDuration = (r.total / time.Duration(r.stats.Successful)).Round(time.Millisecond)
	r.pending = time.Time{}
}

// healthInput is what scoreHealth reads from a stream.
type healthInput struct {
	state      State
	degraded   bool
	rendererMB uint64
	ceilingMB  uint64
	failures   int
	targets    []fanout.SessionStatus
	delivering bool
	qualityCap models.QualityHint
	recovery   RecoveryStats
}

func scoreHealth(in healthInput) Health {
	h := Health{QualityCap: in.qualityCap, Recovery: in.recovery}
	switch in.state {
	case Stopped:
		h.Score, h.Performance, h.Connection, h.Stability = 100, 100, 100, 100
		return h
	case FailedPermanently:
		return h
	}

	h.Performance = 100
	switch {
	case in.degraded:
		h.Performance = 50
	case in.ceilingMB > 0 && in.rendererMB > 0:
		used := float64(in.rendererMB) * 100 / float64(in.ceilingMB)
		h.Performance = clampScore(100 - 2*max(0, used-50))
	}

	if in.delivering {
		h.Connection = 100
		if len(in.targets) > 0 {
			var sum float64
			for _, target := range in.targets {
				sum += sessionScore(target.State)
			}
			h.Connection = sum / float64(len(in.targets))
		}
	}

	h.Stability = clampScore(100 - 25*float64(in.failures))
	h.Score = clampScore(0.4*h.Performance + 0.4*h.Connection + 0.2*h.Stability)
	h.Score = float64(int(h.Score*10+0.5)) / 10
	return h
}

func sessionScore(state fanout.SessionState) float64 {
	switch state {
	case fanout.SessionLive:
		return 100
	case fanout.SessionConnecting:
		return 60
	case fanout.SessionBackoff:
		return 30
	default:
		return 0
	}
}

func clampScore(v float64) float64 {
	return min(100, max(0, v))
}
