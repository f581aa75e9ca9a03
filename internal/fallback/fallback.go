// Package fallback decides how a pipeline recovers from a failure.
package fallback

import "fmt"

// Origin classifies where a failure came from.
type Origin string

const (
	OriginRenderer Origin = "renderer"
	OriginEncoder  Origin = "encoder"
	// OriginResource covers memory pressure, renderer memory ceilings, and tier
	// capacity.
	OriginResource Origin = "resource"
	OriginConfig   Origin = "config"
	// OriginOverload covers sustained CPU load and encoder stalls, where a
	// lighter encode may keep the stream up.
	OriginOverload Origin = "overload"
	// OriginRelay is reported by fanout sessions; it never affects the encoder.
	OriginRelay Origin = "relay"
)

// Action is the recovery chosen for a failure.
type Action int

const (
	RetrySame Action = iota
	RetryDegraded
	GiveUp
	// ReduceQuality relaunches the same pipeline one quality preset lower.
	ReduceQuality
)

func (a Action) String() string {
	switch a {
	case RetrySame:
		return "retry-same"
	case RetryDegraded:
		return "retry-degraded"
	case GiveUp:
		return "give-up"
	case ReduceQuality:
		return "reduce-quality"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Context is everything Decide looks at.
type Context struct {
	Origin Origin
	// SyntheticSupported reports whether the source kind has a synthetic
	// stand-in.
	SyntheticSupported bool
	// ConsecutiveFailures includes the failure being decided.
	ConsecutiveFailures int
	// DegradeThreshold is the highest failure count at which a renderer
	// failure still switches to the synthetic source. Zero means no limit.
	DegradeThreshold int
	RetryBudget      int
	// MinimalTier is set when the host cannot run a renderer at all.
	MinimalTier bool
	// CanReduceQuality is set while the stream is above the lowest preset.
	CanReduceQuality bool
	// LowerQuality names the preset a step-down would select.
	LowerQuality string
}

// Outcome carries the action and a human readable reason for the event log.
type Outcome struct {
	Action Action
	Reason string
}

// Decide is a pure function of its input. Whether the failed attempt ran
// degraded is not an input; the next launch re-checks the tier itself.
func Decide(c Context) Outcome {
	if c.Origin == OriginConfig {
		return Outcome{Action: GiveUp, Reason: "configuration is invalid"}
	}
	if c.RetryBudget > 0 && c.ConsecutiveFailures >= c.RetryBudget {
		return Outcome{Action: GiveUp, Reason: fmt.Sprintf("retry budget of %d exhausted", c.RetryBudget)}
	}
	if c.Origin == OriginOverload && c.CanReduceQuality {
		reason := "overloaded, reducing quality"
		if c.LowerQuality != "" {
			reason += " to " + c.LowerQuality
		}
		return Outcome{Action: ReduceQuality, Reason: reason}
	}
	if c.MinimalTier {
		if c.SyntheticSupported {
			return Outcome{Action: RetryDegraded, Reason: "resource tier does not allow a renderer"}
		}
		return Outcome{Action: GiveUp, Reason: "resource tier does not allow a renderer and no synthetic source exists"}
	}
	switch c.Origin {
	case OriginRenderer, OriginResource:
		if c.SyntheticSupported && (c.DegradeThreshold <= 0 || c.ConsecutiveFailures <= c.DegradeThreshold) {
			return Outcome{Action: RetryDegraded, Reason: fmt.Sprintf("%s failed, switching to synthetic source", c.Origin)}
		}
		return Outcome{Action: RetrySame, Reason: fmt.Sprintf("%s failure %d", c.Origin, c.ConsecutiveFailures)}
	default:
		return Outcome{Action: RetrySame, Reason: fmt.Sprintf("%s failure %d", c.Origin, c.ConsecutiveFailures)}
	}
}
