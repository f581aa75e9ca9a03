// Package profiler maps live host memory to a resource tier that governs which
// pipeline shape a stream may launch with.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/procfs"
	"golang.org/x/sync/singleflight"

	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
)

// Level is the ordered tier name.
type Level int

const (
	Minimal Level = iota
	Constrained
	Standard
	Full
)

func (l Level) String() string {
	switch l {
	case Minimal:
		return "minimal"
	case Constrained:
		return "constrained"
	case Standard:
		return "standard"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a tier name into a Level.
func ParseLevel(value string) (Level, error) {
	for _, level := range []Level{Minimal, Constrained, Standard, Full} {
		if level.String() == value {
			return level, nil
		}
	}
	return Minimal, fmt.Errorf("unknown tier %q", value)
}

// Tier describes what a host at a given resource level may run.
type Tier struct {
	Level            Level              `json:"level"`
	MaxPipelines     int                `json:"maxPipelines"`
	RendererMemoryMB uint64             `json:"rendererMemoryMb"`
	QualityCeiling   models.QualityHint `json:"qualityCeiling"`
	RendererAllowed  bool               `json:"rendererAllowed"`
}

func (t Tier) String() string { return t.Level.String() }

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// DefaultTiers returns the built-in tier table indexed by Level.
func DefaultTiers() [4]Tier {
	return [4]Tier{
		{Level: Minimal, MaxPipelines: 1, RendererMemoryMB: 0, QualityCeiling: models.QualityLow, RendererAllowed: false},
		{Level: Constrained, MaxPipelines: 2, RendererMemoryMB: 384, QualityCeiling: models.QualityMedium, RendererAllowed: true},
		{Level: Standard, MaxPipelines: 4, RendererMemoryMB: 768, QualityCeiling: models.QualityHigh, RendererAllowed: true},
		{Level: Full, MaxPipelines: 8, RendererMemoryMB: 1536, QualityCeiling: models.QualityUltra, RendererAllowed: true},
	}
}

// Thresholds are inclusive upper bounds of available memory, in MiB, for the
// three lower tiers. Anything above StandardMB is Full.
type Thresholds struct {
	MinimalMB     uint64
	ConstrainedMB uint64
	StandardMB    uint64
}

// DefaultThresholds returns the built-in memory boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{MinimalMB: 768, ConstrainedMB: 1024, StandardMB: 2048}
}

// Validate checks the thresholds are strictly increasing.
func (t Thresholds) Validate() error {
	if !(t.MinimalMB < t.ConstrainedMB && t.ConstrainedMB < t.StandardMB) {
		return fmt.Errorf("tier thresholds must be strictly increasing, got %d/%d/%d", t.MinimalMB, t.ConstrainedMB, t.StandardMB)
	}
	return nil
}

// LevelFor maps available memory to a level. A value exactly on a boundary
// selects the lower tier.
func (t Thresholds) LevelFor(availableMB uint64) Level {
	switch {
	case availableMB <= t.MinimalMB:
		return Minimal
	case availableMB <= t.ConstrainedMB:
		return Constrained
	case availableMB <= t.StandardMB:
		return Standard
	default:
		return Full
	}
}

// Sample is one reading of host resources.
type Sample struct {
	AvailableMB uint64
	TotalMB     uint64
	Load1       float64
}

// Source reads a Sample from the host.
type Source interface {
	Sample() (Sample, error)
}

// Config configures a Profiler.
type Config struct {
	// ProcRoot is the procfs mount point. Defaults to /proc.
	ProcRoot   string
	Thresholds Thresholds
	Tiers      *[4]Tier
	// Source overrides the procfs reader.
	Source  Source
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Profiler measures the host on every call; nothing is cached between calls.
type Profiler struct {
	source     Source
	fs         *procfs.FS
	thresholds Thresholds
	tiers      [4]Tier
	logger     *slog.Logger
	metrics    *metrics.Recorder
	flight     singleflight.Group
}

// New constructs a Profiler.
func New(cfg Config) (*Profiler, error) {
	thresholds := cfg.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	tiers := DefaultTiers()
	if cfg.Tiers != nil {
		tiers = *cfg.Tiers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	p := &Profiler{
		source:     cfg.Source,
		thresholds: thresholds,
		tiers:      tiers,
		logger:     logger,
		metrics:    recorder,
	}

	root := cfg.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		if cfg.Source == nil {
			// Keep going: every measurement falls back to the minimal tier.
			logger.Warn("procfs unavailable", "root", root, "error", err)
		}
	} else {
		p.fs = &fs
	}
	if p.source == nil && p.fs != nil {
		p.source = procSource{fs: *p.fs}
	}
	return p, nil
}

// Tier returns the configured tier for a level.
func (p *Profiler) Tier(level Level) Tier {
	if level < Minimal || level > Full {
		level = Minimal
	}
	return p.tiers[level]
}

// CurrentTier measures available memory and maps it to a tier. Measurement
// failures resolve to the minimal tier. Concurrent callers share one read.
func (p *Profiler) CurrentTier(ctx context.Context) Tier {
	sample, err := p.Measure(ctx)
	if err != nil {
		p.logger.Warn("resource measurement failed, assuming minimal tier", "error", err)
		tier := p.Tier(Minimal)
		p.metrics.ObserveTier(tier.Level.String(), 0)
		return tier
	}
	tier := p.Tier(p.thresholds.LevelFor(sample.AvailableMB))
	p.metrics.ObserveTier(tier.Level.String(), float64(sample.AvailableMB))
	return tier
}

// Measure reads the current host sample.
func (p *Profiler) Measure(ctx context.Context) (Sample, error) {
	if p.source == nil {
		return Sample{}, errors.New("profiler: no memory source available")
	}
	ch := p.flight.DoChan("sample", func() (any, error) {
		return p.source.Sample()
	})
	select {
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return Sample{}, result.Err
		}
		return result.Val.(Sample), nil
	}
}

// ProcessRSSMB returns the resident memory of pid in MiB.
func (p *Profiler) ProcessRSSMB(pid int) (uint64, error) {
	if p.fs == nil {
		return 0, errors.New("profiler: procfs unavailable")
	}
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()) / (1 << 20), nil
}

type procSource struct {
	fs procfs.FS
}

func (s procSource) Sample() (Sample, error) {
	info, err := s.fs.Meminfo()
	if err != nil {
		return Sample{}, fmt.Errorf("read meminfo: %w", err)
	}
	if info.MemAvailable == nil {
		return Sample{}, errors.New("meminfo: MemAvailable not reported")
	}
	sample := Sample{AvailableMB: *info.MemAvailable / 1024}
	if info.MemTotal != nil {
		sample.TotalMB = *info.MemTotal / 1024
	}
	if load, err := s.fs.LoadAvg(); err == nil {
		sample.Load1 = load.Load1
	}
	return sample, nil
}
