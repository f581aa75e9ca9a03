// Package pipeline turns a stream definition and the current resource tier
// into the renderer, encoder, and relay commands of one pipeline attempt.
package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/procgroup"
	"github.com/Cfomodz/RTMP-BASE/internal/profiler"
)

// ErrInvalidConfig marks definitions that can never launch until edited.
var ErrInvalidConfig = errors.New("invalid stream configuration")

// ErrRendererUnavailable is returned when the tier forbids a renderer and the
// caller did not ask for the degraded variant.
var ErrRendererUnavailable = errors.New("renderer not allowed on this resource tier")

// Roles of the processes in a pipeline.
const (
	RoleRenderer = "renderer"
	RoleEncoder  = "encoder"
	RelayPrefix  = "relay:"
)

// RendererReadyLine is printed by the browser once its DevTools endpoint is up.
const RendererReadyLine = "DevTools listening on"

// Config locates the external tools and fixes per-host layout.
type Config struct {
	FFmpegPath      string
	XvfbRunPath     string
	BrowserPath     string
	InterpreterPath string
	// ProfileRoot holds one browser profile directory per slot.
	ProfileRoot string
	// DisplayBase is the X display number of slot zero.
	DisplayBase int
	// DevToolsBasePort is the remote debugging port of slot zero.
	DevToolsBasePort int
	// ProgramSettle is how long an interpreted program must stay alive before
	// it counts as ready.
	ProgramSettle time.Duration
	// RelaySettle is how long a relay must stay alive before it counts as up.
	RelaySettle time.Duration
	BrowserArgs []string
}

// DefaultConfig returns paths resolved through PATH and the classic
// :99 / 9222 layout.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:       "ffmpeg",
		XvfbRunPath:      "xvfb-run",
		BrowserPath:      "chromium",
		InterpreterPath:  "python3",
		DisplayBase:      99,
		DevToolsBasePort: 9222,
		ProgramSettle:    2 * time.Second,
		RelaySettle:      3 * time.Second,
	}
}

// Options selects the variant of one launch.
type Options struct {
	Degraded bool
	Slot     int
	// QualityCap lowers the tier's quality ceiling after a step-down. Empty
	// leaves the ceiling alone.
	QualityCap models.QualityHint
}

// Plan is everything needed to launch one attempt. Renderer is nil for the
// degraded variant.
type Plan struct {
	StreamID     string
	Kind         models.SourceKind
	Quality      models.QualitySettings
	Vertical     bool
	Degraded     bool
	Slot         int
	Display      string
	DevToolsPort int
	Renderer     *procgroup.Spec
	Encoder      procgroup.Spec
	Targets      []models.Target
}

// Builder renders plans against a platform catalogue. The catalogue may be
// replaced while plans are being built.
type Builder struct {
	cfg Config

	mu        sync.RWMutex
	platforms map[string]models.Platform
}

// NewBuilder fills unset config fields from DefaultConfig.
func NewBuilder(cfg Config, platforms []models.Platform) *Builder {
	def := DefaultConfig()
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = def.FFmpegPath
	}
	if cfg.XvfbRunPath == "" {
		cfg.XvfbRunPath = def.XvfbRunPath
	}
	if cfg.BrowserPath == "" {
		cfg.BrowserPath = def.BrowserPath
	}
	if cfg.InterpreterPath == "" {
		cfg.InterpreterPath = def.InterpreterPath
	}
	if cfg.DisplayBase <= 0 {
		cfg.DisplayBase = def.DisplayBase
	}
	if cfg.DevToolsBasePort <= 0 {
		cfg.DevToolsBasePort = def.DevToolsBasePort
	}
	if cfg.ProgramSettle <= 0 {
		cfg.ProgramSettle = def.ProgramSettle
	}
	if cfg.RelaySettle <= 0 {
		cfg.RelaySettle = def.RelaySettle
	}
	b := &Builder{cfg: cfg}
	b.SetPlatforms(platforms)
	return b
}

// SetPlatforms replaces the platform catalogue used by later builds.
func (b *Builder) SetPlatforms(platforms []models.Platform) {
	catalogue := make(map[string]models.Platform, len(platforms))
	for _, platform := range platforms {
		catalogue[strings.ToLower(platform.Name)] = platform
	}
	b.mu.Lock()
	b.platforms = catalogue
	b.mu.Unlock()
}

func (b *Builder) platform(name string) (models.Platform, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	platform, ok := b.platforms[strings.ToLower(name)]
	return platform, ok
}

// DevToolsPort returns the debugging port assigned to slot.
func (b *Builder) DevToolsPort(slot int) int {
	return b.cfg.DevToolsBasePort + slot
}

// Validate reports configuration problems that no retry can fix.
func (b *Builder) Validate(def models.StreamDefinition) error {
	if !def.Source.Kind.Valid() {
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidConfig, def.Source.Kind)
	}
	if strings.TrimSpace(def.Source.Location) == "" {
		return fmt.Errorf("%w: source location is required", ErrInvalidConfig)
	}
	if def.Source.Kind == models.SourceURL {
		parsed, err := url.Parse(def.Source.Location)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: source url %q must be http(s)", ErrInvalidConfig, def.Source.Location)
		}
	}
	if def.Quality == models.QualityCustom {
		if def.Custom == nil || def.Custom.Width <= 0 || def.Custom.Height <= 0 || def.Custom.BitrateKbps <= 0 || def.Custom.Framerate <= 0 {
			return fmt.Errorf("%w: custom quality requires width, height, bitrate, and framerate", ErrInvalidConfig)
		}
	}
	_, err := b.ResolveTargets(def)
	return err
}

// ResolveTargets returns the enabled targets with endpoints filled in from the
// platform catalogue.
func (b *Builder) ResolveTargets(def models.StreamDefinition) ([]models.Target, error) {
	enabled := def.EnabledTargets()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("%w: no enabled target", ErrInvalidConfig)
	}
	resolved := make([]models.Target, 0, len(enabled))
	for _, target := range enabled {
		if strings.TrimSpace(target.Endpoint) == "" {
			platform := target.Platform
			if platform == "" {
				platform = def.Platform
			}
			entry, ok := b.platform(platform)
			if !ok || entry.IngestURL == "" {
				return nil, fmt.Errorf("%w: target %s has no endpoint", ErrInvalidConfig, target.Name())
			}
			target.Endpoint = entry.IngestURL
			if target.Platform == "" {
				target.Platform = entry.Name
			}
		}
		parsed, err := url.Parse(target.URL())
		if err != nil {
			return nil, fmt.Errorf("%w: target %s endpoint is not a url", ErrInvalidConfig, target.Name())
		}
		switch parsed.Scheme {
		case "rtmp", "rtmps", "srt":
		default:
			return nil, fmt.Errorf("%w: target %s uses unsupported scheme %q", ErrInvalidConfig, target.Name(), parsed.Scheme)
		}
		resolved = append(resolved, target)
	}
	return resolved, nil
}

// Vertical reports whether portrait presets apply.
func (b *Builder) Vertical(def models.StreamDefinition) bool {
	switch def.Orientation {
	case models.OrientationVertical:
		return true
	case models.OrientationHorizontal:
		return false
	}
	if platform, ok := b.platform(def.Platform); ok && platform.Vertical {
		return true
	}
	for _, target := range def.EnabledTargets() {
		if platform, ok := b.platform(target.Platform); ok && platform.Vertical {
			return true
		}
	}
	return false
}

// ResolveQuality picks the encoder settings, clamped to the tier ceiling and
// the lowest bitrate limit among the target platforms.
func (b *Builder) ResolveQuality(def models.StreamDefinition, tier profiler.Tier) models.QualitySettings {
	vertical := b.Vertical(def)
	ceiling := tier.QualityCeiling
	if ceiling == "" {
		ceiling = models.QualityLow
	}
	ceilingPreset := models.Preset(ceiling, vertical)

	var settings models.QualitySettings
	if def.Quality == models.QualityCustom && def.Custom != nil {
		settings = *def.Custom
		if settings.Width*settings.Height > ceilingPreset.Width*ceilingPreset.Height {
			settings.Width, settings.Height = ceilingPreset.Width, ceilingPreset.Height
		}
		settings.BitrateKbps = min(settings.BitrateKbps, ceilingPreset.BitrateKbps)
		settings.Framerate = min(settings.Framerate, ceilingPreset.Framerate)
	} else {
		hint := def.Quality
		if hint == "" || hint == models.QualityCustom {
			hint = models.QualityMedium
		}
		if hint.Rank() > ceiling.Rank() {
			hint = ceiling
		}
		settings = models.Preset(hint, vertical)
	}

	for _, target := range def.EnabledTargets() {
		name := target.Platform
		if name == "" {
			name = def.Platform
		}
		if platform, ok := b.platform(name); ok && platform.MaxBitrateKbps > 0 {
			settings.BitrateKbps = min(settings.BitrateKbps, platform.MaxBitrateKbps)
		}
	}
	return settings
}

// Build renders the plan of one attempt.
func (b *Builder) Build(def models.StreamDefinition, tier profiler.Tier, opts Options) (*Plan, error) {
	if err := b.Validate(def); err != nil {
		return nil, err
	}
	if !tier.RendererAllowed && !opts.Degraded {
		return nil, ErrRendererUnavailable
	}
	targets, err := b.ResolveTargets(def)
	if err != nil {
		return nil, err
	}
	if opts.QualityCap != "" && (tier.QualityCeiling == "" || opts.QualityCap.Rank() < tier.QualityCeiling.Rank()) {
		tier.QualityCeiling = opts.QualityCap
	}
	quality := b.ResolveQuality(def, tier)
	plan := &Plan{
		StreamID:     def.ID,
		Kind:         def.Source.Kind,
		Quality:      quality,
		Vertical:     b.Vertical(def),
		Degraded:     opts.Degraded,
		Slot:         opts.Slot,
		Display:      ":" + strconv.Itoa(b.cfg.DisplayBase+opts.Slot),
		DevToolsPort: b.DevToolsPort(opts.Slot),
		Targets:      targets,
	}
	if !opts.Degraded {
		renderer := b.rendererSpec(def, plan)
		plan.Renderer = &renderer
	}
	plan.Encoder = b.encoderSpec(def, tier, plan)
	return plan, nil
}

func (b *Builder) rendererSpec(def models.StreamDefinition, plan *Plan) procgroup.Spec {
	q := plan.Quality
	args := []string{
		"--server-num=" + strconv.Itoa(b.cfg.DisplayBase+plan.Slot),
		fmt.Sprintf("--server-args=-screen 0 %dx%dx24 -ac -nolisten tcp", q.Width, q.Height),
	}
	spec := procgroup.Spec{Role: RoleRenderer, Path: b.cfg.XvfbRunPath}

	if def.Source.Kind == models.SourceProgram {
		args = append(args, b.cfg.InterpreterPath, def.Source.Location)
		spec.Args = args
		spec.Dir = filepath.Dir(def.Source.Location)
		spec.Env = []string{
			"SDL_VIDEODRIVER=x11",
			"SDL_AUDIODRIVER=pulseaudio",
			fmt.Sprintf("STREAM_WIDTH=%d", q.Width),
			fmt.Sprintf("STREAM_HEIGHT=%d", q.Height),
			fmt.Sprintf("STREAM_FPS=%d", q.Framerate),
		}
		spec.ReadyAfter = b.cfg.ProgramSettle
		return spec
	}

	args = append(args, b.cfg.BrowserPath,
		"--kiosk",
		"--no-first-run",
		"--no-default-browser-check",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu",
		"--disable-extensions",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-features=TranslateUI",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
		"--autoplay-policy=no-user-gesture-required",
		"--remote-debugging-address=127.0.0.1",
		"--remote-debugging-port="+strconv.Itoa(plan.DevToolsPort),
		"--window-position=0,0",
		fmt.Sprintf("--window-size=%d,%d", q.Width, q.Height),
	)
	if b.cfg.ProfileRoot != "" {
		args = append(args, "--user-data-dir="+filepath.Join(b.cfg.ProfileRoot, "slot-"+strconv.Itoa(plan.Slot)))
	}
	args = append(args, b.cfg.BrowserArgs...)
	args = append(args, NavigableLocation(def.Source))
	spec.Args = args
	spec.ReadyLine = RendererReadyLine
	return spec
}

func (b *Builder) encoderSpec(def models.StreamDefinition, tier profiler.Tier, plan *Plan) procgroup.Spec {
	q := plan.Quality
	size := q.Resolution()
	fps := strconv.Itoa(q.Framerate)
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}

	audioOutput := []string{"-c:a", "aac", "-b:a", "128k", "-ar", "44100", "-ac", "2"}
	if plan.Degraded {
		args = append(args,
			"-re", "-f", "lavfi", "-i", fmt.Sprintf("testsrc2=size=%s:rate=%s", size, fps),
			"-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100",
			"-vf", "drawtext=text='%{localtime\\:%X}':x=10:y=10:fontsize=24:fontcolor=white:box=1:boxcolor=black@0.5",
		)
	} else {
		args = append(args,
			"-f", "x11grab", "-draw_mouse", "0",
			"-video_size", size, "-framerate", fps,
			"-i", plan.Display+".0",
		)
		input, output := audioArgs(def.Audio)
		args = append(args, input...)
		if output != nil {
			audioOutput = output
		}
	}

	args = append(args,
		"-map", "0:v", "-map", "1:a",
		"-c:v", "libx264", "-preset", "veryfast",
	)
	if plan.Degraded {
		args = append(args, "-tune", "zerolatency")
	}
	bitrate := strconv.Itoa(q.BitrateKbps) + "k"
	args = append(args,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", strconv.Itoa(q.BitrateKbps*2)+"k",
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(q.Framerate*2),
	)
	if tier.Level == profiler.Minimal {
		args = append(args, "-threads", "1")
	}
	args = append(args, audioOutput...)
	args = append(args, "-f", "mpegts", "pipe:1")
	return procgroup.Spec{Role: RoleEncoder, Path: b.cfg.FFmpegPath, Args: args}
}

// audioArgs maps the capture device to ffmpeg input arguments. A disabled or
// missing config yields a silent track so every target receives audio.
func audioArgs(audio *models.AudioConfig) (input, output []string) {
	if audio == nil || !audio.Enabled {
		return []string{"-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100"}, nil
	}
	device := strings.TrimSpace(audio.Device)
	switch {
	case device == "" || device == "default" || device == "pulse":
		input = []string{"-f", "pulse", "-i", "default"}
	case strings.HasPrefix(device, "hw:") || strings.HasPrefix(device, "plughw:"):
		input = []string{"-f", "alsa", "-i", device}
	default:
		input = []string{"-f", "pulse", "-i", device}
	}
	channels := audio.Channels
	if channels <= 0 {
		channels = 2
	}
	rate := audio.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	kbps := audio.BitrateKbps
	if kbps <= 0 {
		kbps = 128
	}
	output = []string{"-c:a", "aac", "-b:a", strconv.Itoa(kbps) + "k", "-ar", strconv.Itoa(rate), "-ac", strconv.Itoa(channels)}
	return input, output
}

// RelaySpec copies the encoder's MPEG-TS from stdin to one target. RTMP
// ingest takes FLV; SRT carries the transport stream unchanged.
func (b *Builder) RelaySpec(target models.Target) procgroup.Spec {
	return procgroup.Spec{
		Role: RelayPrefix + target.Name(),
		Path: b.cfg.FFmpegPath,
		Args: []string{
			"-hide_banner", "-loglevel", "warning",
			"-f", "mpegts", "-i", "pipe:0",
			"-c", "copy",
			"-f", relayMuxer(target.URL()), target.URL(),
		},
		Stdin:      true,
		ReadyAfter: b.cfg.RelaySettle,
	}
}

func relayMuxer(address string) string {
	if parsed, err := url.Parse(address); err == nil && strings.EqualFold(parsed.Scheme, "srt") {
		return "mpegts"
	}
	return "flv"
}

// NavigableLocation returns the address a browser should load for source.
func NavigableLocation(source models.Source) string {
	if source.Kind != models.SourceFile {
		return source.Location
	}
	location := source.Location
	if strings.HasPrefix(location, "file://") {
		return location
	}
	if abs, err := filepath.Abs(location); err == nil {
		location = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(location)}).String()
}
