package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceKind identifies what the renderer draws for a stream.
type SourceKind string

const (
	// SourceURL is a remote http(s) page.
	SourceURL SourceKind = "url"
	// SourceFile is a local HTML document.
	SourceFile SourceKind = "file"
	// SourceProgram is an interactive program run under an interpreter.
	SourceProgram SourceKind = "program"
)

// Valid reports whether the kind is one the orchestrator can launch.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceURL, SourceFile, SourceProgram:
		return true
	default:
		return false
	}
}

// RequiresRenderer reports whether the source needs a renderer process.
// Every launchable kind draws into a virtual display.
func (k SourceKind) RequiresRenderer() bool {
	return k.Valid()
}

// SupportsSynthetic reports whether a synthetic test source can stand in for
// the renderer output. The test pattern replaces any display, so this holds
// for every launchable kind and the recovery policy only gives up for lack of
// a stand-in when a kind is added that opts out here.
func (k SourceKind) SupportsSynthetic() bool {
	return k.Valid()
}

// SupportsNavigation reports whether a running renderer can load a new
// location of this kind without restarting.
func (k SourceKind) SupportsNavigation() bool {
	return k == SourceURL || k == SourceFile
}

// Source describes the content rendered for a stream.
type Source struct {
	Kind     SourceKind `json:"kind"`
	Location string     `json:"location"`
}

// Target is one external ingest endpoint.
type Target struct {
	Label    string `json:"label,omitempty"`
	Platform string `json:"platform,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Key      string `json:"key,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Name returns a printable identifier for the target that never contains the
// ingest key.
func (t Target) Name() string {
	switch {
	case strings.TrimSpace(t.Label) != "":
		return strings.TrimSpace(t.Label)
	case strings.TrimSpace(t.Platform) != "":
		return strings.TrimSpace(t.Platform)
	default:
		return "target"
	}
}

// URL joins the endpoint and ingest key into the publish address.
func (t Target) URL() string {
	endpoint := strings.TrimSpace(t.Endpoint)
	key := strings.TrimSpace(t.Key)
	if key == "" {
		return endpoint
	}
	return strings.TrimRight(endpoint, "/") + "/" + key
}

// QualityHint names a resolution and frame-rate class.
type QualityHint string

const (
	QualityLow    QualityHint = "low"
	QualityMedium QualityHint = "medium"
	QualityHigh   QualityHint = "high"
	QualityUltra  QualityHint = "ultra"
	QualityCustom QualityHint = "custom"
)

// Rank orders the presets so they can be clamped against a ceiling. Custom
// and unknown hints rank as medium.
func (q QualityHint) Rank() int {
	switch q {
	case QualityLow:
		return 1
	case QualityHigh:
		return 3
	case QualityUltra:
		return 4
	default:
		return 2
	}
}

// StepDown returns the next lower preset. Low, custom, and unknown hints
// cannot step down.
func (q QualityHint) StepDown() (QualityHint, bool) {
	switch q {
	case QualityUltra:
		return QualityHigh, true
	case QualityHigh:
		return QualityMedium, true
	case QualityMedium:
		return QualityLow, true
	default:
		return q, false
	}
}

// Orientation selects between landscape and portrait presets.
type Orientation string

const (
	OrientationAuto       Orientation = "auto"
	OrientationHorizontal Orientation = "horizontal"
	OrientationVertical   Orientation = "vertical"
)

// QualitySettings is the resolved encoder geometry.
type QualitySettings struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	BitrateKbps int `json:"bitrateKbps"`
	Framerate   int `json:"framerate"`
}

// Resolution formats the geometry as WIDTHxHEIGHT.
func (q QualitySettings) Resolution() string {
	return fmt.Sprintf("%dx%d", q.Width, q.Height)
}

// ParseResolution parses WIDTHxHEIGHT.
func ParseResolution(value string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(value)), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", value)
	}
	width, err := strconv.Atoi(parts[0])
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution width %q", value)
	}
	height, err := strconv.Atoi(parts[1])
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution height %q", value)
	}
	return width, height, nil
}

var horizontalPresets = map[QualityHint]QualitySettings{
	QualityLow:    {Width: 854, Height: 480, BitrateKbps: 1000, Framerate: 24},
	QualityMedium: {Width: 1280, Height: 720, BitrateKbps: 2500, Framerate: 30},
	QualityHigh:   {Width: 1920, Height: 1080, BitrateKbps: 4000, Framerate: 30},
	QualityUltra:  {Width: 1920, Height: 1080, BitrateKbps: 6000, Framerate: 60},
}

// Preset returns the settings for a named quality class. Vertical presets swap
// width and height. Unknown hints resolve to medium.
func Preset(hint QualityHint, vertical bool) QualitySettings {
	settings, ok := horizontalPresets[hint]
	if !ok {
		settings = horizontalPresets[QualityMedium]
	}
	if vertical {
		settings.Width, settings.Height = settings.Height, settings.Width
	}
	return settings
}

// AudioConfig describes the optional audio capture.
type AudioConfig struct {
	Enabled     bool   `json:"enabled"`
	Device      string `json:"device,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
}

// RunIntent records whether the orchestrator was last asked to run a stream.
type RunIntent string

const (
	IntentRunning RunIntent = "running"
	IntentStopped RunIntent = "stopped"
)

// StreamDefinition is the declarative description of one stream.
type StreamDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	ProjectID   string           `json:"projectId,omitempty"`
	TemplateID  string           `json:"templateId,omitempty"`
	Platform    string           `json:"platform,omitempty"`
	Source      Source           `json:"source"`
	Targets     []Target         `json:"targets"`
	Quality     QualityHint      `json:"quality,omitempty"`
	Orientation Orientation      `json:"orientation,omitempty"`
	Custom      *QualitySettings `json:"custom,omitempty"`
	Audio       *AudioConfig     `json:"audio,omitempty"`
	AutoStart   bool             `json:"autoStart"`
	Intent      RunIntent        `json:"intent,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// EnabledTargets returns the enabled targets in definition order.
func (d StreamDefinition) EnabledTargets() []Target {
	enabled := make([]Target, 0, len(d.Targets))
	for _, target := range d.Targets {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return enabled
}

// WantsRunning reports whether startup recovery should launch the stream.
func (d StreamDefinition) WantsRunning() bool {
	return d.Intent == IntentRunning || d.AutoStart
}

// AudioEnabled reports whether a capture device should be opened.
func (d StreamDefinition) AudioEnabled() bool {
	return d.Audio != nil && d.Audio.Enabled
}

// Clone returns a deep copy of the definition.
func (d StreamDefinition) Clone() StreamDefinition {
	clone := d
	if d.Targets != nil {
		clone.Targets = append([]Target(nil), d.Targets...)
	}
	if d.Custom != nil {
		custom := *d.Custom
		clone.Custom = &custom
	}
	if d.Audio != nil {
		audio := *d.Audio
		clone.Audio = &audio
	}
	return clone
}

// DefinitionDiff summarises how a definition changed between two revisions.
type DefinitionDiff struct {
	// Topology is set when the process layout must be rebuilt. A platform
	// change sets it too since the platform can flip orientation.
	Topology bool
	// Content is set when only the source location changed.
	Content bool
	// Targets is set when the delivery target list changed, including a
	// platform change that alters endpoint fallback.
	Targets bool
}

// Changed reports whether anything relevant to a running pipeline changed.
func (d DefinitionDiff) Changed() bool {
	return d.Topology || d.Content || d.Targets
}

// Diff compares two revisions of the same stream.
func Diff(previous, next StreamDefinition) DefinitionDiff {
	var diff DefinitionDiff
	if previous.Source.Kind != next.Source.Kind ||
		!sameAudio(previous.Audio, next.Audio) ||
		previous.Quality != next.Quality ||
		previous.Orientation != next.Orientation ||
		!sameCustom(previous.Custom, next.Custom) {
		diff.Topology = true
	}
	if previous.Source.Location != next.Source.Location {
		diff.Content = true
	}
	if !sameTargets(previous.EnabledTargets(), next.EnabledTargets()) {
		diff.Targets = true
	}
	if !strings.EqualFold(strings.TrimSpace(previous.Platform), strings.TrimSpace(next.Platform)) {
		diff.Topology = true
		diff.Targets = true
	}
	return diff
}

func sameAudio(a, b *AudioConfig) bool {
	enabledA := a != nil && a.Enabled
	enabledB := b != nil && b.Enabled
	if enabledA != enabledB {
		return false
	}
	if !enabledA {
		return true
	}
	return *a == *b
}

func sameCustom(a, b *QualitySettings) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTargets(a, b []Target) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Project groups streams that share settings.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
	Audio       *AudioConfig      `json:"audio,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Template pre-fills stream definitions.
type Template struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	Defaults    StreamDefinition `json:"defaults"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Platform describes a known ingest service.
type Platform struct {
	Name           string `json:"name"`
	DisplayName    string `json:"displayName"`
	IngestURL      string `json:"ingestUrl"`
	MaxBitrateKbps int    `json:"maxBitrateKbps"`
	Vertical       bool   `json:"vertical"`
}

// DefaultPlatforms returns the built-in ingest catalogue.
func DefaultPlatforms() []Platform {
	return []Platform{
		{Name: "youtube", DisplayName: "YouTube Live", IngestURL: "rtmp://a.rtmp.youtube.com/live2/", MaxBitrateKbps: 9000},
		{Name: "twitch", DisplayName: "Twitch", IngestURL: "rtmp://live.twitch.tv/live/", MaxBitrateKbps: 6000},
		{Name: "facebook", DisplayName: "Facebook Live", IngestURL: "rtmps://live-api-s.facebook.com:443/rtmp/", MaxBitrateKbps: 4000},
		{Name: "linkedin", DisplayName: "LinkedIn Live", IngestURL: "rtmps://1-46c2-477-4480.live-video.net/live/", MaxBitrateKbps: 5000},
		{Name: "instagram", DisplayName: "Instagram Live", IngestURL: "rtmps://live-upload.instagram.com/rtmp/", MaxBitrateKbps: 3500, Vertical: true},
		{Name: "tiktok", DisplayName: "TikTok Live", IngestURL: "rtmp://push.tiktokcdn.com/live/", MaxBitrateKbps: 4000, Vertical: true},
	}
}
