package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a Prometheus registry with the orchestrator's HTTP, pipeline,
// fanout, event log, and resource collectors.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	degraded         prometheus.Counter
	permanent        prometheus.Counter
	pipelines        *prometheus.GaugeVec
	fanoutEvents     *prometheus.CounterVec
	fanoutSessions   prometheus.Gauge
	eventLogAppends  *prometheus.CounterVec
	eventLogBacklog  prometheus.Gauge
	tierLevel        *prometheus.GaugeVec
	availableMemory  prometheus.Gauge
	recoveredStreams *prometheus.CounterVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdrop_http_requests_total",
			Help: "HTTP requests served by the control API.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamdrop_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdrop_pipeline_transitions_total",
			Help: "Pipeline state machine transitions.",
		}, []string{"from", "to"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdrop_pipeline_restarts_total",
			Help: "Unexpected pipeline exits that scheduled a restart, by failing component.",
		}, []string{"origin"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdrop_pipeline_degraded_fallbacks_total",
			Help: "Launches that fell back to the synthetic source.",
		}),
		permanent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdrop_pipeline_permanent_failures_total",
			Help: "Pipelines that exhausted their retry budget or were misconfigured.",
		}),
		pipelines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamdrop_pipelines",
			Help: "Known pipelines by state.",
		}, []string{"state"}),
		fanoutEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdrop_fanout_session_events_total",
			Help: "Delivery session lifecycle events.",
		}, []string{"event"}),
		fanoutSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdrop_fanout_sessions",
			Help: "Delivery sessions currently running.",
		}),
		eventLogAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdrop_eventlog_appends_total",
			Help: "Event log appends by result.",
		}, []string{"result"}),
		eventLogBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdrop_eventlog_backlog",
			Help: "Events queued but not yet durable.",
		}),
		tierLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamdrop_resource_tier",
			Help: "Most recently measured resource tier (1 for the active tier).",
		}, []string{"tier"}),
		availableMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdrop_available_memory_mebibytes",
			Help: "Available memory at the most recent measurement.",
		}),
		recoveredStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdrop_recovered_streams_total",
			Help: "Streams relaunched by startup recovery, by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		r.requestsTotal,
		r.requestDuration,
		r.transitions,
		r.restarts,
		r.degraded,
		r.permanent,
		r.pipelines,
		r.fanoutEvents,
		r.fanoutSessions,
		r.eventLogAppends,
		r.eventLogBacklog,
		r.tierLevel,
		r.availableMemory,
		r.recoveredStreams,
	)
	return r
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requestsTotal.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// PipelineTransition counts a state machine edge.
func (r *Recorder) PipelineTransition(from, to string) {
	r.transitions.WithLabelValues(normalizeName(from), normalizeName(to)).Inc()
}

// PipelineRestart counts an unexpected exit that led to a restart.
func (r *Recorder) PipelineRestart(origin string) {
	r.restarts.WithLabelValues(normalizeName(origin)).Inc()
}

// DegradedFallback counts a launch that fell back to the synthetic source.
func (r *Recorder) DegradedFallback() {
	r.degraded.Inc()
}

// PermanentFailure counts a pipeline entering its terminal failed state.
func (r *Recorder) PermanentFailure() {
	r.permanent.Inc()
}

// SetPipelineStates replaces the per-state pipeline gauge.
func (r *Recorder) SetPipelineStates(counts map[string]int) {
	r.pipelines.Reset()
	for state, count := range counts {
		r.pipelines.WithLabelValues(normalizeName(state)).Set(float64(count))
	}
}

// FanoutEvent counts a delivery session lifecycle event.
func (r *Recorder) FanoutEvent(event string) {
	r.fanoutEvents.WithLabelValues(normalizeName(event)).Inc()
}

// AddFanoutSessions adjusts the running-session gauge.
func (r *Recorder) AddFanoutSessions(delta int) {
	r.fanoutSessions.Add(float64(delta))
}

// EventLogAppend counts an append outcome such as "ok" or "error".
func (r *Recorder) EventLogAppend(result string) {
	r.eventLogAppends.WithLabelValues(normalizeName(result)).Inc()
}

// SetEventLogBacklog reports the number of queued events.
func (r *Recorder) SetEventLogBacklog(n int) {
	r.eventLogBacklog.Set(float64(n))
}

// ObserveTier records the tier picked by the most recent measurement.
func (r *Recorder) ObserveTier(tier string, availableMB float64) {
	r.tierLevel.Reset()
	r.tierLevel.WithLabelValues(normalizeName(tier)).Set(1)
	r.availableMemory.Set(availableMB)
}

// StreamRecovered counts a startup recovery attempt.
func (r *Recorder) StreamRecovered(result string) {
	r.recoveredStreams.WithLabelValues(normalizeName(result)).Inc()
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records an HTTP request on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler serves the default recorder.
func Handler() http.Handler {
	return Default().Handler()
}
