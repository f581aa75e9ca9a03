package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, recorder *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path     string
		expected string
	}{
		{path: "", expected: "/"},
		{path: "/", expected: "/"},
		{path: "/v1/streams/123", expected: "/v1/streams/:id"},
		{path: "/v1/streams/abc123def/", expected: "/v1/streams/:id"},
		{path: "v1/streams/{id}/events", expected: "/v1/streams/{id}/events"},
		{path: "/healthz", expected: "/healthz"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.expected {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.path, got, tc.expected)
		}
	}
}

func TestPipelineCollectors(t *testing.T) {
	recorder := New()
	recorder.PipelineTransition("Stopped", "Starting")
	recorder.PipelineRestart("encoder")
	recorder.PipelineRestart("encoder")
	recorder.DegradedFallback()
	recorder.PermanentFailure()
	recorder.SetPipelineStates(map[string]int{"running": 2, "degraded": 1})
	recorder.FanoutEvent("started")
	recorder.AddFanoutSessions(3)
	recorder.EventLogAppend("ok")
	recorder.SetEventLogBacklog(4)
	recorder.ObserveTier("standard", 1536)
	recorder.StreamRecovered("started")

	body := scrape(t, recorder)
	for _, expected := range []string{
		`streamdrop_pipeline_transitions_total{from="stopped",to="starting"} 1`,
		`streamdrop_pipeline_restarts_total{origin="encoder"} 2`,
		`streamdrop_pipeline_degraded_fallbacks_total 1`,
		`streamdrop_pipeline_permanent_failures_total 1`,
		`streamdrop_pipelines{state="running"} 2`,
		`streamdrop_fanout_session_events_total{event="started"} 1`,
		`streamdrop_fanout_sessions 3`,
		`streamdrop_eventlog_appends_total{result="ok"} 1`,
		`streamdrop_eventlog_backlog 4`,
		`streamdrop_resource_tier{tier="standard"} 1`,
		`streamdrop_available_memory_mebibytes 1536`,
		`streamdrop_recovered_streams_total{result="started"} 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected %q in metrics output:\n%s", expected, body)
		}
	}
}

func TestObserveTierKeepsSingleActiveTier(t *testing.T) {
	recorder := New()
	recorder.ObserveTier("full", 4096)
	recorder.ObserveTier("minimal", 100)

	body := scrape(t, recorder)
	if strings.Contains(body, `streamdrop_resource_tier{tier="full"}`) {
		t.Fatalf("stale tier still exported:\n%s", body)
	}
	if !strings.Contains(body, `streamdrop_resource_tier{tier="minimal"} 1`) {
		t.Fatalf("expected minimal tier to be active:\n%s", body)
	}
}

func TestSetDefault(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	replacement := New()
	SetDefault(replacement)
	SetDefault(nil)
	if Default() != replacement {
		t.Fatal("expected SetDefault to install the replacement and ignore nil")
	}

	ObserveRequest("post", "/v1/streams/abc12345/start", http.StatusAccepted, 10*time.Millisecond)
	body := scrape(t, replacement)
	expected := `streamdrop_http_requests_total{method="POST",path="/v1/streams/:id/start",status="202"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected %q in:\n%s", expected, body)
	}
}
