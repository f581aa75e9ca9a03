package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Cfomodz/RTMP-BASE/internal/eventlog"
	"github.com/Cfomodz/RTMP-BASE/internal/models"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/logging"
	"github.com/Cfomodz/RTMP-BASE/internal/orchestrator"
	"github.com/Cfomodz/RTMP-BASE/internal/pipeline"
	"github.com/Cfomodz/RTMP-BASE/internal/registry"
	"github.com/Cfomodz/RTMP-BASE/internal/supervisor"
)

const maxEventLimit = 1000

// Service is the orchestrator surface the handlers drive.
type Service interface {
	Start(ctx context.Context, id string) (orchestrator.StreamStatus, error)
	Stop(ctx context.Context, id string) (orchestrator.StreamStatus, error)
	Reset(ctx context.Context, id string) (orchestrator.StreamStatus, error)
	Status(ctx context.Context, id string) (orchestrator.StreamStatus, error)
	UpdateContent(ctx context.Context, id string, source models.Source) (orchestrator.StreamStatus, error)
	ListAll(ctx context.Context) ([]orchestrator.StreamStatus, error)
	Events(ctx context.Context, id string, window time.Duration, limit int) ([]eventlog.Event, error)
}

type Handler struct {
	Service Service
	Logger  *slog.Logger
	// Checks are reported by /healthz keyed by component name.
	Checks map[string]HealthCheck
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger, Checks: make(map[string]HealthCheck)}
}

type contentRequest struct {
	Kind     models.SourceKind `json:"kind"`
	Location string            `json:"location"`
}

func streamID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrFailedPermanently):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrInvalidConfig),
		errors.Is(err, orchestrator.ErrInvalidSource),
		errors.Is(err, registry.ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), h.Logger).Error("stream request failed", "action", action, "error", err)
	}
	writeError(w, status, err)
}

// ListStreams handles GET /v1/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.Service.ListAll(r.Context())
	if err != nil {
		h.fail(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("%d streams", len(streams)),
		Streams: streams,
	})
}

// GetStream handles GET /v1/streams/{id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	status, err := h.Service.Status(r.Context(), streamID(r))
	if err != nil {
		h.fail(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: string(status.State), Stream: status})
}

// StartStream handles POST /v1/streams/{id}/start.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "start", h.Service.Start, "Stream started")
}

// StopStream handles POST /v1/streams/{id}/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "stop", h.Service.Stop, "Stream stopped")
}

// ResetStream handles POST /v1/streams/{id}/reset.
func (h *Handler) ResetStream(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reset", h.Service.Reset, "Stream reset")
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action string, op func(context.Context, string) (orchestrator.StreamStatus, error), message string) {
	status, err := op(r.Context(), streamID(r))
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			logging.WithContext(r.Context(), h.Logger).Error("stream request failed", "action", action, "error", err)
		}
		payload := envelope{Success: false, Message: err.Error()}
		if status.StreamID != "" {
			payload.Stream = status
		}
		writeJSON(w, code, payload)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Stream: status})
}

// UpdateContent handles PUT /v1/streams/{id}/content.
func (h *Handler) UpdateContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	source := models.Source{Kind: req.Kind, Location: strings.TrimSpace(req.Location)}
	status, err := h.Service.UpdateContent(r.Context(), streamID(r), source)
	if err != nil {
		h.fail(w, r, "update_content", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Content updated", Stream: status})
}

// StreamEvents handles GET /v1/streams/{id}/events?window=1h&limit=100.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var window time.Duration
	if raw := strings.TrimSpace(query.Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid window %q", raw))
			return
		}
		window = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	if limit == 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}

	id := streamID(r)
	if _, err := h.Service.Status(r.Context(), id); err != nil {
		h.fail(w, r, "events", err)
		return
	}
	events, err := h.Service.Events(r.Context(), id, window, limit)
	if err != nil {
		h.fail(w, r, "events", err)
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("%d events", len(events)),
		Events:  events,
	})
}
