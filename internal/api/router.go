package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Cfomodz/RTMP-BASE/internal/observability/logging"
	"github.com/Cfomodz/RTMP-BASE/internal/observability/metrics"
)

// RouterConfig carries the cross-cutting collaborators of the router.
type RouterConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewRouter mounts the control API, /healthz, and /metrics.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = h.Logger
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) })
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logging.WithComponent(logger, "http")}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", recorder.Handler())

	r.Route("/v1/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(streamContext)
			r.Get("/", h.GetStream)
			r.Post("/start", h.StartStream)
			r.Post("/stop", h.StopStream)
			r.Post("/reset", h.ResetStream)
			r.Put("/content", h.UpdateContent)
			r.Get("/events", h.StreamEvents)
		})
	})
	return r
}

// streamContext tags the request context with the stream id for handler logs.
func streamContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithStreamID(r.Context(), streamID(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
