package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"quiz-engine/internal/app"
)

// Handler serves the quiz REST API.
type Handler struct {
	engine   *app.Engine
	logger   *slog.Logger
	validate *validator.Validate
}

func NewHandler(engine *app.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine:   engine,
		logger:   logger.With("component", "http"),
		validate: validator.New(),
	}
}

// NewRouter mounts the REST API, the websocket stream and the health probe.
func NewRouter(h *Handler, ws *WSHandler, auth *Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(loggingMiddleware(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/ws", ws.ServeWS)

		r.Route("/api", func(r chi.Router) {
			r.Route("/quiz-exercises", func(r chi.Router) {
				r.Post("/", h.createExercise)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.getExercise)
					r.Get("/status", h.exerciseStatus)
					r.Get("/batches", h.listBatches)
					r.Get("/lifecycle/{event}", h.resolveEvent)
					r.Put("/add-batch", h.addBatch)
					r.Post("/join", h.join)
					r.Put("/actions/{action}", h.performAction)
					r.Post("/re-evaluate", h.reEvaluate)
				})
			})
			r.Put("/quiz-batches/{batchId}/start", h.startBatch)
		})
	})
	return r
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
