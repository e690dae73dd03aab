package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/logger"
)

// RouterConfig collects what the HTTP surface needs.
type RouterConfig struct {
	Service          *app.AttemptService
	Feed             *app.Feed
	CORSOrigins      []string
	AutosaveInterval time.Duration
	TickInterval     time.Duration
	RequestTimeout   time.Duration
	Logger           *logger.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	attempts := NewAttemptHandler(cfg.Service, cfg.Logger)
	live := NewLiveHandler(cfg.Service, cfg.Feed, cfg.AutosaveInterval, cfg.TickInterval, cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", LearnerHeader},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/v1/attempts", func(r chi.Router) {
		// long-lived websocket sessions must not inherit the request timeout
		r.Get("/{attemptID}/live", live.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.Post("/", attempts.Start)
			r.Get("/{attemptID}", attempts.Status)
			r.Put("/{attemptID}/progress", attempts.SaveProgress)
			r.Post("/{attemptID}/submit", attempts.Submit)
		})
	})
	return r
}
