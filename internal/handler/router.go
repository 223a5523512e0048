package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zrchat/zrchat-client/internal/middleware"
	"github.com/zrchat/zrchat-client/internal/service"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// RouterConfig carries what NewRouter needs besides the session.
type RouterConfig struct {
	// JWTSecret enables token auth on /api/v1 when set; tokens must belong to SelfID.
	JWTSecret string
	SelfID    string

	RateLimitRequests int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
	MaxUploadBytes    int64
	Heartbeat         time.Duration

	Monitor Reachability
	Logger  *logger.Logger
}

// NewRouter mounts the session API, health probes and metrics.
func NewRouter(s *service.Session, cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	healthHandler := NewHealthHandler(s, cfg.Monitor)
	conversationHandler := NewConversationHandler(s, log.Named("conversations"))
	messageHandler := NewMessageHandler(s, cfg.MaxUploadBytes, log.Named("messages"))
	userHandler := NewUserHandler(s, log.Named("users"))
	streamHandler := NewStreamHandler(s, cfg.Heartbeat, log.Named("stream"))

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret, cfg.SelfID))
		}

		r.Get("/stream", streamHandler.Stream)

		r.Group(func(r chi.Router) {
			if cfg.RateLimitRequests > 0 {
				r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			}

			r.Get("/me", userHandler.Me)
			r.Get("/users", userHandler.Users)
			r.Get("/presence", userHandler.Presence)

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", conversationHandler.List)
				r.Post("/direct", conversationHandler.OpenDirect)
				r.Post("/groups", conversationHandler.CreateGroup)

				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", conversationHandler.Delete)
					r.Post("/open", conversationHandler.Open)
					r.Post("/archive", conversationHandler.Archive)
					r.Post("/unarchive", conversationHandler.Unarchive)

					r.Get("/messages", messageHandler.List)
					r.Post("/messages", messageHandler.Send)
					r.Post("/media", messageHandler.SendMedia)
				})
			})

			r.Post("/messages/{id}/read", messageHandler.MarkRead)
		})
	})

	return r
}
