package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
	ws "github.com/Priya8975/billing-webhook-processor/internal/websocket"
)

// RouterDeps is everything the HTTP layer is built from. Queue,
// CircuitBreaker and RateLimiter may be nil when the matching feature is off.
type RouterDeps struct {
	Backend          store.Backend
	Redis            Pinger
	Verifier         *webhook.Verifier
	Engine           Processor
	Queue            QueueDepther
	CircuitBreaker   *engine.CircuitBreaker
	NotifyTarget     string
	RateLimiter      *engine.RateLimiter
	IngressRateLimit int
	Hub              *ws.Hub
	AdminToken       string
	Logger           zerolog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(d.Logger))
	r.Use(middleware.Recoverer)

	var hub Broadcaster
	if d.Hub != nil {
		hub = d.Hub
	}

	webhookHandler := NewWebhookHandler(d.Verifier, d.Engine, d.Backend, hub, d.Logger)
	failedHandler := NewFailedEventHandler(d.Backend, d.Engine, d.Logger)
	subHandler := NewSubscriptionHandler(d.Backend)
	notifHandler := NewNotificationHandler(d.Backend)

	var clients ClientCounter
	if d.Hub != nil {
		clients = d.Hub
	}
	dashHandler := NewDashboardHandler(d.Backend, d.Queue, d.CircuitBreaker, clients, d.NotifyTarget, d.Logger)

	deps := map[string]Pinger{"ledger": d.Backend}
	if d.Redis != nil {
		deps["redis"] = d.Redis
	}

	r.With(limitByIP(d.RateLimiter, d.IngressRateLimit)).Post("/webhook", webhookHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())
		r.Get("/ready", ReadyHandler(deps))

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin(d.AdminToken))

			r.Route("/failed-events", func(r chi.Router) {
				r.Get("/", failedHandler.List)
				r.Get("/{id}", failedHandler.Get)
				r.Post("/{id}/replay", failedHandler.Replay)
				r.Post("/{id}/resolve", failedHandler.Resolve)
			})

			r.Route("/subscriptions", func(r chi.Router) {
				r.Get("/", subHandler.List)
				r.Get("/{id}", subHandler.Get)
			})

			r.Get("/notifications", notifHandler.ListAttempts)
			r.Get("/notification-dead-letters", notifHandler.ListDeadLetters)
			r.Get("/metrics", dashHandler.Metrics)
		})
	})

	if d.Hub != nil {
		r.With(requireAdmin(d.AdminToken)).Get("/ws", d.Hub.HandleWebSocket)
	}

	return r
}
