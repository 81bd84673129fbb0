package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
)

// QueueDepther reports how many notifications are waiting.
type QueueDepther interface {
	QueueDepth(ctx context.Context) (int64, error)
}

// ClientCounter reports connected activity stream clients.
type ClientCounter interface {
	ClientCount() int
}

type DashboardHandler struct {
	store    store.Backend
	queue    QueueDepther
	cb       *engine.CircuitBreaker
	hub      ClientCounter
	notifyTo string
	logger   zerolog.Logger
}

func NewDashboardHandler(s store.Backend, queue QueueDepther, cb *engine.CircuitBreaker, hub ClientCounter, notifyTarget string, logger zerolog.Logger) *DashboardHandler {
	return &DashboardHandler{store: s, queue: queue, cb: cb, hub: hub, notifyTo: notifyTarget, logger: logger}
}

type metricsResponse struct {
	store.BillingMetrics
	QueueDepth       int64                       `json:"queue_depth"`
	WebSocketClients int                         `json:"websocket_clients"`
	NotifyCircuit    *engine.CircuitBreakerState `json:"notify_circuit,omitempty"`
}

// Metrics returns ledger totals plus the state of the notification pipeline.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	bm, err := h.store.GetBillingMetrics(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load billing metrics")
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	resp := metricsResponse{BillingMetrics: *bm}
	if h.queue != nil {
		depth, err := h.queue.QueueDepth(r.Context())
		if err != nil {
			h.logger.Warn().Err(err).Msg("failed to read notification queue depth")
		}
		resp.QueueDepth = depth
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}
	if h.cb != nil && h.notifyTo != "" {
		state := h.cb.GetState(r.Context(), h.notifyTo)
		resp.NotifyCircuit = &state
	}

	respondJSON(w, http.StatusOK, resp)
}
