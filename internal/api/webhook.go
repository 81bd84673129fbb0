package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/metrics"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
	ws "github.com/Priya8975/billing-webhook-processor/internal/websocket"
)

const maxWebhookBody = 1 << 20

// Processor applies a parsed envelope.
type Processor interface {
	Process(ctx context.Context, env *webhook.Envelope) engine.Result
}

// Broadcaster publishes processing activity.
type Broadcaster interface {
	Broadcast(event ws.ActivityEvent)
}

// WebhookHandler is the provider-facing endpoint. Anything that passes the
// signature check is acknowledged with 200 so the provider stops retrying;
// events that fail to apply are kept in the failure store for replay
// instead. The one exception is 503, returned when a failed event could not
// be recorded either, so the provider's own retry is the only copy left.
type WebhookHandler struct {
	verifier *webhook.Verifier
	engine   Processor
	failures store.FailureStore
	hub      Broadcaster
	logger   zerolog.Logger
}

func NewWebhookHandler(v *webhook.Verifier, p Processor, failures store.FailureStore, hub Broadcaster, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier: v,
		engine:   p,
		failures: failures,
		hub:      hub,
		logger:   logger.With().Str("component", "ingress").Logger(),
	}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Outcome  string `json:"outcome"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	kind := webhook.KindUnhandled
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}()

	reply := func(code int, v any) {
		status = code
		respondJSON(w, code, v)
	}

	if !h.verifier.Configured() {
		h.logger.Error().Msg("webhook secret not configured, rejecting delivery")
		reply(http.StatusInternalServerError, errorResponse{Error: "webhook secret not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reply(http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		reply(http.StatusBadRequest, errorResponse{Error: "could not read body"})
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		h.logger.Warn().Err(err).Str("remote_ip", clientIP(r)).Msg("webhook signature rejected")
		reply(http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	env, err := webhook.Parse(body)
	if err != nil {
		log := h.logger.Warn().Err(err)
		if env != nil {
			kind = env.Kind
			log = log.Str("event_id", env.EventID).Str("event_type", env.EventType)
		}
		log.Msg("dropping unprocessable webhook")

		resp := webhookResponse{Received: true, Outcome: string(engine.OutcomeDropped)}
		if env != nil {
			resp.EventID = env.EventID
			h.broadcast(env.EventID, env.EventType, engine.Result{Outcome: engine.OutcomeDropped})
		}
		reply(http.StatusOK, resp)
		return
	}
	kind = env.Kind

	res := h.engine.Process(r.Context(), env)
	h.broadcast(env.EventID, env.EventType, res)

	if res.Outcome == engine.OutcomeFailed {
		if err := h.recordFailure(r.Context(), env, res); err != nil {
			h.logger.Error().Err(err).
				Str("event_id", env.EventID).
				Msg("event failed and could not be recorded, asking provider to retry")
			reply(http.StatusServiceUnavailable, errorResponse{Error: "temporarily unable to process"})
			return
		}
	}

	reply(http.StatusOK, webhookResponse{Received: true, EventID: env.EventID, Outcome: string(res.Outcome)})
}

func (h *WebhookHandler) recordFailure(ctx context.Context, env *webhook.Envelope, res engine.Result) error {
	if h.failures == nil {
		return errors.New("no failure store")
	}
	errMsg := "unknown error"
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	id, err := h.failures.RecordFailedEvent(context.WithoutCancel(ctx), store.FailedEventRecord{
		ProviderEventID: env.EventID,
		EventType:       env.EventType,
		Outcome:         string(res.Outcome),
		Error:           errMsg,
		Payload:         env.Raw,
	})
	if err != nil {
		return err
	}
	h.logger.Info().Str("event_id", env.EventID).Str("failed_event_id", id).Msg("failed event recorded for replay")
	return nil
}

func (h *WebhookHandler) broadcast(eventID, eventType string, res engine.Result) {
	if h.hub == nil {
		return
	}
	ev := ws.ActivityEvent{
		Type:      ws.ActivityEventProcessed,
		EventID:   eventID,
		EventType: eventType,
		Outcome:   string(res.Outcome),
	}
	if res.Subscription != nil {
		ev.SubscriptionID = res.Subscription.ID
		ev.Status = res.Subscription.Status
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	h.hub.Broadcast(ev)
}
