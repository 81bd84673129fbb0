package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
)

const replayResolver = "replay"

type FailedEventHandler struct {
	store  store.FailureStore
	engine Processor
	logger zerolog.Logger
}

func NewFailedEventHandler(s store.FailureStore, p Processor, logger zerolog.Logger) *FailedEventHandler {
	return &FailedEventHandler{
		store:  s,
		engine: p,
		logger: logger.With().Str("component", "failed_events").Logger(),
	}
}

// List returns failed events, unresolved by default. ?resolved=true lists
// the resolved ones instead.
func (h *FailedEventHandler) List(w http.ResponseWriter, r *http.Request) {
	resolved := r.URL.Query().Get("resolved") == "true"

	events, err := h.store.ListFailedEvents(r.Context(), resolved, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list failed events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *FailedEventHandler) Get(w http.ResponseWriter, r *http.Request) {
	fe, err := h.store.GetFailedEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get failed event")
		return
	}
	if fe == nil {
		respondError(w, http.StatusNotFound, "failed event not found")
		return
	}
	respondJSON(w, http.StatusOK, fe)
}

type replayResponse struct {
	FailedEventID string        `json:"failed_event_id"`
	Result        engine.Result `json:"result"`
	Error         string        `json:"error,omitempty"`
	Resolved      bool          `json:"resolved"`
}

// Replay runs the stored payload through the engine again. The payload was
// verified when it first arrived, so no signature is checked. Anything other
// than another failure resolves the record.
func (h *FailedEventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fe, err := h.store.GetFailedEvent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get failed event")
		return
	}
	if fe == nil {
		respondError(w, http.StatusNotFound, "failed event not found")
		return
	}
	if fe.ResolvedAt != nil {
		respondError(w, http.StatusConflict, "failed event already resolved")
		return
	}

	env, err := webhook.Parse(fe.Payload)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "stored payload cannot be processed: "+err.Error())
		return
	}

	res := h.engine.Process(r.Context(), env)
	resp := replayResponse{FailedEventID: id, Result: res}
	if res.Outcome == engine.OutcomeFailed {
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		h.logger.Warn().Err(res.Err).Str("failed_event_id", id).Msg("replay failed again")
		respondJSON(w, http.StatusOK, resp)
		return
	}

	err = h.store.ResolveFailedEvent(r.Context(), id, replayResolver)
	switch {
	case err == nil:
		resp.Resolved = true
	case errors.Is(err, store.ErrFailedEventNotFound):
		// Resolved concurrently. The replay itself still happened.
		resp.Resolved = true
	default:
		h.logger.Error().Err(err).Str("failed_event_id", id).Msg("replayed but could not resolve")
	}

	h.logger.Info().
		Str("failed_event_id", id).
		Str("event_id", res.EventID).
		Str("outcome", string(res.Outcome)).
		Msg("failed event replayed")
	respondJSON(w, http.StatusOK, resp)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

// Resolve marks a failed event as handled without replaying it.
func (h *FailedEventHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	by := strings.TrimSpace(req.ResolvedBy)
	if by == "" {
		by = "admin"
	}

	err := h.store.ResolveFailedEvent(r.Context(), chi.URLParam(r, "id"), by)
	if errors.Is(err, store.ErrFailedEventNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resolve failed event")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
