package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
)

// SubscriptionReader is the read side of the ledger used by the admin API.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Subscription, error)
}

type SubscriptionHandler struct {
	store SubscriptionReader
}

func NewSubscriptionHandler(s SubscriptionReader) *SubscriptionHandler {
	return &SubscriptionHandler{store: s}
}

// List returns a provider customer's subscriptions, newest first.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	customerID := strings.TrimSpace(r.URL.Query().Get("customer_id"))
	if customerID == "" {
		respondError(w, http.StatusBadRequest, "customer_id is required")
		return
	}

	subs, err := h.store.ListSubscriptionsByCustomer(r.Context(), customerID, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}
