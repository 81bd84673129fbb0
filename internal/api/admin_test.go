package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Priya8975/billing-webhook-processor/internal/store"
)

func call(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_RequiresToken(t *testing.T) {
	srv := newTestServer(t, func(d *RouterDeps) { d.AdminToken = "s3cret" })

	assert.Equal(t, http.StatusUnauthorized, call(srv.handler, http.MethodGet, "/api/v1/metrics", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(srv.handler, http.MethodGet, "/api/v1/metrics", "nope").Code)
	assert.Equal(t, http.StatusOK, call(srv.handler, http.MethodGet, "/api/v1/metrics", "s3cret").Code)

	// Probes stay open.
	assert.Equal(t, http.StatusOK, call(srv.handler, http.MethodGet, "/api/v1/health", "").Code)
}

func TestAdmin_ReplayAppliesAndResolves(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	body := completedBody(t, "evt_1", "txn_1")

	id, err := srv.ledger.RecordFailedEvent(ctx, store.FailedEventRecord{
		ProviderEventID: "evt_1",
		EventType:       "transaction.completed",
		Outcome:         "failed",
		Error:           "connection refused",
		Payload:         body,
	})
	require.NoError(t, err)

	rec := call(srv.handler, http.MethodPost, "/api/v1/failed-events/"+id+"/replay", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Resolved bool `json:"resolved"`
		Result   struct {
			Outcome string `json:"outcome"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Resolved)
	assert.Equal(t, "applied", resp.Result.Outcome)

	sub, err := srv.ledger.FindSubscriptionByPaymentID(ctx, "txn_1")
	require.NoError(t, err)
	require.NotNil(t, sub)

	rec = call(srv.handler, http.MethodPost, "/api/v1/failed-events/"+id+"/replay", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(srv.handler, http.MethodPost, "/api/v1/failed-events/missing/replay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_ReplayRejectsUnparseablePayload(t *testing.T) {
	srv := newTestServer(t, nil)
	id, err := srv.ledger.RecordFailedEvent(context.Background(), store.FailedEventRecord{
		ProviderEventID: "evt_1",
		EventType:       "transaction.completed",
		Outcome:         "failed",
		Payload:         []byte(`{"event_type":"transaction.completed","data":{}}`),
	})
	require.NoError(t, err)

	rec := call(srv.handler, http.MethodPost, "/api/v1/failed-events/"+id+"/replay", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdmin_ResolveFailedEvent(t *testing.T) {
	srv := newTestServer(t, nil)
	id, err := srv.ledger.RecordFailedEvent(context.Background(), store.FailedEventRecord{
		ProviderEventID: "evt_1",
		EventType:       "transaction.completed",
		Outcome:         "failed",
		Payload:         []byte(`{}`),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/failed-events/"+id+"/resolve", strings.NewReader(`{"resolved_by":"oncall"}`))
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fe, err := srv.ledger.GetFailedEvent(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, fe.ResolvedBy)
	assert.Equal(t, "oncall", *fe.ResolvedBy)

	rec = call(srv.handler, http.MethodPost, "/api/v1/failed-events/"+id+"/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(srv.handler, http.MethodGet, "/api/v1/failed-events?resolved=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)
}

func TestAdmin_Subscriptions(t *testing.T) {
	srv := newTestServer(t, nil)
	body := completedBody(t, "evt_1", "txn_1")
	require.Equal(t, http.StatusOK, post(srv.handler, body, signFor(body)).Code)

	rec := call(srv.handler, http.MethodGet, "/api/v1/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(srv.handler, http.MethodGet, "/api/v1/subscriptions?customer_id=ctm_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var subs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "active", subs[0].Status)

	rec = call(srv.handler, http.MethodGet, "/api/v1/subscriptions/"+subs[0].ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(srv.handler, http.MethodGet, "/api/v1/subscriptions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_MetricsCountsLedger(t *testing.T) {
	srv := newTestServer(t, nil)
	body := completedBody(t, "evt_1", "txn_1")
	require.Equal(t, http.StatusOK, post(srv.handler, body, signFor(body)).Code)

	rec := call(srv.handler, http.MethodGet, "/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp metricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalSubscriptions)
	assert.Equal(t, 1, resp.AppliedEvents)
	assert.Equal(t, 1, resp.SubscriptionsByStatus["active"])
	assert.Nil(t, resp.NotifyCircuit)
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyHandler(t *testing.T) {
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("dial tcp: connection refused") })

	rec := httptest.NewRecorder()
	ReadyHandler(map[string]Pinger{"ledger": ok, "redis": ok})(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ReadyHandler(map[string]Pinger{"ledger": ok, "redis": down})(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Checks["ledger"])
	assert.Contains(t, resp.Checks["redis"], "connection refused")
}
