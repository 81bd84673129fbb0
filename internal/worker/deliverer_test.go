package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	ws "github.com/Priya8975/billing-webhook-processor/internal/websocket"
)

// expectedSignature is computed independently of the webhook package.
func expectedSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, retryDelays[0], retryDelay(0))
	assert.Equal(t, retryDelays[0], retryDelay(1))
	assert.Equal(t, retryDelays[1], retryDelay(2))
	assert.Equal(t, retryDelays[len(retryDelays)-1], retryDelay(99))
}

type recordedActivity struct {
	mu     sync.Mutex
	events []ws.ActivityEvent
}

func (r *recordedActivity) Broadcast(ev ws.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedActivity) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type deliveryRig struct {
	deliverer *Deliverer
	log       *store.MemoryStore
	notifier  *engine.Notifier
	cb        *engine.CircuitBreaker
	client    *redis.Client
	activity  *recordedActivity
}

func newDeliveryRig(t *testing.T, targetURL string) *deliveryRig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rig := &deliveryRig{
		log:      store.NewMemory(),
		notifier: engine.NewNotifier(client, zerolog.Nop()),
		cb:       engine.NewCircuitBreaker(client, zerolog.Nop()),
		client:   client,
		activity: &recordedActivity{},
	}

	d, err := NewDeliverer(DelivererConfig{
		TargetURL:      targetURL,
		Secret:         "notify-secret",
		HTTPClient:     &http.Client{Timeout: 2 * time.Second},
		Attempts:       rig.log,
		Queue:          rig.notifier,
		CircuitBreaker: rig.cb,
		RateLimiter:    engine.NewRateLimiter(client, "notify", zerolog.Nop()),
		Hub:            rig.activity,
	}, zerolog.Nop())
	require.NoError(t, err)
	rig.deliverer = d
	return rig
}

func testJob(attempt int) engine.NotificationJob {
	return engine.NotificationJob{
		ID:             "ntf_1",
		Kind:           engine.NotifySubscriptionActivated,
		EventID:        "evt_1",
		SubscriptionID: "sub_1",
		UserID:         "42",
		Email:          "buyer@example.com",
		PlanID:         "plan-monthly",
		Status:         "active",
		EndDate:        time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		Attempt:        attempt,
		MaxRetries:     3,
	}
}

func TestDeliver_Success(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	rig := newDeliveryRig(t, server.URL)
	ctx := context.Background()

	rig.deliverer.Deliver(ctx, testJob(1))

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, engine.NotifySubscriptionActivated, gotHeaders.Get("X-Notification-Type"))
	assert.Equal(t, "ntf_1", gotHeaders.Get("X-Notification-ID"))
	assert.Equal(t, "1", gotHeaders.Get("X-Notification-Attempt"))
	assert.Equal(t, expectedSignature(gotBody, "notify-secret"), gotHeaders.Get(SignatureHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "sub_1", body["subscription_id"])
	assert.Equal(t, "buyer@example.com", body["email"])

	attempts, err := rig.log.ListNotificationAttempts(ctx, "sub_1", "", 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "success", attempts[0].Status)
	require.NotNil(t, attempts[0].HTTPStatusCode)
	assert.Equal(t, http.StatusNoContent, *attempts[0].HTTPStatusCode)

	assert.Equal(t, []string{ws.ActivityNotificationSent}, rig.activity.types())
}

func TestDeliver_FailureSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	rig := newDeliveryRig(t, server.URL)
	ctx := context.Background()

	rig.deliverer.Deliver(ctx, testJob(1))

	members, err := rig.client.ZRange(ctx, engine.NotificationQueueKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)

	var retry engine.NotificationJob
	require.NoError(t, json.Unmarshal([]byte(members[0]), &retry))
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, "ntf_1", retry.ID)

	attempts, err := rig.log.ListNotificationAttempts(ctx, "", "retrying", 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].NextRetryAt)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Contains(t, *attempts[0].ErrorMessage, "502")

	assert.Equal(t, 1, rig.cb.GetState(ctx, strings.TrimPrefix(server.URL, "http://")).Failures)
}

func TestDeliver_LastAttemptDeadLetters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rig := newDeliveryRig(t, server.URL)
	ctx := context.Background()

	rig.deliverer.Deliver(ctx, testJob(3))

	depth, err := rig.notifier.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	letters, err := rig.log.ListNotificationDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].TotalAttempts)
	require.NotNil(t, letters[0].LastHTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, *letters[0].LastHTTPStatus)

	assert.Equal(t, []string{ws.ActivityNotificationDLQ}, rig.activity.types())
}

func TestDeliver_OpenCircuitDefersWithoutCalling(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rig := newDeliveryRig(t, server.URL)
	ctx := context.Background()

	target := strings.TrimPrefix(server.URL, "http://")
	for i := 0; i < 5; i++ {
		rig.cb.RecordFailure(ctx, target)
	}

	rig.deliverer.Deliver(ctx, testJob(1))

	assert.Zero(t, calls.Load())

	members, err := rig.client.ZRange(ctx, engine.NotificationQueueKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	var deferred engine.NotificationJob
	require.NoError(t, json.Unmarshal([]byte(members[0]), &deferred))
	assert.Equal(t, 1, deferred.Attempt, "deferral must not spend an attempt")
}

func TestNewDeliverer_RejectsBadURL(t *testing.T) {
	_, err := NewDeliverer(DelivererConfig{TargetURL: "not a url"}, zerolog.Nop())
	assert.Error(t, err)
}
