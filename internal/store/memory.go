package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/billing-webhook-processor/internal/domain"
)

// MemoryStore is an in-process Backend used by tests and by the server when
// LEDGER_BACKEND=memory. Transactions are serialized and work on a copy of
// the state that replaces the committed state only when fn succeeds.
type MemoryStore struct {
	mu *sync.Mutex
	// root is nil for the committed store and points at it for a tx view.
	root *MemoryStore
	st   *memState
}

type memState struct {
	users       map[string]string
	plans       map[string]domain.Plan
	subs        []domain.Subscription
	applied     map[string]time.Time
	failed      []domain.FailedEvent
	attempts    []domain.NotificationAttempt
	deadLetters []domain.NotificationDeadLetter
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		st: &memState{
			users:   map[string]string{},
			plans:   map[string]domain.Plan{},
			applied: map[string]time.Time{},
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:       make(map[string]string, len(s.users)),
		plans:       make(map[string]domain.Plan, len(s.plans)),
		subs:        append([]domain.Subscription(nil), s.subs...),
		applied:     make(map[string]time.Time, len(s.applied)),
		failed:      append([]domain.FailedEvent(nil), s.failed...),
		attempts:    append([]domain.NotificationAttempt(nil), s.attempts...),
		deadLetters: append([]domain.NotificationDeadLetter(nil), s.deadLetters...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.applied {
		c.applied[k] = v
	}
	return c
}

// view runs fn against the state, taking the lock unless this is a tx view
// whose lock is already held.
func (m *MemoryStore) view(fn func(st *memState)) {
	if m.root == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	fn(m.st)
}

// AddUser seeds a marketplace user.
func (m *MemoryStore) AddUser(id, email string) {
	m.view(func(st *memState) { st.users[id] = email })
}

// AddPlan seeds a catalog plan.
func (m *MemoryStore) AddPlan(p domain.Plan) {
	m.view(func(st *memState) { st.plans[p.ID] = p })
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) InTx(ctx context.Context, fn func(Ledger) error) error {
	if m.root != nil {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &MemoryStore{mu: m.mu, root: m, st: m.st.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.st = tx.st
	return nil
}

func (m *MemoryStore) FindPlan(_ context.Context, planID string) (*domain.Plan, error) {
	var plan *domain.Plan
	m.view(func(st *memState) {
		if p, ok := st.plans[planID]; ok {
			plan = &p
		}
	})
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

func (m *MemoryStore) FindUserEmail(_ context.Context, userID string) (string, error) {
	var (
		email string
		ok    bool
	)
	m.view(func(st *memState) { email, ok = st.users[userID] })
	if !ok {
		return "", ErrUserNotFound
	}
	return email, nil
}

func (m *MemoryStore) FindSubscriptionByPaymentID(_ context.Context, paymentID string) (*domain.Subscription, error) {
	var found *domain.Subscription
	m.view(func(st *memState) {
		for i := range st.subs {
			if st.subs[i].ProviderPaymentID == paymentID {
				sub := st.subs[i]
				found = &sub
				return
			}
		}
	})
	return found, nil
}

func (m *MemoryStore) FindSubscriptionByCustomerID(_ context.Context, customerID, userID string) (*domain.Subscription, error) {
	var found *domain.Subscription
	m.view(func(st *memState) {
		for i := len(st.subs) - 1; i >= 0; i-- {
			sub := st.subs[i]
			if sub.ProviderCustomerID != customerID {
				continue
			}
			if userID != "" && sub.UserID != userID {
				continue
			}
			found = &sub
			return
		}
	})
	return found, nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	var found *domain.Subscription
	m.view(func(st *memState) {
		for i := range st.subs {
			if st.subs[i].ID == id {
				sub := st.subs[i]
				found = &sub
				return
			}
		}
	})
	return found, nil
}

func (m *MemoryStore) ListSubscriptionsByCustomer(_ context.Context, customerID string, limit int) ([]domain.Subscription, error) {
	subs := []domain.Subscription{}
	m.view(func(st *memState) {
		for i := len(st.subs) - 1; i >= 0; i-- {
			if limit > 0 && len(subs) >= limit {
				return
			}
			if st.subs[i].ProviderCustomerID == customerID {
				subs = append(subs, st.subs[i])
			}
		}
	})
	return subs, nil
}

func (m *MemoryStore) InsertSubscription(_ context.Context, sub *domain.Subscription) error {
	var err error
	m.view(func(st *memState) {
		for i := range st.subs {
			if st.subs[i].ProviderPaymentID == sub.ProviderPaymentID {
				err = ErrDuplicatePayment
				return
			}
		}
		st.subs = append(st.subs, *sub)
	})
	return err
}

func (m *MemoryStore) UpdateSubscriptionStatus(_ context.Context, id, status string) error {
	err := ErrSubscriptionNotFound
	m.view(func(st *memState) {
		for i := range st.subs {
			if st.subs[i].ID == id {
				st.subs[i].Status = status
				st.subs[i].UpdatedAt = time.Now().UTC()
				err = nil
				return
			}
		}
	})
	return err
}

func (m *MemoryStore) InsertAppliedEventMarker(_ context.Context, eventID string) error {
	var err error
	m.view(func(st *memState) {
		if _, ok := st.applied[eventID]; ok {
			err = ErrDuplicateEvent
			return
		}
		st.applied[eventID] = time.Now().UTC()
	})
	return err
}

// AppliedEvents returns the recorded event ids in processing order.
func (m *MemoryStore) AppliedEvents() []domain.AppliedEvent {
	var out []domain.AppliedEvent
	m.view(func(st *memState) {
		for id, at := range st.applied {
			out = append(out, domain.AppliedEvent{ProviderEventID: id, ProcessedAt: at})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out
}

func (m *MemoryStore) RecordFailedEvent(_ context.Context, rec FailedEventRecord) (string, error) {
	fe := domain.FailedEvent{
		ID:              uuid.NewString(),
		ProviderEventID: rec.ProviderEventID,
		EventType:       rec.EventType,
		Outcome:         rec.Outcome,
		Error:           rec.Error,
		Payload:         append([]byte(nil), rec.Payload...),
		CreatedAt:       time.Now().UTC(),
	}
	m.view(func(st *memState) { st.failed = append(st.failed, fe) })
	return fe.ID, nil
}

func (m *MemoryStore) ListFailedEvents(_ context.Context, resolved bool, limit int) ([]domain.FailedEvent, error) {
	events := []domain.FailedEvent{}
	m.view(func(st *memState) {
		for i := len(st.failed) - 1; i >= 0; i-- {
			if limit > 0 && len(events) >= limit {
				return
			}
			if (st.failed[i].ResolvedAt != nil) == resolved {
				events = append(events, st.failed[i])
			}
		}
	})
	return events, nil
}

func (m *MemoryStore) GetFailedEvent(_ context.Context, id string) (*domain.FailedEvent, error) {
	var found *domain.FailedEvent
	m.view(func(st *memState) {
		for i := range st.failed {
			if st.failed[i].ID == id {
				fe := st.failed[i]
				found = &fe
				return
			}
		}
	})
	return found, nil
}

func (m *MemoryStore) ResolveFailedEvent(_ context.Context, id, resolvedBy string) error {
	err := ErrFailedEventNotFound
	m.view(func(st *memState) {
		for i := range st.failed {
			if st.failed[i].ID == id && st.failed[i].ResolvedAt == nil {
				now := time.Now().UTC()
				by := resolvedBy
				st.failed[i].ResolvedAt = &now
				st.failed[i].ResolvedBy = &by
				err = nil
				return
			}
		}
	})
	return err
}

func (m *MemoryStore) RecordNotificationAttempt(_ context.Context, rec NotificationAttemptRecord) error {
	a := domain.NotificationAttempt{
		ID:             uuid.NewString(),
		NotificationID: rec.NotificationID,
		SubscriptionID: rec.SubscriptionID,
		Kind:           rec.Kind,
		AttemptNumber:  rec.AttemptNumber,
		Status:         rec.Status,
		HTTPStatusCode: rec.HTTPStatusCode,
		NextRetryAt:    rec.NextRetryAt,
		CreatedAt:      time.Now().UTC(),
	}
	ms := rec.ResponseTimeMs
	a.ResponseTimeMs = &ms
	if rec.ErrorMessage != "" {
		msg := rec.ErrorMessage
		a.ErrorMessage = &msg
	}
	m.view(func(st *memState) { st.attempts = append(st.attempts, a) })
	return nil
}

func (m *MemoryStore) InsertNotificationDeadLetter(_ context.Context, rec NotificationDeadLetterRecord) error {
	dl := domain.NotificationDeadLetter{
		ID:             uuid.NewString(),
		NotificationID: rec.NotificationID,
		SubscriptionID: rec.SubscriptionID,
		Kind:           rec.Kind,
		TotalAttempts:  rec.TotalAttempts,
		LastHTTPStatus: rec.LastHTTPStatus,
		CreatedAt:      time.Now().UTC(),
	}
	if rec.LastError != "" {
		msg := rec.LastError
		dl.LastError = &msg
	}
	m.view(func(st *memState) { st.deadLetters = append(st.deadLetters, dl) })
	return nil
}

func (m *MemoryStore) ListNotificationAttempts(_ context.Context, subscriptionID, status string, limit int) ([]domain.NotificationAttempt, error) {
	attempts := []domain.NotificationAttempt{}
	m.view(func(st *memState) {
		for i := len(st.attempts) - 1; i >= 0; i-- {
			if limit > 0 && len(attempts) >= limit {
				return
			}
			a := st.attempts[i]
			if subscriptionID != "" && a.SubscriptionID != subscriptionID {
				continue
			}
			if status != "" && a.Status != status {
				continue
			}
			attempts = append(attempts, a)
		}
	})
	return attempts, nil
}

func (m *MemoryStore) ListNotificationDeadLetters(_ context.Context, limit int) ([]domain.NotificationDeadLetter, error) {
	letters := []domain.NotificationDeadLetter{}
	m.view(func(st *memState) {
		for i := len(st.deadLetters) - 1; i >= 0; i-- {
			if limit > 0 && len(letters) >= limit {
				return
			}
			letters = append(letters, st.deadLetters[i])
		}
	})
	return letters, nil
}

func (m *MemoryStore) GetBillingMetrics(context.Context) (*BillingMetrics, error) {
	bm := &BillingMetrics{SubscriptionsByStatus: map[string]int{}}
	m.view(func(st *memState) {
		for _, sub := range st.subs {
			bm.SubscriptionsByStatus[sub.Status]++
			bm.TotalSubscriptions++
		}
		bm.AppliedEvents = len(st.applied)
		for _, fe := range st.failed {
			if fe.ResolvedAt == nil {
				bm.UnresolvedFailures++
			}
		}
	})
	return bm, nil
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)
