package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/ecanturk/notify-dispatch/internal/events"
	"github.com/ecanturk/notify-dispatch/internal/provider"
	"github.com/ecanturk/notify-dispatch/internal/repository"
)

type fakeNotificationStore struct {
	mu            sync.Mutex
	notifications map[string]*domain.Notification

	// beforeUpdateStatus runs inside UpdateStatusIf before the precondition
	// check, letting tests simulate a concurrent writer.
	beforeUpdateStatus func(id string)
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{notifications: map[string]*domain.Notification{}}
}

func (f *fakeNotificationStore) put(n domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := n
	f.notifications[n.ID] = &stored
}

func (f *fakeNotificationStore) get(id string) domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.notifications[id]
}

func (f *fakeNotificationStore) Create(_ context.Context, n *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n.IdempotencyKey != nil {
		for _, existing := range f.notifications {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return fmt.Errorf("duplicate key value violates unique constraint")
			}
		}
	}

	n.CreatedAt = time.Now().UTC()
	n.UpdatedAt = n.CreatedAt
	stored := *n
	f.notifications[n.ID] = &stored
	return nil
}

func (f *fakeNotificationStore) CreateBatch(ctx context.Context, notifications []*domain.Notification) error {
	for _, n := range notifications {
		if err := f.Create(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeNotificationStore) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *n
	return &copied, nil
}

func (f *fakeNotificationStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notifications {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			copied := *n
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationStore) List(_ context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []domain.Notification
	for _, n := range f.notifications {
		if params.Status != nil && n.Status != *params.Status {
			continue
		}
		if params.Channel != nil && n.Channel != *params.Channel {
			continue
		}
		result = append(result, *n)
	}
	return result, int64(len(result)), nil
}

func (f *fakeNotificationStore) ListByRequestID(_ context.Context, requestID string, _, _ int) ([]domain.Notification, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []domain.Notification
	for _, n := range f.notifications {
		if n.RequestID == requestID {
			result = append(result, *n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, int64(len(result)), nil
}

func (f *fakeNotificationStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []*domain.Notification
	for _, n := range f.notifications {
		if n.Status == domain.StatusPending && n.ScheduledAt != nil && !n.ScheduledAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Notification, 0, len(due))
	for _, n := range due {
		n.Status = domain.StatusClaimed
		n.UpdatedAt = now
		claimed = append(claimed, *n)
	}
	return claimed, nil
}

func (f *fakeNotificationStore) IncrementAttempt(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.notifications[id]
	if !ok || n.Status != domain.StatusClaimed {
		return 0, domain.ErrConflict
	}
	n.AttemptCount++
	return n.AttemptCount, nil
}

func (f *fakeNotificationStore) UpdateStatusIf(_ context.Context, id string, expected, next domain.Status, fields repository.StatusFields) error {
	if f.beforeUpdateStatus != nil {
		f.beforeUpdateStatus(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.notifications[id]
	if !ok || n.Status != expected {
		return domain.ErrConflict
	}

	n.Status = next
	if fields.ProviderMessageID != nil {
		value := *fields.ProviderMessageID
		n.ProviderMessageID = &value
	}
	if fields.LastError != nil {
		value := *fields.LastError
		n.LastError = &value
	}
	if fields.ScheduledAt != nil {
		value := fields.ScheduledAt.UTC()
		n.ScheduledAt = &value
	}
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeNotificationStore) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status != domain.StatusPending {
		return domain.ErrConflict
	}
	n.Status = domain.StatusCancelled
	return nil
}

func (f *fakeNotificationStore) RequestSummary(_ context.Context, requestID string) ([]repository.StatusCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	byStatus := map[domain.Status]int{}
	for _, n := range f.notifications {
		if n.RequestID == requestID {
			byStatus[n.Status]++
		}
	}

	var counts []repository.StatusCount
	for status, count := range byStatus {
		counts = append(counts, repository.StatusCount{Status: status, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].Status < counts[j].Status })
	return counts, nil
}

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts  map[string]*domain.DeliveryAttempt
	createErr error
}

func newFakeAttemptStore() *fakeAttemptStore {
	return &fakeAttemptStore{attempts: map[string]*domain.DeliveryAttempt{}}
}

func (f *fakeAttemptStore) Create(_ context.Context, a *domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	stored := *a
	f.attempts[a.ID] = &stored
	return nil
}

func (f *fakeAttemptStore) Finalize(_ context.Context, id string, outcome domain.AttemptOutcome, statusCode *int, errorDetail *string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.attempts[id]
	if !ok || a.FinishedAt != nil {
		return domain.ErrConflict
	}
	a.Outcome = &outcome
	a.ProviderStatusCode = statusCode
	a.ErrorDetail = errorDetail
	finished := finishedAt.UTC()
	a.FinishedAt = &finished
	return nil
}

func (f *fakeAttemptStore) GetByNotificationID(_ context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []domain.DeliveryAttempt
	for _, a := range f.attempts {
		if a.NotificationID == notificationID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AttemptNumber < result[j].AttemptNumber })
	return result, nil
}

func (f *fakeAttemptStore) LatestFinished(_ context.Context, notificationID string) (*domain.DeliveryAttempt, error) {
	all, _ := f.GetByNotificationID(context.Background(), notificationID)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].FinishedAt != nil {
			attempt := all[i]
			return &attempt, nil
		}
	}
	return nil, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	response *provider.ProviderResponse
	err      error
	calls    int
}

func (f *fakeProvider) Send(_ context.Context, _ domain.Notification) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, f.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.StatusEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, event events.StatusEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published() []events.StatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.StatusEvent(nil), f.events...)
}

type fakeRateLimiter struct {
	mu      sync.Mutex
	waitErr error
	waits   []string
}

func (f *fakeRateLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRateLimiter) Wait(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return f.waitErr
	}
	f.waits = append(f.waits, strings.ToLower(channel))
	return nil
}
