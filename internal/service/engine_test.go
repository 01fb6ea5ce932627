package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/ecanturk/notify-dispatch/internal/provider"
	"go.uber.org/zap"
)

var engineTestNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func claimedNotification(id string) domain.Notification {
	scheduled := engineTestNow.Add(-time.Minute)
	return domain.Notification{
		ID:          id,
		RequestID:   "req-1",
		Channel:     domain.ChannelEmail,
		Recipient:   "user@example.com",
		Subject:     "hello",
		Body:        "body",
		Status:      domain.StatusClaimed,
		MaxAttempts: 3,
		ScheduledAt: &scheduled,
	}
}

type engineFixture struct {
	engine        *DispatchEngine
	notifications *fakeNotificationStore
	attempts      *fakeAttemptStore
	provider      *fakeProvider
	publisher     *fakePublisher
	limiter       *fakeRateLimiter
}

func newEngineFixture(t *testing.T, sendResp *provider.ProviderResponse, sendErr error) *engineFixture {
	t.Helper()

	notifications := newFakeNotificationStore()
	attempts := newFakeAttemptStore()
	fakeProv := &fakeProvider{response: sendResp, err: sendErr}
	publisher := &fakePublisher{}
	limiter := &fakeRateLimiter{}

	router := provider.NewRouter().
		Register(domain.ChannelEmail, fakeProv).
		Register(domain.ChannelSMS, fakeProv)

	engine, err := NewDispatchEngine(
		notifications,
		attempts,
		router,
		limiter,
		publisher,
		time.Second,
		RetryPolicy{BaseDelay: time.Second, MaxDelay: 60 * time.Second},
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewDispatchEngine() error = %v", err)
	}
	engine.now = func() time.Time { return engineTestNow }
	engine.randIntn = func(int) int { return 0 }

	return &engineFixture{
		engine:        engine,
		notifications: notifications,
		attempts:      attempts,
		provider:      fakeProv,
		publisher:     publisher,
		limiter:       limiter,
	}
}

func TestAttemptSuccessMarksSentAndPublishes(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, &provider.ProviderResponse{StatusCode: 200, MessageID: "pm-123"}, nil)
	n := claimedNotification("n-1")
	fx.notifications.put(n)

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptSent {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptSent)
	}

	stored := fx.notifications.get("n-1")
	if stored.Status != domain.StatusSent {
		t.Fatalf("status = %v, want SENT", stored.Status)
	}
	if stored.ProviderMessageID == nil || *stored.ProviderMessageID != "pm-123" {
		t.Fatalf("providerMessageId = %v, want pm-123", stored.ProviderMessageID)
	}
	if stored.AttemptCount != 1 {
		t.Fatalf("attemptCount = %d, want 1", stored.AttemptCount)
	}

	attempts, _ := fx.attempts.GetByNotificationID(context.Background(), "n-1")
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Outcome == nil || *attempts[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("attempt outcome = %v, want SUCCESS", attempts[0].Outcome)
	}
	if attempts[0].FinishedAt == nil {
		t.Fatal("attempt not finalized")
	}

	published := fx.publisher.published()
	if len(published) != 1 {
		t.Fatalf("published events = %d, want 1", len(published))
	}
	if published[0].Status != domain.StatusSent || published[0].ProviderMessageID != "pm-123" {
		t.Fatalf("unexpected event %+v", published[0])
	}
}

func TestAttemptTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	sendErr := &provider.ProviderError{StatusCode: 503, Message: "upstream unavailable", Transient: true}
	fx := newEngineFixture(t, nil, sendErr)
	n := claimedNotification("n-1")
	fx.notifications.put(n)

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptRetried {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptRetried)
	}

	stored := fx.notifications.get("n-1")
	if stored.Status != domain.StatusPending {
		t.Fatalf("status = %v, want PENDING", stored.Status)
	}
	wantAt := engineTestNow.Add(time.Second)
	if stored.ScheduledAt == nil || !stored.ScheduledAt.Equal(wantAt) {
		t.Fatalf("scheduledAt = %v, want %v", stored.ScheduledAt, wantAt)
	}
	if stored.LastError == nil {
		t.Fatal("lastError not recorded")
	}

	// No terminal status, no event.
	if got := len(fx.publisher.published()); got != 0 {
		t.Fatalf("published events = %d, want 0", got)
	}
}

func TestAttemptPermanentFailureMarksFailed(t *testing.T) {
	t.Parallel()

	sendErr := &provider.ProviderError{StatusCode: 422, Message: "invalid recipient", Transient: false}
	fx := newEngineFixture(t, nil, sendErr)
	n := claimedNotification("n-1")
	fx.notifications.put(n)

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptFailed {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptFailed)
	}

	stored := fx.notifications.get("n-1")
	if stored.Status != domain.StatusFailed {
		t.Fatalf("status = %v, want FAILED", stored.Status)
	}

	published := fx.publisher.published()
	if len(published) != 1 || published[0].Status != domain.StatusFailed {
		t.Fatalf("unexpected events %+v", published)
	}

	attempts, _ := fx.attempts.GetByNotificationID(context.Background(), "n-1")
	if len(attempts) != 1 || attempts[0].ProviderStatusCode == nil || *attempts[0].ProviderStatusCode != 422 {
		t.Fatalf("attempt status code not recorded: %+v", attempts)
	}
}

func TestAttemptExhaustedRetriesMarksFailed(t *testing.T) {
	t.Parallel()

	sendErr := &provider.ProviderError{StatusCode: 503, Message: "still down", Transient: true}
	fx := newEngineFixture(t, nil, sendErr)
	n := claimedNotification("n-1")
	n.AttemptCount = 2
	n.MaxAttempts = 3
	fx.notifications.put(n)

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptFailed {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptFailed)
	}

	stored := fx.notifications.get("n-1")
	if stored.Status != domain.StatusFailed {
		t.Fatalf("status = %v, want FAILED", stored.Status)
	}
	if stored.AttemptCount != 3 {
		t.Fatalf("attemptCount = %d, want 3", stored.AttemptCount)
	}
}

func TestAttemptFallsBackToPolicyMaxAttempts(t *testing.T) {
	t.Parallel()

	sendErr := &provider.ProviderError{StatusCode: 503, Message: "still down", Transient: true}
	fx := newEngineFixture(t, nil, sendErr)
	fx.engine.retry.MaxAttempts = 2
	n := claimedNotification("n-1")
	n.AttemptCount = 1
	n.MaxAttempts = 0
	fx.notifications.put(n)

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptFailed {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptFailed)
	}
	if got := fx.notifications.get("n-1").Status; got != domain.StatusFailed {
		t.Fatalf("status = %v, want FAILED", got)
	}
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, context.DeadlineExceeded)
	n := claimedNotification("n-1")
	fx.notifications.put(n)

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptRetried {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptRetried)
	}
}

func TestAttemptDropsWhenNoLongerClaimed(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, &provider.ProviderResponse{StatusCode: 200}, nil)
	n := claimedNotification("n-1")
	// Stored row never got claimed; IncrementAttempt must refuse.
	stored := n
	stored.Status = domain.StatusPending
	fx.notifications.put(stored)

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptDropped {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptDropped)
	}
	if fx.provider.callCount() != 0 {
		t.Fatalf("provider called %d times, want 0", fx.provider.callCount())
	}
}

func TestAttemptConflictOnTransitionIsSwallowed(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, &provider.ProviderResponse{StatusCode: 200, MessageID: "pm-1"}, nil)
	n := claimedNotification("n-1")
	fx.notifications.put(n)

	// A concurrent cancel-like writer flips the row while the provider call
	// is in flight.
	fx.notifications.beforeUpdateStatus = func(id string) {
		fx.notifications.mu.Lock()
		fx.notifications.notifications[id].Status = domain.StatusFailed
		fx.notifications.mu.Unlock()
		fx.notifications.beforeUpdateStatus = nil
	}

	result, err := fx.engine.Attempt(context.Background(), n)
	if err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}
	if result != AttemptDropped {
		t.Fatalf("Attempt() = %v, want %v", result, AttemptDropped)
	}

	// The losing transition must not have overwritten the winner.
	if got := fx.notifications.get("n-1").Status; got != domain.StatusFailed {
		t.Fatalf("status = %v, want FAILED", got)
	}
}

func TestAttemptRejectsUnclaimedInput(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, nil)
	n := claimedNotification("n-1")
	n.Status = domain.StatusPending

	if _, err := fx.engine.Attempt(context.Background(), n); err == nil {
		t.Fatal("Attempt() error = nil, want precondition error")
	}
}

func TestAttemptRateLimiterErrorAborts(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, &provider.ProviderResponse{StatusCode: 200}, nil)
	fx.limiter.waitErr = errors.New("redis unavailable")
	n := claimedNotification("n-1")
	fx.notifications.put(n)

	if _, err := fx.engine.Attempt(context.Background(), n); err == nil {
		t.Fatal("Attempt() error = nil, want rate limiter error")
	}
	if fx.provider.callCount() != 0 {
		t.Fatalf("provider called %d times, want 0", fx.provider.callCount())
	}

	stored := fx.notifications.get("n-1")
	if stored.Status != domain.StatusPending {
		t.Fatalf("status = %v, want PENDING after release", stored.Status)
	}
	if stored.AttemptCount != 0 {
		t.Fatalf("attemptCount = %d, want 0", stored.AttemptCount)
	}
}

func TestAttemptReleasesClaimWhenAttemptRowFails(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, &provider.ProviderResponse{StatusCode: 200}, nil)
	fx.attempts.createErr = errors.New("postgres unavailable")
	n := claimedNotification("n-1")
	fx.notifications.put(n)

	if _, err := fx.engine.Attempt(context.Background(), n); err == nil {
		t.Fatal("Attempt() error = nil, want attempt store error")
	}
	if fx.provider.callCount() != 0 {
		t.Fatalf("provider called %d times, want 0", fx.provider.callCount())
	}

	stored := fx.notifications.get("n-1")
	if stored.Status != domain.StatusPending {
		t.Fatalf("status = %v, want PENDING after release", stored.Status)
	}
}

func TestComputeRetryDelayBackoff(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 6, want: 32 * time.Second},
		{attempt: 7, want: 60 * time.Second},
		{attempt: 20, want: 60 * time.Second},
	}

	for _, tc := range tests {
		if got := fx.engine.computeRetryDelay(tc.attempt); got != tc.want {
			t.Fatalf("computeRetryDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestComputeRetryDelayJitterClampedToMax(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, nil)
	fx.engine.randIntn = func(n int) int { return n - 1 }

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		delay := fx.engine.computeRetryDelay(attempt)
		if delay > fx.engine.retry.MaxDelay {
			t.Fatalf("computeRetryDelay(%d) = %v exceeds max %v", attempt, delay, fx.engine.retry.MaxDelay)
		}
		if delay < prev {
			t.Fatalf("computeRetryDelay(%d) = %v decreased from %v", attempt, delay, prev)
		}
		prev = delay
	}
}
