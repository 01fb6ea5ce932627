package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/ecanturk/notify-dispatch/internal/events"
	"github.com/ecanturk/notify-dispatch/internal/observability"
	"github.com/ecanturk/notify-dispatch/internal/provider"
	"github.com/ecanturk/notify-dispatch/internal/ratelimit"
	"github.com/ecanturk/notify-dispatch/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts     = 5
	defaultProviderTimeout = 10 * time.Second
	defaultBaseRetryDelay  = time.Second
	defaultMaxRetryDelay   = 60 * time.Second
	maxRetryJitterMillis   = 250
)

// AttemptResult summarizes what a single dispatch attempt did to the
// notification.
type AttemptResult string

const (
	AttemptSent    AttemptResult = "SENT"
	AttemptRetried AttemptResult = "RETRIED"
	AttemptFailed  AttemptResult = "FAILED"
	AttemptDropped AttemptResult = "DROPPED"
)

// RetryPolicy bounds the number of attempts and the exponential backoff
// applied between them. MaxAttempts is the fallback for rows that carry no
// limit of their own.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DispatchEngine executes a single delivery attempt for a claimed
// notification: it records the attempt, calls the channel provider under a
// deadline, and applies the resulting status transition with an
// expected-status precondition. A precondition conflict means another actor
// moved the row first; the attempt is dropped, never double-applied.
type DispatchEngine struct {
	notifications   repository.NotificationStore
	attempts        repository.AttemptStore
	providers       *provider.Router
	rateLimiter     ratelimit.RateLimiter
	publisher       events.Publisher
	logger          *zap.Logger
	metrics         *observability.Metrics
	providerTimeout time.Duration
	retry           RetryPolicy
	now             func() time.Time
	randIntn        func(n int) int
}

func NewDispatchEngine(
	notifications repository.NotificationStore,
	attempts repository.AttemptStore,
	providers *provider.Router,
	rateLimiter ratelimit.RateLimiter,
	publisher events.Publisher,
	providerTimeout time.Duration,
	retry RetryPolicy,
	logger *zap.Logger,
) (*DispatchEngine, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider router is required")
	}
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = defaultBaseRetryDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaultMaxRetryDelay
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchEngine{
		notifications:   notifications,
		attempts:        attempts,
		providers:       providers,
		rateLimiter:     rateLimiter,
		publisher:       publisher,
		logger:          logger,
		providerTimeout: providerTimeout,
		retry:           retry,
		now:             time.Now,
		randIntn:        rand.Intn,
	}, nil
}

func (e *DispatchEngine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// Attempt dispatches one claimed notification. Callers must pass a
// notification returned by ClaimDue; any other status is a wiring defect.
func (e *DispatchEngine) Attempt(ctx context.Context, notification domain.Notification) (AttemptResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if notification.Status != domain.StatusClaimed {
		return AttemptDropped, fmt.Errorf("attempt on notification %s in status %s, expected %s",
			notification.ID, notification.Status, domain.StatusClaimed)
	}

	channelName := strings.ToLower(notification.Channel.String())
	if e.metrics != nil {
		e.metrics.IncDispatchInFlight(channelName)
		defer e.metrics.DecDispatchInFlight(channelName)
	}

	// Wait before consuming an attempt: a limiter failure costs nothing.
	if e.rateLimiter != nil {
		if err := e.rateLimiter.Wait(ctx, channelName); err != nil {
			e.releaseClaim(ctx, notification.ID)
			return AttemptDropped, fmt.Errorf("rate limiter wait failed: %w", err)
		}
	}

	attemptNumber, err := e.notifications.IncrementAttempt(ctx, notification.ID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// The row left CLAIMED between claim and attempt (e.g. operator
			// intervention). Nothing to undo.
			e.logger.Warn("notification no longer claimed, dropping attempt",
				zap.String("notificationId", notification.ID),
			)
			return AttemptDropped, nil
		}
		e.releaseClaim(ctx, notification.ID)
		return AttemptDropped, fmt.Errorf("failed to increment attempt count: %w", err)
	}

	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: notification.ID,
		AttemptNumber:  attemptNumber,
		StartedAt:      e.now().UTC(),
	}
	if err := e.attempts.Create(ctx, attempt); err != nil {
		e.releaseClaim(ctx, notification.ID)
		return AttemptDropped, fmt.Errorf("failed to open delivery attempt: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	sendStart := e.now()
	providerResp, sendErr := e.providers.Send(sendCtx, notification)
	cancel()
	if e.metrics != nil {
		e.metrics.ObserveNotificationSendDuration(channelName, e.now().Sub(sendStart))
	}

	outcome := classifyOutcome(sendErr)
	if err := e.finalizeAttempt(ctx, attempt.ID, outcome, providerResp, sendErr); err != nil {
		e.logger.Error("failed to finalize delivery attempt",
			zap.String("notificationId", notification.ID),
			zap.String("attemptId", attempt.ID),
			zap.Error(err),
		)
	}

	switch outcome {
	case domain.OutcomeSuccess:
		return e.applySent(ctx, notification, attemptNumber, providerResp, channelName)
	case domain.OutcomeTransientFailure:
		maxAttempts := notification.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = e.retry.MaxAttempts
		}
		if attemptNumber < maxAttempts {
			return e.applyRetry(ctx, notification, attemptNumber, sendErr, channelName)
		}
		return e.applyFailed(ctx, notification, attemptNumber, sendErr, channelName, "retry_exhausted")
	default:
		return e.applyFailed(ctx, notification, attemptNumber, sendErr, channelName, "permanent_error")
	}
}

func (e *DispatchEngine) applySent(
	ctx context.Context,
	notification domain.Notification,
	attemptNumber int,
	providerResp *provider.ProviderResponse,
	channelName string,
) (AttemptResult, error) {
	fields := repository.StatusFields{}
	messageID := ""
	if providerResp != nil && strings.TrimSpace(providerResp.MessageID) != "" {
		messageID = providerResp.MessageID
		fields.ProviderMessageID = &messageID
	}

	if err := e.notifications.UpdateStatusIf(ctx, notification.ID, domain.StatusClaimed, domain.StatusSent, fields); err != nil {
		return e.handleTransitionErr(notification.ID, domain.StatusSent, err)
	}

	if e.metrics != nil {
		e.metrics.IncNotificationSent(channelName)
	}
	e.publishStatus(ctx, notification, domain.StatusSent, attemptNumber, messageID, "")
	return AttemptSent, nil
}

func (e *DispatchEngine) applyRetry(
	ctx context.Context,
	notification domain.Notification,
	attemptNumber int,
	sendErr error,
	channelName string,
) (AttemptResult, error) {
	nextAt := e.now().Add(e.computeRetryDelay(attemptNumber)).UTC()
	lastError := errorDetail(sendErr)

	fields := repository.StatusFields{ScheduledAt: &nextAt}
	if lastError != "" {
		fields.LastError = &lastError
	}

	if err := e.notifications.UpdateStatusIf(ctx, notification.ID, domain.StatusClaimed, domain.StatusPending, fields); err != nil {
		return e.handleTransitionErr(notification.ID, domain.StatusPending, err)
	}

	if e.metrics != nil {
		e.metrics.IncRetryScheduled(channelName)
	}
	e.logger.Info("notification scheduled for retry",
		zap.String("notificationId", notification.ID),
		zap.Int("attempt", attemptNumber),
		zap.Time("nextAttemptAt", nextAt),
	)
	return AttemptRetried, nil
}

func (e *DispatchEngine) applyFailed(
	ctx context.Context,
	notification domain.Notification,
	attemptNumber int,
	sendErr error,
	channelName string,
	reason string,
) (AttemptResult, error) {
	lastError := errorDetail(sendErr)

	fields := repository.StatusFields{}
	if lastError != "" {
		fields.LastError = &lastError
	}

	if err := e.notifications.UpdateStatusIf(ctx, notification.ID, domain.StatusClaimed, domain.StatusFailed, fields); err != nil {
		return e.handleTransitionErr(notification.ID, domain.StatusFailed, err)
	}

	if e.metrics != nil {
		e.metrics.IncNotificationFailed(channelName, reason)
	}
	e.publishStatus(ctx, notification, domain.StatusFailed, attemptNumber, "", lastError)
	return AttemptFailed, nil
}

// releaseClaim puts a claimed row back to PENDING after an infra failure
// before the provider call, so a later dispatch run can reclaim it. The
// scheduled time is left alone; the row stays due.
func (e *DispatchEngine) releaseClaim(ctx context.Context, notificationID string) {
	err := e.notifications.UpdateStatusIf(ctx, notificationID, domain.StatusClaimed, domain.StatusPending, repository.StatusFields{})
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrConflict) {
		e.logger.Warn("claim release lost to concurrent update",
			zap.String("notificationId", notificationID),
		)
		return
	}
	e.logger.Error("failed to release claimed notification",
		zap.String("notificationId", notificationID),
		zap.Error(err),
	)
}

// handleTransitionErr swallows optimistic-concurrency conflicts: some other
// actor moved the row while the provider call was in flight. The attempt row
// already records what happened.
func (e *DispatchEngine) handleTransitionErr(notificationID string, next domain.Status, err error) (AttemptResult, error) {
	if errors.Is(err, domain.ErrConflict) {
		e.logger.Warn("status transition lost to concurrent update",
			zap.String("notificationId", notificationID),
			zap.String("attemptedStatus", next.String()),
		)
		return AttemptDropped, nil
	}
	return AttemptDropped, fmt.Errorf("failed to update notification status to %s: %w", next, err)
}

func (e *DispatchEngine) publishStatus(
	ctx context.Context,
	notification domain.Notification,
	status domain.Status,
	attemptNumber int,
	providerMessageID string,
	errorDetail string,
) {
	event := events.StatusEvent{
		NotificationID:    notification.ID,
		RequestID:         notification.RequestID,
		Channel:           notification.Channel,
		Status:            status,
		AttemptCount:      attemptNumber,
		ProviderMessageID: providerMessageID,
		ErrorDetail:       errorDetail,
		OccurredAt:        e.now().UTC(),
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish status event",
			zap.String("notificationId", notification.ID),
			zap.String("status", status.String()),
			zap.Error(err),
		)
	}
}

func (e *DispatchEngine) finalizeAttempt(
	ctx context.Context,
	attemptID string,
	outcome domain.AttemptOutcome,
	providerResp *provider.ProviderResponse,
	sendErr error,
) error {
	var statusCode *int
	if providerResp != nil && providerResp.StatusCode > 0 {
		value := providerResp.StatusCode
		statusCode = &value
	}

	var detail *string
	if sendErr != nil {
		value := sendErr.Error()
		detail = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 && statusCode == nil {
			code := providerErr.StatusCode
			statusCode = &code
		}
	}

	return e.attempts.Finalize(ctx, attemptID, outcome, statusCode, detail, e.now().UTC())
}

// computeRetryDelay doubles the base delay per prior attempt and adds jitter.
// The jittered total never exceeds MaxDelay, which keeps the delay sequence
// non-decreasing once the cap is reached.
func (e *DispatchEngine) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := e.retry.BaseDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= e.retry.MaxDelay {
			delay = e.retry.MaxDelay
			break
		}
	}

	jitterMillis := 0
	if e.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = e.randIntn(maxRetryJitterMillis + 1)
	}
	delay += time.Duration(jitterMillis) * time.Millisecond

	if delay > e.retry.MaxDelay {
		delay = e.retry.MaxDelay
	}
	return delay
}

func classifyOutcome(sendErr error) domain.AttemptOutcome {
	if sendErr == nil {
		return domain.OutcomeSuccess
	}
	if provider.IsTransient(sendErr) {
		return domain.OutcomeTransientFailure
	}
	return domain.OutcomePermanentFailure
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
