package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/ecanturk/notify-dispatch/internal/observability"
	"github.com/ecanturk/notify-dispatch/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxBulkSize = 1000

// NotificationService is the accept surface: it validates and persists
// submissions. Delivery is always asynchronous; immediate submissions simply
// get a scheduled_at of now and are picked up by the next dispatch run.
type NotificationService struct {
	notifications repository.NotificationStore
	logger        *zap.Logger
	maxAttempts   int
	now           func() time.Time
}

// BulkRejection reports one submission in a bulk request that failed
// validation or persistence. The remaining rows are unaffected.
type BulkRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func NewNotificationService(
	notifications repository.NotificationStore,
	maxAttempts int,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		logger:        logger,
		maxAttempts:   maxAttempts,
		now:           time.Now,
	}, nil
}

// Submit accepts a single notification. A nil ScheduledAt means deliver as
// soon as possible.
func (s *NotificationService) Submit(ctx context.Context, notification *domain.Notification) (*domain.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.prepareForCreate(notification, ""); err != nil {
		return nil, err
	}

	if err := s.notifications.Create(ctx, notification); err != nil {
		existing, resolved, resolveErr := s.resolveIdempotencyConflict(ctx, err, notification.IdempotencyKey)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if resolved {
			return existing, nil
		}
		return nil, err
	}

	return notification, nil
}

// SubmitBulk accepts up to maxBulkSize notifications as one request. Every
// row gets the shared request id; rows are independent afterwards, so a bad
// recipient rejects that row only.
func (s *NotificationService) SubmitBulk(
	ctx context.Context,
	notifications []domain.Notification,
) (string, []domain.Notification, []BulkRejection, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(notifications) == 0 {
		return "", nil, nil, fmt.Errorf("%w: bulk request must include at least one notification", domain.ErrValidation)
	}
	if len(notifications) > maxBulkSize {
		return "", nil, nil, fmt.Errorf("%w: bulk size exceeds %d", domain.ErrValidation, maxBulkSize)
	}

	requestID := uuid.NewString()

	accepted := make([]domain.Notification, 0, len(notifications))
	var rejected []BulkRejection
	for i := range notifications {
		candidate := notifications[i]
		if err := s.prepareForCreate(&candidate, requestID); err != nil {
			rejected = append(rejected, BulkRejection{Index: i, Error: err.Error()})
			continue
		}
		accepted = append(accepted, candidate)
	}

	acceptedPtrs := make([]*domain.Notification, len(accepted))
	for i := range accepted {
		acceptedPtrs[i] = &accepted[i]
	}

	if len(acceptedPtrs) > 0 {
		if err := s.notifications.CreateBatch(ctx, acceptedPtrs); err != nil {
			return "", nil, nil, fmt.Errorf("failed to persist bulk notifications: %w", err)
		}
	}

	if len(rejected) > 0 {
		observability.WithContextLogger(s.logger, ctx).Warn("bulk submission accepted with rejections",
			zap.String("requestId", requestID),
			zap.Int("accepted", len(accepted)),
			zap.Int("rejected", len(rejected)),
		)
	}

	return requestID, accepted, rejected, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, id)
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

// Cancel succeeds only while the notification is still pending. Once a
// dispatcher claims it the outcome belongs to that attempt.
func (s *NotificationService) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}

	if err := s.notifications.Cancel(ctx, id); err != nil {
		return err
	}

	observability.WithContextLogger(s.logger, ctx).Info("notification cancelled", zap.String("notificationId", id))
	return nil
}

func (s *NotificationService) prepareForCreate(n *domain.Notification, requestID string) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.Recipient = strings.TrimSpace(n.Recipient)
	n.RecipientName = strings.TrimSpace(n.RecipientName)
	n.Subject = strings.TrimSpace(n.Subject)
	n.Body = strings.TrimSpace(n.Body)

	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	n.RequestID = strings.TrimSpace(n.RequestID)
	if requestID != "" {
		n.RequestID = requestID
	}
	if n.RequestID == "" {
		n.RequestID = uuid.NewString()
	}

	n.IdempotencyKey = normalizeOptionalString(n.IdempotencyKey)

	n.Status = domain.StatusPending
	n.AttemptCount = 0
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = s.maxAttempts
	}
	n.ProviderMessageID = nil
	n.LastError = nil

	now := s.now().UTC()
	if n.ScheduledAt == nil {
		n.ScheduledAt = &now
	} else {
		scheduledAt := n.ScheduledAt.UTC()
		n.ScheduledAt = &scheduledAt
	}

	return n.Validate()
}

func (s *NotificationService) resolveIdempotencyConflict(
	ctx context.Context,
	createErr error,
	idempotencyKey *string,
) (*domain.Notification, bool, error) {
	if idempotencyKey == nil || strings.TrimSpace(*idempotencyKey) == "" {
		return nil, false, nil
	}
	if !isUniqueViolationError(createErr) {
		return nil, false, nil
	}

	existing, err := s.notifications.GetByIdempotencyKey(ctx, strings.TrimSpace(*idempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing notification after idempotency conflict: %w", err)
	}
	observability.WithContextLogger(s.logger, ctx).Info("idempotency conflict resolved",
		zap.String("existingId", existing.ID),
		zap.String("idempotencyKey", *idempotencyKey),
	)
	return existing, true, nil
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
