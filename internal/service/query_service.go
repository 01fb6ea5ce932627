package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/ecanturk/notify-dispatch/internal/repository"
)

// NotificationStatus is the read model returned by status queries: the
// current row plus the error of the latest finalized attempt.
type NotificationStatus struct {
	ID                string
	RequestID         string
	Channel           domain.Channel
	Status            domain.Status
	AttemptCount      int
	MaxAttempts       int
	ProviderMessageID *string
	LastError         *string
	ScheduledAt       *string
}

// RequestSummary aggregates the per-status counts of one bulk request.
type RequestSummary struct {
	RequestID     string
	Total         int64
	Counts        []repository.StatusCount
	Notifications []domain.Notification
}

// StatusQueryService serves read-only status lookups straight from the
// store. No caching: claim and transition traffic keeps rows hot anyway.
type StatusQueryService struct {
	notifications repository.NotificationStore
	attempts      repository.AttemptStore
}

func NewStatusQueryService(
	notifications repository.NotificationStore,
	attempts repository.AttemptStore,
) (*StatusQueryService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	return &StatusQueryService{
		notifications: notifications,
		attempts:      attempts,
	}, nil
}

func (s *StatusQueryService) GetStatus(ctx context.Context, id string) (*NotificationStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}

	notification, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &NotificationStatus{
		ID:                notification.ID,
		RequestID:         notification.RequestID,
		Channel:           notification.Channel,
		Status:            notification.Status,
		AttemptCount:      notification.AttemptCount,
		MaxAttempts:       notification.MaxAttempts,
		ProviderMessageID: notification.ProviderMessageID,
		LastError:         notification.LastError,
	}
	if notification.ScheduledAt != nil {
		formatted := notification.ScheduledAt.UTC().Format(time.RFC3339)
		status.ScheduledAt = &formatted
	}

	if status.LastError == nil {
		latest, err := s.attempts.LatestFinished(ctx, id)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			status.LastError = latest.ErrorDetail
		}
	}

	return status, nil
}

func (s *StatusQueryService) ListByRequest(ctx context.Context, requestID string, page, pageSize int) (*RequestSummary, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}

	notifications, total, err := s.notifications.ListByRequestID(ctx, requestID, page, pageSize)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, domain.ErrNotFound
	}

	counts, err := s.notifications.RequestSummary(ctx, requestID)
	if err != nil {
		return nil, err
	}

	return &RequestSummary{
		RequestID:     requestID,
		Total:         total,
		Counts:        counts,
		Notifications: notifications,
	}, nil
}

// ListAttempts returns the full delivery history for audit purposes.
func (s *StatusQueryService) ListAttempts(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}

	// Surface ErrNotFound for unknown ids instead of an empty list.
	if _, err := s.notifications.GetByID(ctx, notificationID); err != nil {
		return nil, err
	}

	return s.attempts.GetByNotificationID(ctx, notificationID)
}
