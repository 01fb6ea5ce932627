package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"gorm.io/gorm"
)

// AttemptStore records delivery attempts. An attempt row is created open
// (finished_at NULL) before the provider call and finalized exactly once.
type AttemptStore interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	Finalize(ctx context.Context, id string, outcome domain.AttemptOutcome, statusCode *int, errorDetail *string, finishedAt time.Time) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
	LatestFinished(ctx context.Context, notificationID string) (*domain.DeliveryAttempt, error)
}

type GormAttemptStore struct {
	db *gorm.DB
}

func NewGormAttemptStore(db *gorm.DB) *GormAttemptStore {
	return &GormAttemptStore{db: db}
}

func (r *GormAttemptStore) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

// Finalize closes an open attempt. Already-finalized rows are immutable, so a
// second finalize signals ErrConflict.
func (r *GormAttemptStore) Finalize(ctx context.Context, id string, outcome domain.AttemptOutcome, statusCode *int, errorDetail *string, finishedAt time.Time) error {
	updates := map[string]any{
		"outcome":     outcome.String(),
		"finished_at": finishedAt.UTC(),
	}
	if statusCode != nil {
		updates["provider_status_code"] = *statusCode
	}
	if errorDetail != nil {
		updates["error_detail"] = *errorDetail
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND finished_at IS NULL", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormAttemptStore) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

func (r *GormAttemptStore) LatestFinished(ctx context.Context, notificationID string) (*domain.DeliveryAttempt, error) {
	var model DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ? AND finished_at IS NOT NULL", notificationID).
		Order("attempt_number DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}
