package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Status   *domain.Status
	Channel  *domain.Channel
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// StatusFields carries the optional column updates applied together with a
// conditional status transition.
type StatusFields struct {
	ProviderMessageID *string
	LastError         *string
	ScheduledAt       *time.Time
}

type StatusCount struct {
	Status domain.Status `gorm:"column:status"`
	Count  int           `gorm:"column:count"`
}

// NotificationStore is the durable record of notifications. ClaimDue is the
// sole serialization point for concurrent dispatchers; UpdateStatusIf
// implements optimistic concurrency via an expected-status precondition.
type NotificationStore interface {
	Create(ctx context.Context, n *domain.Notification) error
	CreateBatch(ctx context.Context, notifications []*domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	ListByRequestID(ctx context.Context, requestID string, page, pageSize int) ([]domain.Notification, int64, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	IncrementAttempt(ctx context.Context, id string) (int, error)
	UpdateStatusIf(ctx context.Context, id string, expected, next domain.Status, fields StatusFields) error
	Cancel(ctx context.Context, id string) error
	RequestSummary(ctx context.Context, requestID string) ([]StatusCount, error)
}

type GormNotificationStore struct {
	db *gorm.DB
}

func NewGormNotificationStore(db *gorm.DB) *GormNotificationStore {
	return &GormNotificationStore{db: db}
}

func (r *GormNotificationStore) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationStore) CreateBatch(ctx context.Context, notifications []*domain.Notification) error {
	models := make([]NotificationModel, 0, len(notifications))
	modelIndexes := make([]int, 0, len(notifications))
	for i, n := range notifications {
		model := notificationModelFromDomain(n)
		if model != nil {
			models = append(models, *model)
			modelIndexes = append(modelIndexes, i)
		}
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return err
	}

	for i := range models {
		idx := modelIndexes[i]
		if idx < len(notifications) && notifications[idx] != nil {
			*notifications[idx] = *notificationModelToDomain(&models[i])
		}
	}

	return nil
}

func (r *GormNotificationStore) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationStore) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationStore) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, total, nil
}

func (r *GormNotificationStore) ListByRequestID(ctx context.Context, requestID string, page, pageSize int) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("request_id = ?", requestID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page = max(page, 1)
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, total, nil
}

// ClaimDue atomically flips up to limit due pending rows to CLAIMED and
// returns them. SKIP LOCKED keeps concurrent claimers from ever receiving
// the same row.
func (r *GormNotificationStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		return nil, nil
	}

	var models []NotificationModel
	err := r.db.WithContext(ctx).Raw(`
		UPDATE notifications
		SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = ? AND scheduled_at <= ?
			ORDER BY scheduled_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		domain.StatusClaimed, now.UTC(), domain.StatusPending, now.UTC(), limit,
	).Scan(&models).Error
	if err != nil {
		return nil, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, nil
}

// IncrementAttempt bumps attempt_count for a claimed notification and returns
// the new count. A non-claimed row signals ErrConflict: only claimed rows may
// be attempted.
func (r *GormNotificationStore) IncrementAttempt(ctx context.Context, id string) (int, error) {
	var model NotificationModel
	result := r.db.WithContext(ctx).Raw(`
		UPDATE notifications
		SET attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING *`,
		time.Now().UTC(), id, domain.StatusClaimed,
	).Scan(&model)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, domain.ErrConflict
	}
	return model.AttemptCount, nil
}

func (r *GormNotificationStore) UpdateStatusIf(ctx context.Context, id string, expected, next domain.Status, fields StatusFields) error {
	updates := map[string]any{
		"status":     next,
		"updated_at": time.Now().UTC(),
	}
	if fields.ProviderMessageID != nil {
		updates["provider_message_id"] = *fields.ProviderMessageID
	}
	if fields.LastError != nil {
		updates["last_error"] = *fields.LastError
	}
	if fields.ScheduledAt != nil {
		updates["scheduled_at"] = fields.ScheduledAt.UTC()
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Cancel transitions PENDING to CANCELLED. Anything already claimed or
// terminal yields ErrConflict; an unknown id yields ErrNotFound.
func (r *GormNotificationStore) Cancel(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":     domain.StatusCancelled,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationStore) RequestSummary(ctx context.Context, requestID string) ([]StatusCount, error) {
	var summaries []StatusCount
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("status, COUNT(*) as count").
		Where("request_id = ?", requestID).
		Group("status").
		Scan(&summaries).Error
	if err != nil {
		return nil, err
	}
	return summaries, nil
}
