package repository

import (
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	RequestID         string         `gorm:"type:varchar(64);not null"`
	IdempotencyKey    *string        `gorm:"type:varchar(255)"`
	Channel           domain.Channel `gorm:"type:varchar(10);not null"`
	Recipient         string         `gorm:"type:varchar(255);not null"`
	RecipientName     string         `gorm:"type:varchar(100)"`
	Subject           string         `gorm:"type:varchar(500)"`
	Body              string         `gorm:"type:text;not null"`
	Status            domain.Status  `gorm:"type:varchar(20);not null"`
	ProviderMessageID *string        `gorm:"type:varchar(255)"`
	LastError         *string        `gorm:"type:text"`
	AttemptCount      int            `gorm:"not null;default:0"`
	MaxAttempts       int            `gorm:"not null;default:3"`
	ScheduledAt       *time.Time     `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                 string  `gorm:"type:uuid;primaryKey"`
	NotificationID     string  `gorm:"type:uuid;not null"`
	AttemptNumber      int     `gorm:"not null"`
	Outcome            *string `gorm:"type:varchar(20)"`
	ProviderStatusCode *int    `gorm:"type:int"`
	ErrorDetail        *string `gorm:"type:text"`
	StartedAt          time.Time
	FinishedAt         *time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:                n.ID,
		RequestID:         n.RequestID,
		IdempotencyKey:    n.IdempotencyKey,
		Channel:           n.Channel,
		Recipient:         n.Recipient,
		RecipientName:     n.RecipientName,
		Subject:           n.Subject,
		Body:              n.Body,
		Status:            n.Status,
		ProviderMessageID: n.ProviderMessageID,
		LastError:         n.LastError,
		AttemptCount:      n.AttemptCount,
		MaxAttempts:       n.MaxAttempts,
		ScheduledAt:       n.ScheduledAt,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:                m.ID,
		RequestID:         m.RequestID,
		IdempotencyKey:    m.IdempotencyKey,
		Channel:           m.Channel,
		Recipient:         m.Recipient,
		RecipientName:     m.RecipientName,
		Subject:           m.Subject,
		Body:              m.Body,
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		AttemptCount:      m.AttemptCount,
		MaxAttempts:       m.MaxAttempts,
		ScheduledAt:       m.ScheduledAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	var outcome *string
	if a.Outcome != nil {
		value := a.Outcome.String()
		outcome = &value
	}

	return &DeliveryAttemptModel{
		ID:                 a.ID,
		NotificationID:     a.NotificationID,
		AttemptNumber:      a.AttemptNumber,
		Outcome:            outcome,
		ProviderStatusCode: a.ProviderStatusCode,
		ErrorDetail:        a.ErrorDetail,
		StartedAt:          a.StartedAt,
		FinishedAt:         a.FinishedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	var outcome *domain.AttemptOutcome
	if m.Outcome != nil {
		value := domain.AttemptOutcome(*m.Outcome)
		outcome = &value
	}

	return &domain.DeliveryAttempt{
		ID:                 m.ID,
		NotificationID:     m.NotificationID,
		AttemptNumber:      m.AttemptNumber,
		Outcome:            outcome,
		ProviderStatusCode: m.ProviderStatusCode,
		ErrorDetail:        m.ErrorDetail,
		StartedAt:          m.StartedAt,
		FinishedAt:         m.FinishedAt,
	}
}
