package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
)

// StatusEvent announces a notification reaching a new status. Published on
// terminal transitions so downstream consumers (webhooks, analytics) can
// react without polling the store.
type StatusEvent struct {
	NotificationID    string         `json:"notificationId"`
	RequestID         string         `json:"requestId,omitempty"`
	Channel           domain.Channel `json:"channel"`
	Status            domain.Status  `json:"status"`
	AttemptCount      int            `json:"attemptCount"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	ErrorDetail       string         `json:"errorDetail,omitempty"`
	OccurredAt        time.Time      `json:"occurredAt"`
}

func (e StatusEvent) Validate() error {
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !e.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", e.Channel)
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	return nil
}

// RoutingKey groups events by channel and status, e.g. email.sent.
func (e StatusEvent) RoutingKey() string {
	return fmt.Sprintf("%s.%s", strings.ToLower(e.Channel.String()), strings.ToLower(e.Status.String()))
}

// Publisher emits status events. Publishing is best-effort: callers log and
// continue on failure, delivery state lives in the store.
type Publisher interface {
	Publish(ctx context.Context, event StatusEvent) error
	Close() error
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, StatusEvent) error { return nil }
func (NoopPublisher) Close() error                               { return nil }
