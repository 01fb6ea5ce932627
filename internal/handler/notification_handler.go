package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/ecanturk/notify-dispatch/internal/observability"
	"github.com/ecanturk/notify-dispatch/internal/repository"
	"github.com/ecanturk/notify-dispatch/internal/service"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type NotificationService interface {
	Submit(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	SubmitBulk(ctx context.Context, notifications []domain.Notification) (string, []domain.Notification, []service.BulkRejection, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
	Cancel(ctx context.Context, id string) error
}

type StatusQueryService interface {
	GetStatus(ctx context.Context, id string) (*service.NotificationStatus, error)
	ListByRequest(ctx context.Context, requestID string, page, pageSize int) (*service.RequestSummary, error)
	ListAttempts(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

type NotificationHandler struct {
	notifications NotificationService
	queries       StatusQueryService
}

func NewNotificationHandler(notifications NotificationService, queries StatusQueryService) (*NotificationHandler, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	if queries == nil {
		return nil, fmt.Errorf("status query service is required")
	}
	return &NotificationHandler{notifications: notifications, queries: queries}, nil
}

func RegisterNotificationRoutes(router fiber.Router, notifications NotificationService, queries StatusQueryService) error {
	h, err := NewNotificationHandler(notifications, queries)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.SubmitNotification)
	v1.Post("/notifications/bulk", h.SubmitBulk)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/attempts", h.ListAttempts)
	v1.Post("/notifications/:id/cancel", h.CancelNotification)
	v1.Get("/notifications", h.ListNotifications)
	v1.Get("/requests/:requestId", h.GetRequestSummary)

	return nil
}

type submitNotificationRequest struct {
	RequestID      string     `json:"requestId"`
	IdempotencyKey *string    `json:"idempotencyKey"`
	Channel        string     `json:"channel"`
	Recipient      string     `json:"recipient"`
	RecipientName  string     `json:"recipientName"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	ScheduledAt    *time.Time `json:"scheduledAt"`
	MaxAttempts    *int       `json:"maxAttempts,omitempty"`
}

type submitBulkRequest struct {
	Notifications []submitNotificationRequest `json:"notifications"`
}

type notificationResponse struct {
	ID                string     `json:"id"`
	RequestID         string     `json:"requestId"`
	IdempotencyKey    *string    `json:"idempotencyKey,omitempty"`
	Channel           string     `json:"channel"`
	Recipient         string     `json:"recipient"`
	RecipientName     string     `json:"recipientName,omitempty"`
	Subject           string     `json:"subject,omitempty"`
	Body              string     `json:"body"`
	Status            string     `json:"status"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	AttemptCount      int        `json:"attemptCount"`
	MaxAttempts       int        `json:"maxAttempts"`
	ScheduledAt       *time.Time `json:"scheduledAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt,omitempty"`
}

type submitBulkResponse struct {
	RequestID     string                 `json:"requestId"`
	Accepted      int                    `json:"accepted"`
	Rejected      []bulkRejectionItem    `json:"rejected,omitempty"`
	Notifications []notificationResponse `json:"notifications"`
}

type bulkRejectionItem struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type requestSummaryResponse struct {
	RequestID     string                 `json:"requestId"`
	Total         int64                  `json:"total"`
	Counts        []statusCountItem      `json:"counts"`
	Notifications []notificationResponse `json:"notifications"`
}

type statusCountItem struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type attemptResponse struct {
	ID                 string     `json:"id"`
	AttemptNumber      int        `json:"attemptNumber"`
	Outcome            *string    `json:"outcome,omitempty"`
	ProviderStatusCode *int       `json:"providerStatusCode,omitempty"`
	ErrorDetail        *string    `json:"errorDetail,omitempty"`
	StartedAt          time.Time  `json:"startedAt"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
}

func (h *NotificationHandler) SubmitNotification(c *fiber.Ctx) error {
	var req submitNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	notification, err := requestToDomainNotification(req, requestID(c))
	if err != nil {
		return toHTTPError(err)
	}

	created, err := h.notifications.Submit(requestContext(c), &notification)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) SubmitBulk(c *fiber.Ctx) error {
	var req submitBulkRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if len(req.Notifications) == 0 {
		return toHTTPError(fmt.Errorf("%w: notifications is required", domain.ErrValidation))
	}

	notifications := make([]domain.Notification, 0, len(req.Notifications))
	for _, item := range req.Notifications {
		n, err := requestToDomainNotification(item, "")
		if err != nil {
			return toHTTPError(err)
		}
		notifications = append(notifications, n)
	}

	requestID, accepted, rejected, err := h.notifications.SubmitBulk(requestContext(c), notifications)
	if err != nil {
		return toHTTPError(err)
	}

	rejections := make([]bulkRejectionItem, 0, len(rejected))
	for _, r := range rejected {
		rejections = append(rejections, bulkRejectionItem{Index: r.Index, Error: r.Error})
	}

	return c.Status(fiber.StatusAccepted).JSON(submitBulkResponse{
		RequestID:     requestID,
		Accepted:      len(accepted),
		Rejected:      rejections,
		Notifications: toNotificationResponses(accepted),
	})
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.notifications.GetByID(requestContext(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	attempts, err := h.queries.ListAttempts(requestContext(c), id)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		item := attemptResponse{
			ID:                 attempt.ID,
			AttemptNumber:      attempt.AttemptNumber,
			ProviderStatusCode: attempt.ProviderStatusCode,
			ErrorDetail:        attempt.ErrorDetail,
			StartedAt:          attempt.StartedAt,
			FinishedAt:         attempt.FinishedAt,
		}
		if attempt.Outcome != nil {
			outcome := attempt.Outcome.String()
			item.Outcome = &outcome
		}
		responses = append(responses, item)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"attempts":       responses,
	})
}

func (h *NotificationHandler) CancelNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.notifications.Cancel(requestContext(c), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"status":         domain.StatusCancelled.String(),
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, total, err := h.notifications.List(requestContext(c), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotificationHandler) GetRequestSummary(c *fiber.Ctx) error {
	requestID := strings.TrimSpace(c.Params("requestId"))
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	summary, err := h.queries.ListByRequest(requestContext(c), requestID, page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]statusCountItem, 0, len(summary.Counts))
	for _, count := range summary.Counts {
		items = append(items, statusCountItem{
			Status: count.Status.String(),
			Count:  count.Count,
		})
	}

	return c.Status(fiber.StatusOK).JSON(requestSummaryResponse{
		RequestID:     summary.RequestID,
		Total:         summary.Total,
		Counts:        items,
		Notifications: toNotificationResponses(summary.Notifications),
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	if from != nil && to != nil && from.After(*to) {
		return repository.ListParams{}, fmt.Errorf("%w: from must not be after to", domain.ErrValidation)
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainNotification(req submitNotificationRequest, fallbackRequestID string) (domain.Notification, error) {
	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return domain.Notification{}, err
	}

	n := domain.Notification{
		RequestID:      strings.TrimSpace(req.RequestID),
		IdempotencyKey: req.IdempotencyKey,
		Channel:        channel,
		Recipient:      strings.TrimSpace(req.Recipient),
		RecipientName:  strings.TrimSpace(req.RecipientName),
		Subject:        strings.TrimSpace(req.Subject),
		Body:           strings.TrimSpace(req.Body),
		ScheduledAt:    req.ScheduledAt,
	}

	if n.RequestID == "" {
		n.RequestID = strings.TrimSpace(fallbackRequestID)
	}
	if req.MaxAttempts != nil {
		n.MaxAttempts = *req.MaxAttempts
	}

	return n, nil
}

// requestContext carries the inbound request id so service-layer logs can be
// grouped per request.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if rid := requestID(c); rid != "" {
		ctx = observability.WithRequestID(ctx, rid)
	}
	return ctx
}

func requestID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	return notificationResponse{
		ID:                n.ID,
		RequestID:         n.RequestID,
		IdempotencyKey:    n.IdempotencyKey,
		Channel:           n.Channel.String(),
		Recipient:         n.Recipient,
		RecipientName:     n.RecipientName,
		Subject:           n.Subject,
		Body:              n.Body,
		Status:            n.Status.String(),
		ProviderMessageID: n.ProviderMessageID,
		LastError:         n.LastError,
		AttemptCount:      n.AttemptCount,
		MaxAttempts:       n.MaxAttempts,
		ScheduledAt:       n.ScheduledAt,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
