package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/mrz1836/postmark"
)

// postmarkAPI is the slice of the Postmark client used for sending, extracted
// for tests.
type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkProvider delivers EMAIL notifications through Postmark's
// transactional API.
type PostmarkProvider struct {
	client postmarkAPI
	sender string
}

func NewPostmarkProvider(serverToken, accountToken, senderAddress string) (*PostmarkProvider, error) {
	if strings.TrimSpace(serverToken) == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if strings.TrimSpace(senderAddress) == "" {
		return nil, fmt.Errorf("postmark sender address is required")
	}

	return &PostmarkProvider{
		client: postmark.NewClient(serverToken, accountToken),
		sender: strings.TrimSpace(senderAddress),
	}, nil
}

func (p *PostmarkProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if notification.Channel != domain.ChannelEmail {
		return nil, fmt.Errorf("postmark provider only handles %s, got %s", domain.ChannelEmail, notification.Channel)
	}

	to := notification.Recipient
	if name := strings.TrimSpace(notification.RecipientName); name != "" {
		to = fmt.Sprintf("%s <%s>", name, notification.Recipient)
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.sender,
		To:       to,
		Subject:  notification.Subject,
		HTMLBody: notification.Body,
	})
	if err != nil {
		return nil, &ProviderError{
			Message:   "postmark request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	// Postmark reports API-level rejections (bad address, inactive recipient)
	// via ErrorCode with a 200 transport status; these are not retryable.
	if resp.ErrorCode > 0 {
		return nil, &ProviderError{
			StatusCode: int(resp.ErrorCode),
			Message:    fmt.Sprintf("postmark rejected message: %s", resp.Message),
			Transient:  false,
		}
	}

	return &ProviderResponse{
		StatusCode: http.StatusOK,
		Body:       resp.Message,
		MessageID:  resp.MessageID,
	}, nil
}
