package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/domain"
	"github.com/go-resty/resty/v2"
)

const (
	defaultTwilioTimeout = 10 * time.Second
	twilioBaseURL        = "https://api.twilio.com"
)

// TwilioProvider delivers SMS notifications through Twilio's Messages API.
type TwilioProvider struct {
	client     *resty.Client
	accountSID string
	authToken  string
	fromNumber string
}

func NewTwilioProvider(accountSID, authToken, fromNumber string) (*TwilioProvider, error) {
	client := resty.New()
	client.SetBaseURL(twilioBaseURL)
	client.SetTimeout(defaultTwilioTimeout)
	client.SetRetryCount(0)

	return NewTwilioProviderWithClient(accountSID, authToken, fromNumber, client)
}

func NewTwilioProviderWithClient(accountSID, authToken, fromNumber string, client *resty.Client) (*TwilioProvider, error) {
	if strings.TrimSpace(accountSID) == "" {
		return nil, fmt.Errorf("twilio account sid is required")
	}
	if strings.TrimSpace(authToken) == "" {
		return nil, fmt.Errorf("twilio auth token is required")
	}
	if strings.TrimSpace(fromNumber) == "" {
		return nil, fmt.Errorf("twilio from number is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTwilioTimeout)
	}
	client.SetRetryCount(0)

	return &TwilioProvider{
		client:     client,
		accountSID: strings.TrimSpace(accountSID),
		authToken:  strings.TrimSpace(authToken),
		fromNumber: strings.TrimSpace(fromNumber),
	}, nil
}

type twilioMessageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (p *TwilioProvider) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if notification.Channel != domain.ChannelSMS {
		return nil, fmt.Errorf("twilio provider only handles %s, got %s", domain.ChannelSMS, notification.Channel)
	}

	form := url.Values{}
	form.Set("To", notification.Recipient)
	form.Set("From", p.fromNumber)
	form.Set("Body", notification.Body)

	response, err := p.client.R().
		SetContext(ctx).
		SetBasicAuth(p.accountSID, p.authToken).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(form.Encode()).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", p.accountSID))
	if err != nil {
		return nil, &ProviderError{
			Message:   "twilio request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		var msg twilioMessageResponse
		if err := json.Unmarshal(response.Body(), &msg); err != nil {
			return nil, &ProviderError{
				StatusCode: statusCode,
				Message:    "twilio returned malformed response",
				Transient:  true,
				Cause:      err,
			}
		}

		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  msg.SID,
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}
