package provider

import (
	"context"
	"fmt"

	"github.com/ecanturk/notify-dispatch/internal/domain"
)

// Provider is the outbound notification delivery port. A nil error means the
// provider accepted the message; failures are classified transient or
// permanent via ProviderError and IsTransient.
type Provider interface {
	Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Router selects a concrete provider per delivery channel.
type Router struct {
	providers map[domain.Channel]Provider
}

func NewRouter() *Router {
	return &Router{providers: make(map[domain.Channel]Provider)}
}

func (r *Router) Register(channel domain.Channel, p Provider) *Router {
	if r.providers == nil {
		r.providers = make(map[domain.Channel]Provider)
	}
	r.providers[channel] = p
	return r
}

// Send routes to the channel's provider. A missing provider is a wiring
// defect, not a delivery outcome, so the error is not a ProviderError.
func (r *Router) Send(ctx context.Context, notification domain.Notification) (*ProviderResponse, error) {
	if r == nil {
		return nil, fmt.Errorf("provider router is not initialized")
	}

	p, ok := r.providers[notification.Channel]
	if !ok {
		return nil, fmt.Errorf("no provider registered for channel %q", notification.Channel)
	}

	return p.Send(ctx, notification)
}
