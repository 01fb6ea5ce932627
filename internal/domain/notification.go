package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusClaimed   Status = "CLAIMED"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Content limits per channel (in characters).
const (
	MaxSMSBody    = 160
	MaxEmailBody  = 10000
	MaxSubjectLen = 500
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)
)

// Notification is the core domain entity: one logical request to deliver a
// message to one recipient over one channel.
type Notification struct {
	ID                string
	RequestID         string
	IdempotencyKey    *string
	Channel           Channel
	Recipient         string
	RecipientName     string
	Subject           string
	Body              string
	Status            Status
	ProviderMessageID *string
	LastError         *string
	AttemptCount      int
	MaxAttempts       int
	ScheduledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (n *Notification) Validate() error {
	if n.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if n.Body == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}

	bodyLen := len([]rune(n.Body))
	switch n.Channel {
	case ChannelEmail:
		if !emailPattern.MatchString(n.Recipient) {
			return fmt.Errorf("%w: invalid email address %q", ErrValidation, n.Recipient)
		}
		if strings.TrimSpace(n.Subject) == "" {
			return fmt.Errorf("%w: subject is required for email", ErrValidation)
		}
		if len([]rune(n.Subject)) > MaxSubjectLen {
			return fmt.Errorf("%w: subject exceeds %d characters", ErrValidation, MaxSubjectLen)
		}
		if bodyLen > MaxEmailBody {
			return fmt.Errorf("%w: email body exceeds %d characters (got %d)", ErrValidation, MaxEmailBody, bodyLen)
		}
	case ChannelSMS:
		if !phonePattern.MatchString(n.Recipient) {
			return fmt.Errorf("%w: invalid phone number %q", ErrValidation, n.Recipient)
		}
		if bodyLen > MaxSMSBody {
			return fmt.Errorf("%w: SMS body exceeds %d characters (got %d)", ErrValidation, MaxSMSBody, bodyLen)
		}
	}

	return nil
}
