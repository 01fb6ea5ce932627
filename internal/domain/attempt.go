package domain

import (
	"fmt"
	"strings"
	"time"
)

// AttemptOutcome classifies the result of a single delivery try.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "SUCCESS"
	OutcomeTransientFailure AttemptOutcome = "TRANSIENT_FAILURE"
	OutcomePermanentFailure AttemptOutcome = "PERMANENT_FAILURE"
)

func (o AttemptOutcome) String() string { return string(o) }

func (o AttemptOutcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeTransientFailure, OutcomePermanentFailure:
		return true
	}
	return false
}

func ParseOutcomeFromString(s string) (AttemptOutcome, error) {
	o := AttemptOutcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid attempt outcome %q", ErrValidation, s)
	}
	return o, nil
}

// DeliveryAttempt records a single dispatch try for a notification.
// A row is opened before the provider call (FinishedAt nil) and finalized
// exactly once; it is never mutated afterwards.
type DeliveryAttempt struct {
	ID                 string
	NotificationID     string
	AttemptNumber      int
	Outcome            *AttemptOutcome
	ProviderStatusCode *int
	ErrorDetail        *string
	StartedAt          time.Time
	FinishedAt         *time.Time
}

// InFlight reports whether the attempt has not been finalized yet.
func (a *DeliveryAttempt) InFlight() bool {
	return a != nil && a.FinishedAt == nil
}
