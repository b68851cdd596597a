package notify

import "github.com/kaze-no-manga/telegram-bot/internal/event"

// Status classifies what happened to one recipient of a dispatch.
type Status string

const (
	StatusSent       Status = "sent"
	StatusSuppressed Status = "suppressed"
	StatusFailed     Status = "failed"
)

// Reason refines suppressed/failed outcomes.
type Reason string

const (
	ReasonPreferenceDisabled Reason = "preference_disabled"
	ReasonQuotaExceeded      Reason = "quota_exceeded"
	ReasonTransportFailure   Reason = "transport_failure"
)

// Outcome is the per-recipient result of a dispatch. Suppressions are not
// failures; they are the quota/preference system doing its job.
type Outcome struct {
	ExternalID int64
	Status     Status
	Reason     Reason
	Err        error
}

// Formatter renders an event into the plain text handed to the transport.
// Rich media is out of scope; the dispatcher only decides whether, to
// whom, and how often.
type Formatter interface {
	Format(e event.Event) string
}
