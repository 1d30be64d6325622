package checkout

import "time"

// State is the poller state. Everything but StatePolling is terminal.
type State string

const (
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Source says which channel produced a terminal outcome.
type Source string

const (
	SourceNone   Source = ""
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Outcome is the terminal result of one Poll.
type Outcome struct {
	State             State         `json:"state"`
	CheckoutRequestID string        `json:"checkout_request_id"`
	Success           bool          `json:"success"`
	Message           string        `json:"message"`
	ReceiptNumber     string        `json:"receipt_number,omitempty"`
	NotificationID    int64         `json:"notification_id,omitempty"`
	Source            Source        `json:"source,omitempty"`
	Attempts          int           `json:"attempts"`
	RemoteQueries     int           `json:"remote_queries"`
	Elapsed           time.Duration `json:"elapsed"`
}

// Title is a short heading for operator notices.
func (o Outcome) Title() string {
	switch o.State {
	case StateSucceeded:
		return "Payment Received"
	case StateCancelled:
		return "Payment Cancelled"
	case StateTimedOut:
		return "Payment Timeout"
	default:
		return "Payment Failed"
	}
}

// pollState is owned by a single Poll call.
type pollState struct {
	correlationID  string
	attempt        int
	remoteQueries  int
	suspendedUntil int
	startedAt      time.Time
}
