package sender

import (
	"context"
	"errors"
	"fmt"
)

// Message is the fully rendered content for one send attempt. The
// idempotency key is stable per (instance, node, attempt) so a retry of
// an ambiguous failure can be deduplicated provider-side.
type Message struct {
	TenantID       string
	ContactID      string
	NodeID         string
	To             string
	ToName         string
	Subject        string
	Body           string
	IdempotencyKey string
}

// Result is what the engine needs back from a successful send.
type Result struct {
	ProviderMessageID string
	ProviderThreadID  string
}

// Sender is the narrow send capability the engine depends on.
type Sender interface {
	Send(ctx context.Context, msg Message) (*Result, error)
}

// SendError distinguishes retryable provider failures from structural
// ones. Errors that are not SendError (timeouts, transport failures with
// unknown provider-side outcome) are treated as transient.
type SendError struct {
	StatusCode int
	Transient  bool
	Reason     string
}

func (e *SendError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("send failed (%s, status %d): %s", kind, e.StatusCode, e.Reason)
}

// IsTransient reports whether a send failure is worth retrying.
func IsTransient(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}
