package email

import (
	"context"
	"fmt"
)

// ErrorKind is the closed classification of a failed send. The pipeline
// depends only on Kind and CanRetry, never on provider-specific shapes.
type ErrorKind string

const (
	ErrHostNotFound ErrorKind = "HOST_NOT_FOUND"
	ErrAuthFailed   ErrorKind = "AUTH_FAILED"
	ErrTemporary    ErrorKind = "TEMPORARY"
	ErrInvalidEmail ErrorKind = "INVALID_EMAIL_ADDRESS"
	ErrRejected     ErrorKind = "REJECTED"
	ErrTimeout      ErrorKind = "TIMEOUT"
	ErrSocketClosed ErrorKind = "SOCKET_CLOSED"
	ErrUnknown      ErrorKind = "UNKNOWN"
)

// SendError is a classified transport failure.
type SendError struct {
	Kind     ErrorKind
	CanRetry bool
	Message  string
	Raw      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SendError) Unwrap() error {
	return e.Raw
}

// Message is one outbound email with everything already resolved.
type Message struct {
	To      []string
	From    string
	Subject string
	HTML    string
	Text    string

	// SkipDeliverabilityCheck suppresses pre-send recipient verification
	// where the transport supports it.
	SkipDeliverabilityCheck bool
}

// Transport delivers a message, retrying transient failures internally a
// bounded number of times. A returned error is always a *SendError and is
// never retried again by the caller.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}
