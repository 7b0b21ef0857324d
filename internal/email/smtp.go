package email

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"
)

// SMTPSender delivers through an SMTP relay with bounded exponential retry
// of retryable failures.
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string

	// RetryAttempts bounds how many times a retryable failure is retried
	// before the classified error is returned.
	RetryAttempts int

	// dial is swappable for tests.
	dial func(m *gomail.Message) error
}

func NewSMTPSender(host string, port int, username, password string, retryAttempts int) *SMTPSender {
	s := &SMTPSender{
		Host:          host,
		Port:          port,
		Username:      username,
		Password:      password,
		RetryAttempts: retryAttempts,
	}
	s.dial = func(m *gomail.Message) error {
		d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
		return d.DialAndSend(m)
	}
	return s
}

// Send delivers one message. Retryable failures are retried with exponential
// backoff up to RetryAttempts extra tries; the final error is always a
// *SendError.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)

	if msg.HTML != "" {
		m.SetBody("text/html", msg.HTML)
		if msg.Text != "" {
			m.AddAlternative("text/plain", msg.Text)
		}
	} else {
		m.SetBody("text/plain", msg.Text)
	}

	operation := func() error {
		if err := s.dial(m); err != nil {
			sendErr := Classify(err)
			if !sendErr.CanRetry {
				return backoff.Permanent(sendErr)
			}
			return sendErr
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond

	attempts := s.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(attempts)), ctx))
	if err == nil {
		return nil
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr
	}

	// Context cancellation surfaces from the backoff wrapper directly.
	return &SendError{Kind: ErrUnknown, CanRetry: false, Message: err.Error(), Raw: err}
}

// Classify maps a raw SMTP/dial error onto the closed error taxonomy.
func Classify(err error) *SendError {
	wrap := func(kind ErrorKind, retry bool) *SendError {
		return &SendError{Kind: kind, CanRetry: retry, Message: err.Error(), Raw: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(ErrTimeout, true)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return wrap(ErrHostNotFound, false)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return wrap(ErrSocketClosed, true)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return wrap(ErrTemporary, true)
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return classifySMTPCode(protoErr.Code, err)
	}

	// gomail wraps auth failures without a typed error.
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "auth") && (strings.Contains(lower, "fail") || strings.Contains(lower, "credential") || strings.Contains(lower, "535")) {
		return wrap(ErrAuthFailed, false)
	}

	return wrap(ErrUnknown, false)
}

func classifySMTPCode(code int, err error) *SendError {
	wrap := func(kind ErrorKind, retry bool) *SendError {
		return &SendError{Kind: kind, CanRetry: retry, Message: err.Error(), Raw: err}
	}

	switch {
	case code == 535 || code == 530 || code == 534:
		return wrap(ErrAuthFailed, false)
	case code == 550 || code == 553:
		return wrap(ErrInvalidEmail, false)
	case code == 552 || code == 554:
		return wrap(ErrRejected, false)
	case code >= 400 && code < 500:
		return wrap(ErrTemporary, true)
	default:
		return wrap(ErrUnknown, false)
	}
}
