package email

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"syscall"
	"testing"

	"gopkg.in/gomail.v2"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		kind     ErrorKind
		canRetry bool
	}{
		{"dns failure", &net.DNSError{Err: "no such host", Name: "smtp.invalid"}, ErrHostNotFound, false},
		{"timeout", &net.DNSError{Err: "lookup timeout", Name: "smtp.example.com", IsTimeout: true}, ErrTimeout, true},
		{"connection reset", syscall.ECONNRESET, ErrSocketClosed, true},
		{"broken pipe", syscall.EPIPE, ErrSocketClosed, true},
		{"eof", io.EOF, ErrSocketClosed, true},
		{"connection refused", syscall.ECONNREFUSED, ErrTemporary, true},
		{"auth 535", &textproto.Error{Code: 535, Msg: "authentication credentials invalid"}, ErrAuthFailed, false},
		{"mailbox unavailable", &textproto.Error{Code: 550, Msg: "no such user"}, ErrInvalidEmail, false},
		{"bad address syntax", &textproto.Error{Code: 553, Msg: "mailbox name invalid"}, ErrInvalidEmail, false},
		{"rejected", &textproto.Error{Code: 554, Msg: "transaction failed"}, ErrRejected, false},
		{"greylisted", &textproto.Error{Code: 451, Msg: "try again later"}, ErrTemporary, true},
		{"auth text only", errors.New("gomail: could not authenticate: bad credentials, auth failed"), ErrAuthFailed, false},
		{"unclassified", errors.New("something odd"), ErrUnknown, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", got.Kind, tc.kind)
			}
			if got.CanRetry != tc.canRetry {
				t.Fatalf("canRetry = %v, want %v", got.CanRetry, tc.canRetry)
			}
			if got.Raw == nil {
				t.Fatal("raw error must be preserved")
			}
		})
	}
}

func newTestSender(dial func(m *gomail.Message) error, retries int) *SMTPSender {
	s := NewSMTPSender("localhost", 1025, "", "", retries)
	s.dial = dial
	return s
}

func testMessage() Message {
	return Message{
		To:      []string{"a@example.com"},
		From:    "no-reply@example.com",
		Subject: "hi",
		HTML:    "<p>hi</p>",
	}
}

func TestSendRetriesRetryableFailures(t *testing.T) {
	attempts := 0
	dial := func(m *gomail.Message) error {
		attempts++
		if attempts < 3 {
			return &textproto.Error{Code: 451, Msg: "try later"}
		}
		return nil
	}

	s := newTestSender(dial, 3)
	if err := s.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("send after retries: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("dial called %d times, want 3", attempts)
	}
}

func TestSendDoesNotRetryPermanentFailures(t *testing.T) {
	attempts := 0
	dial := func(m *gomail.Message) error {
		attempts++
		return &textproto.Error{Code: 550, Msg: "no such user"}
	}

	s := newTestSender(dial, 3)
	err := s.Send(context.Background(), testMessage())

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if sendErr.Kind != ErrInvalidEmail {
		t.Fatalf("kind = %s, want %s", sendErr.Kind, ErrInvalidEmail)
	}
	if attempts != 1 {
		t.Fatalf("dial called %d times for permanent failure, want 1", attempts)
	}
}

func TestSendRetryBudgetIsBounded(t *testing.T) {
	attempts := 0
	dial := func(m *gomail.Message) error {
		attempts++
		return &textproto.Error{Code: 421, Msg: "service unavailable"}
	}

	s := newTestSender(dial, 2)
	err := s.Send(context.Background(), testMessage())

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if sendErr.Kind != ErrTemporary {
		t.Fatalf("kind = %s, want %s", sendErr.Kind, ErrTemporary)
	}
	// initial attempt + 2 retries
	if attempts != 3 {
		t.Fatalf("dial called %d times, want 3", attempts)
	}
}
