package send

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailriver/internal/email"
	"mailriver/internal/models"
)

type fakeExecStore struct {
	mu sync.Mutex

	users        map[string]*models.UserContact
	unsubscribed map[string]bool

	finalized map[int64]string // id -> "sent" | "skip:<reason>" | "failed"
	failures  map[int64]models.SendFailure
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		users:        make(map[string]*models.UserContact),
		unsubscribed: make(map[string]bool),
		finalized:    make(map[int64]string),
		failures:     make(map[int64]models.SendFailure),
	}
}

func (f *fakeExecStore) TenancySettings(ctx context.Context, tenancyID string) (*models.TenancySettings, error) {
	return &models.TenancySettings{TenancyID: tenancyID, FromAddress: "no-reply@example.com"}, nil
}

func (f *fakeExecStore) UserContact(ctx context.Context, tenancyID, userID string) (*models.UserContact, error) {
	return f.users[userID], nil
}

func (f *fakeExecStore) IsUnsubscribed(ctx context.Context, tenancyID, userID, categoryID string) (bool, error) {
	return f.unsubscribed[userID+"/"+categoryID], nil
}

func (f *fakeExecStore) finalize(id int64, state string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.finalized[id]; done {
		return false, nil
	}
	f.finalized[id] = state
	return true, nil
}

func (f *fakeExecStore) FinalizeSendSuccess(ctx context.Context, id int64) (bool, error) {
	return f.finalize(id, "sent")
}

func (f *fakeExecStore) FinalizeSendSkip(ctx context.Context, id int64, reason models.SkipReason) (bool, error) {
	return f.finalize(id, "skip:"+string(reason))
}

func (f *fakeExecStore) FinalizeSendFailure(ctx context.Context, id int64, failure models.SendFailure) (bool, error) {
	applied, err := f.finalize(id, "failed")
	if applied {
		f.mu.Lock()
		f.failures[id] = failure
		f.mu.Unlock()
	}
	return applied, err
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []email.Message
	errBy func(msg email.Message) error
}

func (f *fakeTransport) Send(ctx context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errBy != nil {
		if err := f.errBy(msg); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

// pairedTransport succeeds only when two sends are in flight at the same
// time: each call waits to rendezvous with a peer and fails after a second
// alone.
type pairedTransport struct {
	peer chan struct{}
}

func (p *pairedTransport) Send(ctx context.Context, msg email.Message) error {
	select {
	case p.peer <- struct{}{}:
		return nil
	case <-p.peer:
		return nil
	case <-time.After(time.Second):
		return &email.SendError{Kind: email.ErrTimeout, Message: "no concurrent send arrived"}
	}
}

func singleBatch(entries ...models.OutboxEntry) Plan {
	return Plan{Batches: []TenancyBatch{{TenancyID: "t1", RatePerSecond: 1, Entries: entries}}}
}

func renderedEntry(id int64, r models.Recipient) models.OutboxEntry {
	html := "<p>hi</p>"
	subject := "hi"
	return models.OutboxEntry{
		ID:              id,
		TenancyID:       "t1",
		Recipient:       r,
		RenderedHTML:    &html,
		RenderedSubject: &subject,
	}
}

func TestExecuteEmptyCustomEmailsSkipsWithoutTransportCall(t *testing.T) {
	store := newFakeExecStore()
	transport := &fakeTransport{}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: models.RecipientCustomEmails}),
	))

	if sum.Skipped != 1 || sum.Sent != 0 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want 1 skipped", sum)
	}
	if got := store.finalized[1]; got != "skip:no-email-provided" {
		t.Fatalf("entry finalized as %q, want skip:no-email-provided", got)
	}
	if len(transport.sent) != 0 {
		t.Fatalf("transport called %d times, want 0", len(transport.sent))
	}
}

func TestExecuteDeletedUserSkips(t *testing.T) {
	store := newFakeExecStore()
	x := NewExecutor(store, &fakeTransport{}, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: models.RecipientUserPrimaryEmail, UserID: "gone"}),
	))

	if sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 skipped", sum)
	}
	if got := store.finalized[1]; got != "skip:user-account-deleted" {
		t.Fatalf("entry finalized as %q", got)
	}
}

func TestExecuteUserWithoutPrimaryEmailSkips(t *testing.T) {
	store := newFakeExecStore()
	store.users["u1"] = &models.UserContact{UserID: "u1"}
	x := NewExecutor(store, &fakeTransport{}, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: models.RecipientUserPrimaryEmail, UserID: "u1"}),
	))

	if sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 skipped", sum)
	}
	if got := store.finalized[1]; got != "skip:user-has-no-primary-email" {
		t.Fatalf("entry finalized as %q", got)
	}
}

func TestExecuteUserCustomEmailsFallsBackToPrimary(t *testing.T) {
	primary := "alice@example.com"
	store := newFakeExecStore()
	store.users["u1"] = &models.UserContact{UserID: "u1", PrimaryEmail: &primary}
	transport := &fakeTransport{}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: models.RecipientUserCustomEmails, UserID: "u1"}),
	))

	if sum.Sent != 1 {
		t.Fatalf("summary = %+v, want 1 sent", sum)
	}
	if len(transport.sent) != 1 || transport.sent[0].To[0] != primary {
		t.Fatalf("transport got %+v, want primary email", transport.sent)
	}
}

func TestExecuteUserCustomEmailsUsesList(t *testing.T) {
	store := newFakeExecStore()
	store.users["u1"] = &models.UserContact{UserID: "u1"}
	transport := &fakeTransport{}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{
			Type:   models.RecipientUserCustomEmails,
			UserID: "u1",
			Emails: []string{"a@example.com", "b@example.com"},
		}),
	))

	if sum.Sent != 1 {
		t.Fatalf("summary = %+v, want 1 sent", sum)
	}
	if len(transport.sent[0].To) != 2 {
		t.Fatalf("transport To = %v, want both custom emails", transport.sent[0].To)
	}
}

func TestExecuteUnsubscribedUserSkips(t *testing.T) {
	primary := "alice@example.com"
	store := newFakeExecStore()
	store.users["u1"] = &models.UserContact{UserID: "u1", PrimaryEmail: &primary}
	store.unsubscribed["u1/newsletter"] = true
	transport := &fakeTransport{}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	category := "newsletter"
	marketing := false
	e := renderedEntry(1, models.Recipient{Type: models.RecipientUserPrimaryEmail, UserID: "u1"})
	e.RenderedCategoryID = &category
	e.RenderedIsTransactional = &marketing

	sum := x.Execute(context.Background(), singleBatch(e))

	if sum.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 skipped", sum)
	}
	if got := store.finalized[1]; got != "skip:user-unsubscribed" {
		t.Fatalf("entry finalized as %q", got)
	}
	if len(transport.sent) != 0 {
		t.Fatal("transport must not be called for unsubscribed user")
	}
}

func TestExecuteTransactionalIgnoresUnsubscribe(t *testing.T) {
	primary := "alice@example.com"
	store := newFakeExecStore()
	store.users["u1"] = &models.UserContact{UserID: "u1", PrimaryEmail: &primary}
	store.unsubscribed["u1/receipts"] = true
	transport := &fakeTransport{}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	category := "receipts"
	transactional := true
	e := renderedEntry(1, models.Recipient{Type: models.RecipientUserPrimaryEmail, UserID: "u1"})
	e.RenderedCategoryID = &category
	e.RenderedIsTransactional = &transactional

	sum := x.Execute(context.Background(), singleBatch(e))

	if sum.Sent != 1 {
		t.Fatalf("summary = %+v, want 1 sent", sum)
	}
}

func TestExecuteTransportFailureFinalizesEntry(t *testing.T) {
	store := newFakeExecStore()
	transport := &fakeTransport{
		errBy: func(msg email.Message) error {
			return &email.SendError{Kind: email.ErrRejected, Message: "554 rejected"}
		},
	}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: models.RecipientCustomEmails, Emails: []string{"a@example.com"}}),
	))

	if sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", sum)
	}
	failure := store.failures[1]
	if failure.ExternalDetails != string(email.ErrRejected) {
		t.Fatalf("failure external details = %q, want error kind", failure.ExternalDetails)
	}
	if failure.InternalDetails == "" {
		t.Fatal("internal details must preserve the raw error")
	}
}

func TestExecuteRowFailureDoesNotAbortSiblings(t *testing.T) {
	store := newFakeExecStore()
	transport := &fakeTransport{
		errBy: func(msg email.Message) error {
			if msg.To[0] == "bad@example.com" {
				return &email.SendError{Kind: email.ErrTimeout, Message: "timeout"}
			}
			return nil
		},
	}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: models.RecipientCustomEmails, Emails: []string{"bad@example.com"}}),
		renderedEntry(2, models.Recipient{Type: models.RecipientCustomEmails, Emails: []string{"good@example.com"}}),
	))

	if sum.Failed != 1 || sum.Sent != 1 {
		t.Fatalf("summary = %+v, want 1 failed and 1 sent", sum)
	}
	if store.finalized[1] != "failed" || store.finalized[2] != "sent" {
		t.Fatalf("finalized = %v", store.finalized)
	}
}

func TestExecuteFinalizeIsIdempotent(t *testing.T) {
	store := newFakeExecStore()
	// Simulate a duplicate attempt finishing first.
	store.finalized[1] = "sent"

	transport := &fakeTransport{}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: models.RecipientCustomEmails, Emails: []string{"a@example.com"}}),
	))

	// The guarded write was a no-op; the earlier outcome stands.
	if sum.Sent != 0 || sum.Failed != 0 || sum.Skipped != 0 {
		t.Fatalf("summary = %+v, want all zero", sum)
	}
	if store.finalized[1] != "sent" {
		t.Fatalf("outcome overwritten: %q", store.finalized[1])
	}
}

func TestExecuteTenancyBatchesRunConcurrently(t *testing.T) {
	store := newFakeExecStore()
	transport := &pairedTransport{peer: make(chan struct{})}
	x := NewExecutor(store, transport, nil, zap.NewNop(), 4)

	e1 := renderedEntry(1, models.Recipient{Type: models.RecipientCustomEmails, Emails: []string{"a@example.com"}})
	e2 := renderedEntry(2, models.Recipient{Type: models.RecipientCustomEmails, Emails: []string{"b@example.com"}})
	e2.TenancyID = "t2"

	plan := Plan{Batches: []TenancyBatch{
		{TenancyID: "t1", RatePerSecond: 1, Entries: []models.OutboxEntry{e1}},
		{TenancyID: "t2", RatePerSecond: 1, Entries: []models.OutboxEntry{e2}},
	}}

	sum := x.Execute(context.Background(), plan)

	if sum.Sent != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v, want both tenancy sends in flight together", sum)
	}
	if store.finalized[1] != "sent" || store.finalized[2] != "sent" {
		t.Fatalf("finalized = %v", store.finalized)
	}
}

func TestExecuteUnknownRecipientTypeFinalizesAsFailed(t *testing.T) {
	store := newFakeExecStore()
	x := NewExecutor(store, &fakeTransport{}, nil, zap.NewNop(), 2)

	sum := x.Execute(context.Background(), singleBatch(
		renderedEntry(1, models.Recipient{Type: "mystery"}),
	))

	if sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", sum)
	}
	if store.failures[1].InternalDetails == "" {
		t.Fatal("internal details must name the bad recipient type")
	}
}
