package csvparser

import (
	"strings"
	"testing"

	"mailriver/internal/models"
)

func TestParseRecipientRows(t *testing.T) {
	csv := "Email,Name,Plan\nalice@example.com,Alice,pro\nbob@example.com,Bob,free\n"

	rows, err := ParseRecipientRows(strings.NewReader(csv), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Email != "alice@example.com" {
		t.Fatalf("email = %q", rows[0].Email)
	}
	if rows[0].Variables["Plan"] != "pro" {
		t.Fatalf("variables = %v", rows[0].Variables)
	}
}

func TestParseRecipientRowsHeaderIsCaseInsensitive(t *testing.T) {
	rows, err := ParseRecipientRows(strings.NewReader("EMAIL\na@example.com\n"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
}

func TestParseRecipientRowsSkipsBlankAndMalformed(t *testing.T) {
	csv := "Email,Name\n,NoEmail\nalice@example.com,Alice\n"

	rows, err := ParseRecipientRows(strings.NewReader(csv), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want only the valid one", len(rows))
	}
}

func TestParseRecipientRowsRequiresEmailOrUserColumn(t *testing.T) {
	if _, err := ParseRecipientRows(strings.NewReader("Name\nAlice\n"), 0); err == nil {
		t.Fatal("want error when neither Email nor UserID column is present")
	}
}

func TestParseRecipientRowsUserIDColumn(t *testing.T) {
	csv := "user_id,Email,Plan\nu1,,pro\nu2,carol@example.com,free\n,dave@example.com,free\n"

	rows, err := ParseRecipientRows(strings.NewReader(csv), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}

	if got := rows[0].Recipient(); got.Type != models.RecipientUserPrimaryEmail || got.UserID != "u1" {
		t.Fatalf("user-only row mapped to %+v", got)
	}
	if got := rows[1].Recipient(); got.Type != models.RecipientUserCustomEmails || got.Emails[0] != "carol@example.com" {
		t.Fatalf("user-plus-email row mapped to %+v", got)
	}
	if got := rows[2].Recipient(); got.Type != models.RecipientCustomEmails || got.Emails[0] != "dave@example.com" {
		t.Fatalf("email-only row mapped to %+v", got)
	}
	if _, ok := rows[0].Variables["user_id"]; ok {
		t.Fatal("reserved columns must not leak into variables")
	}
	if rows[0].Variables["Plan"] != "pro" {
		t.Fatalf("variables = %v", rows[0].Variables)
	}
}

func TestParseRecipientRowsBoundsRows(t *testing.T) {
	csv := "Email\na@example.com\nb@example.com\nc@example.com\n"

	rows, err := ParseRecipientRows(strings.NewReader(csv), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want capped at 2", len(rows))
	}
}
