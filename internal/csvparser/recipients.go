// Package csvparser turns uploaded recipient CSVs into outbox recipients.
package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"mailriver/internal/models"
)

// RecipientRow is one recipient extracted from an uploaded CSV. Email and
// UserID come from the reserved columns of those names (case-insensitive);
// every other column becomes a per-recipient template variable.
type RecipientRow struct {
	Email     string
	UserID    string
	Variables map[string]any
}

// Recipient maps the row onto the outbox recipient union: a user id alone
// targets the user's primary email, a user id plus an address targets that
// address on the user's behalf, and an address alone is a plain custom
// recipient.
func (r RecipientRow) Recipient() models.Recipient {
	switch {
	case r.UserID != "" && r.Email != "":
		return models.Recipient{
			Type:   models.RecipientUserCustomEmails,
			UserID: r.UserID,
			Emails: []string{r.Email},
		}
	case r.UserID != "":
		return models.Recipient{Type: models.RecipientUserPrimaryEmail, UserID: r.UserID}
	default:
		return models.Recipient{Type: models.RecipientCustomEmails, Emails: []string{r.Email}}
	}
}

// ParseRecipientRows parses a bulk-enqueue CSV. The header row must contain
// an "Email" or "UserID" column (or both); all other columns become
// per-recipient template variables. Rows carrying neither an address nor a
// user id are skipped. maxRows bounds the number of data rows parsed.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	emailIdx, userIdx := -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		normalized[i] = h
		switch {
		case strings.EqualFold(h, "email"):
			emailIdx = i
		case strings.EqualFold(h, "userid") || strings.EqualFold(h, "user_id"):
			userIdx = i
		}
	}
	if emailIdx == -1 && userIdx == -1 {
		return nil, errors.New("csv must contain an Email or UserID column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	rows := make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		row := RecipientRow{}
		if emailIdx != -1 {
			row.Email = strings.TrimSpace(record[emailIdx])
		}
		if userIdx != -1 {
			row.UserID = strings.TrimSpace(record[userIdx])
		}
		if row.Email == "" && row.UserID == "" {
			continue
		}

		row.Variables = make(map[string]any, len(headers))
		for i := range record {
			if i == emailIdx || i == userIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			row.Variables[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return rows, nil
}
