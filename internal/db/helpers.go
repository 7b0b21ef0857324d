package db

import (
	"sort"
	"strings"

	"mailriver/internal/models"
)

// qualified prefixes every column in a comma-separated list with an alias,
// for RETURNING clauses on aliased UPDATE ... FROM statements.
func qualified(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// sortForSending restores claim order: is_high_priority DESC,
// priority DESC, scheduled_at ASC, created_at ASC.
func sortForSending(entries []models.OutboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsHighPriority != b.IsHighPriority {
			return a.IsHighPriority
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
