package db

import (
	"context"
	"time"
)

// TouchMetadata stamps the shared last-executed row with now and returns the
// previous value, or nil on the very first run. The CTE reads the
// pre-statement snapshot, so old and new value come back in one round trip
// with no explicit lock.
func (s *Store) TouchMetadata(ctx context.Context, now time.Time) (*time.Time, error) {
	var previous *time.Time

	err := s.Pool.QueryRow(ctx,
		`WITH previous AS (
		     SELECT last_executed_at FROM processing_metadata WHERE id = 1
		 )
		 INSERT INTO processing_metadata (id, last_executed_at)
		 VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET last_executed_at = EXCLUDED.last_executed_at
		 RETURNING (SELECT last_executed_at FROM previous)`,
		now,
	).Scan(&previous)
	if err != nil {
		return nil, err
	}

	return previous, nil
}
