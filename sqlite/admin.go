package sqlite

import (
	"context"
	"time"

	"github.com/disintegrate-es/disintegrate/decision"
	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/eventstore"
)

// Compile-time interface checks.
var (
	_ eventstore.Store     = (*Store)(nil)
	_ decision.Snapshotter = (*Snapshotter)(nil)
)

// LogEntry is a raw view of one committed event, without payload decoding.
// Used by administrative tooling to inspect the log when no codec registry
// is at hand.
type LogEntry struct {
	ID          int64
	Type        string
	Identifiers event.Identifiers
	InsertedAt  time.Time
}

// Tail returns the newest limit committed events in ascending ID order.
func (s *Store) Tail(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, domain_identifiers, inserted_at
		FROM (
			SELECT event_id, event_type, domain_identifiers, inserted_at
			FROM event ORDER BY event_id DESC LIMIT ?
		) ORDER BY event_id ASC
	`, limit)
	if err != nil {
		return nil, storageErr("tail events", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var identifiers string
		if err := rows.Scan(&e.ID, &e.Type, &identifiers, &e.InsertedAt); err != nil {
			return nil, storageErr("scan log entry", err)
		}
		ids, err := unmarshalIdentifiers(identifiers)
		if err != nil {
			return nil, storageErr("tail events", err)
		}
		e.Identifiers = ids
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate log entries", err)
	}
	return entries, nil
}
