package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// Scan returns all events e with lo < e.ID <= hi matching the query, in
// event ID order.
func (s *Store) Scan(ctx context.Context, query streamquery.Query, lo, hi int64) ([]event.PersistedEvent, error) {
	return s.scanLimit(ctx, query, lo, hi, 0)
}

// scanLimit is Scan with an optional row limit (0 = unlimited). The listener
// runtime uses it to page through the log.
func (s *Store) scanLimit(ctx context.Context, query streamquery.Query, lo, hi int64, limit int) ([]event.PersistedEvent, error) {
	criteria, params, err := buildCriteria(query)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	sqlText := fmt.Sprintf(`
		SELECT event_id, event_type, payload
		FROM event
		WHERE event_id > ? AND event_id <= ? AND %s
		ORDER BY event_id ASC`, criteria)
	args := append([]any{lo, hi}, params...)
	if limit > 0 {
		sqlText += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, storageErr("scan events", err)
	}
	defer rows.Close()

	var events []event.PersistedEvent
	for rows.Next() {
		pe, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, pe)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}

	return events, nil
}

// MaxEventID returns the highest committed event ID, or 0 for an empty log.
func (s *Store) MaxEventID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(event_id), 0) FROM event
	`).Scan(&max)
	if err != nil {
		return 0, storageErr("max event id", err)
	}
	return max, nil
}

// scanEvent decodes one log row into a persisted event.
func (s *Store) scanEvent(rows *sql.Rows) (event.PersistedEvent, error) {
	var id int64
	var eventType string
	var payload []byte

	if err := rows.Scan(&id, &eventType, &payload); err != nil {
		return event.PersistedEvent{}, storageErr("scan event row", err)
	}

	ev, err := s.serde.Deserialize(eventType, payload)
	if err != nil {
		return event.PersistedEvent{}, err
	}
	return event.NewPersisted(id, ev), nil
}
