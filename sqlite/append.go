package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/eventstore"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// reservation is one in-flight event: its sequence-assigned ID plus the
// column values shared by both log tables.
type reservation struct {
	id          int64
	eventType   string
	identifiers string
	payload     []byte
}

// Append atomically publishes the events iff no event matching validation
// exists with ID > lastSeen at commit time, including concurrent appenders'
// in-flight events.
//
// The protocol runs in two transactions:
//
//  1. Reserve: each event gets a row in event_sequence. The AUTOINCREMENT
//     key is the linearization point - it fixes this append's order relative
//     to every other append. The reservation commit makes the rows visible
//     to peers before the outcome is decided, which is what lets rows of
//     failed appends remain as inert markers.
//
//  2. Validate and publish: mark consumed=1 on every peer reservation
//     matching the validation query in (lastSeen, max(own IDs)], check the
//     published log for matching events past lastSeen, then re-read our own
//     rows. A consumed own row means an in-flight peer matching our
//     predicate won the race; a published match means one already committed.
//     Either way: roll back and surface ErrConcurrency. Otherwise copy the
//     events into the log under their reserved IDs, flip our rows to
//     committed, and commit.
//
// Events of tags excluded from the validation query neither mark peers nor
// get marked, which is what permits controlled overbooking.
func (s *Store) Append(ctx context.Context, events []event.Event, validation streamquery.Query, lastSeen int64) ([]event.PersistedEvent, error) {
	reservations, err := s.reserve(ctx, events)
	if err != nil {
		return nil, err
	}

	if err := s.validateAndPublish(ctx, reservations, validation, lastSeen); err != nil {
		return nil, err
	}

	persisted := make([]event.PersistedEvent, len(events))
	for i, ev := range events {
		persisted[i] = event.NewPersisted(reservations[i].id, ev)
	}
	s.publishNotifications(persisted)
	return persisted, nil
}

// AppendWithoutValidation publishes a batch bypassing the concurrency check.
// The batch still flows through the reservation table so its IDs come from
// the same sequence and observe the same ordering as validated appends.
func (s *Store) AppendWithoutValidation(ctx context.Context, events []event.Event) ([]event.PersistedEvent, error) {
	reservations, err := s.reserve(ctx, events)
	if err != nil {
		return nil, err
	}

	tx, err := s.begin(ctx, "append")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // No-op if committed

	if err := publish(ctx, tx, reservations); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("append: commit", err)
	}

	persisted := make([]event.PersistedEvent, len(events))
	for i, ev := range events {
		persisted[i] = event.NewPersisted(reservations[i].id, ev)
	}
	s.publishNotifications(persisted)
	return persisted, nil
}

// reserve serializes the events and inserts one reservation row each,
// collecting the sequence-assigned IDs. The transaction commits before the
// validation phase so peers can observe and invalidate these rows.
func (s *Store) reserve(ctx context.Context, events []event.Event) ([]reservation, error) {
	if len(events) == 0 {
		return nil, eventstore.ErrEmptyAppend
	}

	reservations := make([]reservation, len(events))
	for i, ev := range events {
		payload, err := s.serde.Serialize(ev)
		if err != nil {
			return nil, err
		}
		identifiers, err := marshalIdentifiers(ev.DomainIdentifiers())
		if err != nil {
			return nil, storageErr("reserve", err)
		}
		reservations[i] = reservation{
			eventType:   ev.Name(),
			identifiers: identifiers,
			payload:     payload,
		}
	}

	tx, err := s.begin(ctx, "reserve")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for i := range reservations {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO event_sequence (event_type, domain_identifiers)
			VALUES (?, ?)
		`, reservations[i].eventType, reservations[i].identifiers)
		if err != nil {
			return nil, storageErr("reserve: insert", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, storageErr("reserve: last insert id", err)
		}
		reservations[i].id = id
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("reserve: commit", err)
	}
	return reservations, nil
}

// validateAndPublish runs the invalidate-peers / self-check / publish steps
// in one transaction. On conflict the transaction rolls back, leaving this
// append's reservations in place with whatever consumed state peers gave
// them.
func (s *Store) validateAndPublish(ctx context.Context, reservations []reservation, validation streamquery.Query, lastSeen int64) error {
	tx, err := s.begin(ctx, "append")
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ownIDs := make([]int64, len(reservations))
	for i, r := range reservations {
		ownIDs[i] = r.id
	}
	maxOwn := ownIDs[len(ownIDs)-1]

	// Invalidate peers: any reservation matching the validation query that
	// was sequenced after lastSeen and before our last reservation. An
	// in-flight peer in that range finds its rows consumed at its own
	// self-check and aborts.
	if !validation.IsZero() {
		criteria, params, err := buildCriteria(validation)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		args := append(params, lastSeen, maxOwn)
		args = append(args, int64Args(ownIDs)...)
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE event_sequence
			SET consumed = 1
			WHERE %s
			  AND event_id > ? AND event_id <= ?
			  AND event_id NOT IN (%s)
			  AND consumed = 0
		`, criteria, placeholders(len(ownIDs))), args...)
		if err != nil {
			return storageErr("append: invalidate peers", err)
		}

		// Peers sequenced before us that already published are visible in
		// the log; their reservations cannot mark ours, so check the log
		// directly.
		var published bool
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT EXISTS (SELECT 1 FROM event WHERE %s AND event_id > ?)
		`, criteria), append(append([]any{}, params...), lastSeen)...).Scan(&published)
		if err != nil {
			return storageErr("append: published check", err)
		}
		if published {
			return fmt.Errorf("append: %w", eventstore.ErrConcurrency)
		}
	}

	// Self-check: a consumed own row means a peer matching our validation
	// query committed between lastSeen and this append.
	var consumed int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM event_sequence
		WHERE event_id IN (%s) AND consumed > 0
	`, placeholders(len(ownIDs))), int64Args(ownIDs)...).Scan(&consumed)
	if err != nil {
		return storageErr("append: self check", err)
	}
	if consumed > 0 {
		return fmt.Errorf("append: %w", eventstore.ErrConcurrency)
	}

	if err := publish(ctx, tx, reservations); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("append: commit", err)
	}
	return nil
}

// publish copies the reserved events into the log under their reserved IDs
// and flips the reservations to committed.
func publish(ctx context.Context, tx execer, reservations []reservation) error {
	for _, r := range reservations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event (event_id, event_type, domain_identifiers, payload)
			VALUES (?, ?, ?, ?)
		`, r.id, r.eventType, r.identifiers, r.payload)
		if err != nil {
			return storageErr("publish: insert event", err)
		}
	}

	ids := make([]int64, len(reservations))
	for i, r := range reservations {
		ids[i] = r.id
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE event_sequence SET committed = 1 WHERE event_id IN (%s)
	`, placeholders(len(ids))), int64Args(ids)...)
	if err != nil {
		return storageErr("publish: mark committed", err)
	}
	return nil
}

// publishNotifications emits one hub message per published event.
func (s *Store) publishNotifications(events []event.PersistedEvent) {
	for _, pe := range events {
		s.notify.Publish(pe.Name())
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
