// Package decision executes business decisions against states hydrated from
// the event log, with optimistic concurrency handled by the store's append
// protocol.
package decision

import (
	"context"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/state"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// Decision is a pure business operation. The executor hydrates the views
// returned by StateQuery, runs Process against them, and appends the
// resulting events guarded by the validation query.
type Decision interface {
	// StateQuery returns fresh default views for one execution attempt.
	// It is called once per attempt; retries after a concurrency conflict
	// re-hydrate from new defaults.
	StateQuery() state.Multi

	// Validation returns the stream query used to detect conflicting
	// concurrent events at commit time. Returning ok=false selects the
	// default: the union query of the decision's state views.
	//
	// Narrowing the validation query relaxes the conflict set. A query that
	// excludes a tag tolerates concurrent commits of events carrying that
	// tag (controlled overbooking).
	Validation() (streamquery.Query, bool)

	// Process derives the decision's events from the hydrated views. It
	// must be deterministic relative to the views passed in - the executor
	// relies on this for retry safety. Returning an error rejects the
	// decision; no events are appended. Returning an empty slice commits
	// nothing and succeeds.
	Process(views state.Multi) ([]event.Event, error)
}

// Snapshotter caches serialized view states keyed by view name and canonical
// query key.
// Load replaces the part's view contents when a usable snapshot exists and
// is a no-op on a miss; a snapshot that fails to decode is silently treated
// as a miss. Store writes are best-effort - losing a race is harmless.
type Snapshotter interface {
	LoadSnapshot(ctx context.Context, part *state.Part) error
	StoreSnapshot(ctx context.Context, part *state.Part) error
}
