// Package state defines the views a Decision reads: user-supplied reducers
// folded over the result of a stream query.
package state

import (
	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// View is a user-defined state derived from events. A View declares the
// stream query it depends on and a pure transition applied for each matching
// event. The view as handed to hydration (usually built by a constructor that
// sets the fields its query depends on) is the default state.
//
// Implementations are pointers to structs; Mutate modifies the receiver.
// Snapshot backends serialize the struct, so exported fields should carry
// the whole state.
type View interface {
	// Name returns a stable, human-readable name for the view. It keys
	// snapshots together with the canonical query key.
	Name() string
	// Query returns the stream query selecting the events this view folds.
	Query() streamquery.Query
	// Mutate applies one event to the view. Called only for events matching
	// Query, in event ID order.
	Mutate(ev event.Event)
}

// Part tracks a view together with its position in the log: the ID of the
// last event folded into it (its version) and how many events were applied
// since the part was created or loaded from a snapshot.
type Part struct {
	view    View
	version int64
	applied uint64
}

// NewPart wraps a default view at version 0.
func NewPart(v View) *Part {
	return &Part{view: v}
}

// View returns the wrapped view.
func (p *Part) View() View { return p.view }

// Version returns the ID of the last event folded into the view.
func (p *Part) Version() int64 { return p.version }

// Applied returns the number of events folded since the part was created or
// restored from a snapshot.
func (p *Part) Applied() uint64 { return p.applied }

// Matches reports whether the event belongs to this part: it must be newer
// than the part's version and satisfy the view's query.
func (p *Part) Matches(pe event.PersistedEvent) bool {
	return pe.ID > p.version && p.view.Query().Matches(pe.Event)
}

// Mutate folds one persisted event into the view and advances the version.
func (p *Part) Mutate(pe event.PersistedEvent) {
	p.version = pe.ID
	p.applied++
	p.view.Mutate(pe.Event)
}

// Restore marks the part as loaded from a snapshot at the given version. The
// applied counter resets; only events folded after the restore count towards
// the next snapshot.
func (p *Part) Restore(version int64) {
	p.version = version
	p.applied = 0
}

// Multi composes state views: a tuple of views behaves as one view whose
// query is the union of its components' queries and whose mutate dispatches
// each event to every component whose query matches it.
type Multi []*Part

// Views wraps the given views into a Multi at version 0.
func Views(views ...View) Multi {
	parts := make(Multi, len(views))
	for i, v := range views {
		parts[i] = NewPart(v)
	}
	return parts
}

// Query returns the union of the component queries.
func (m Multi) Query() streamquery.Query {
	queries := make([]streamquery.Query, len(m))
	for i, p := range m {
		queries[i] = p.View().Query()
	}
	return streamquery.Union(queries...)
}

// Mutate dispatches the event to every component whose query matches it.
// A component never sees events outside its declared query.
func (m Multi) Mutate(pe event.PersistedEvent) {
	for _, p := range m {
		if p.Matches(pe) {
			p.Mutate(pe)
		}
	}
}

// Version returns the maximum version across components.
func (m Multi) Version() int64 {
	var version int64
	for _, p := range m {
		if p.Version() > version {
			version = p.Version()
		}
	}
	return version
}

// MinVersion returns the minimum version across components. Hydration scans
// from this position so that every component sees all events it is missing.
func (m Multi) MinVersion() int64 {
	if len(m) == 0 {
		return 0
	}
	min := m[0].Version()
	for _, p := range m[1:] {
		if p.Version() < min {
			min = p.Version()
		}
	}
	return min
}
