package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/eventstore"
	"github.com/disintegrate-es/disintegrate/state"
)

// Defaults for the retry policy. Bounded retry keeps decision latency
// bounded; the final conflict surfaces wrapped in ErrRetriesExhausted.
const (
	DefaultMaxRetries     = 10
	DefaultInitialBackoff = 20 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

// Maker executes decisions: build state from the log, run the decision's
// pure function, append the resulting events with the validation query, and
// retry on concurrency conflict.
type Maker struct {
	store       eventstore.Store
	snapshots   Snapshotter
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	log         *logrus.Entry
}

// Option configures a Maker.
type Option func(*Maker)

// WithSnapshots enables the snapshot cache for state hydration.
func WithSnapshots(s Snapshotter) Option {
	return func(m *Maker) { m.snapshots = s }
}

// WithMaxRetries bounds the number of re-executions after a concurrency
// conflict. Zero disables retries; the first conflict surfaces immediately.
func WithMaxRetries(n int) Option {
	return func(m *Maker) { m.maxRetries = n }
}

// WithBackoff sets the initial and maximum backoff between retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Maker) {
		m.baseBackoff = initial
		m.maxBackoff = max
	}
}

// WithLogger sets the logger used for retry and snapshot diagnostics.
func WithLogger(log *logrus.Logger) Option {
	return func(m *Maker) { m.log = log.WithField("component", "decision") }
}

// NewMaker creates a decision executor over the given store.
func NewMaker(store eventstore.Store, opts ...Option) *Maker {
	m := &Maker{
		store:       store,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: DefaultInitialBackoff,
		maxBackoff:  DefaultMaxBackoff,
		log:         logrus.StandardLogger().WithField("component", "decision"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Make executes the decision and returns the committed events with their
// store-assigned IDs.
//
// Each attempt observes exactly one committed state: hydrate, process,
// append. A concurrency conflict triggers re-hydration and re-execution up
// to the retry bound, with exponential backoff between attempts. A business
// error from Process surfaces as BusinessError without touching the log. A
// decision emitting zero events commits nothing and succeeds.
//
// Make respects ctx between hydrate and append and between retries; once an
// append transaction is open, cancellation waits for it to resolve.
func (m *Maker) Make(ctx context.Context, d Decision) ([]event.PersistedEvent, error) {
	backoff := m.baseBackoff
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		views := d.StateQuery()
		lastSeen, err := m.hydrate(ctx, views)
		if err != nil {
			return nil, fmt.Errorf("hydrate state: %w", err)
		}

		events, err := d.Process(views)
		if err != nil {
			return nil, &BusinessError{Err: err}
		}
		if len(events) == 0 {
			return nil, nil
		}

		validation, ok := d.Validation()
		if !ok {
			validation = views.Query()
		}

		persisted, err := m.store.Append(ctx, events, validation, lastSeen)
		if err == nil {
			return persisted, nil
		}
		if !errors.Is(err, eventstore.ErrConcurrency) {
			return nil, err
		}
		if attempt >= m.maxRetries {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}

		m.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Debug("concurrency conflict, retrying decision")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

// hydrate folds the events selected by the views' union query into the
// views, seeding each component from the snapshot cache when possible.
// It returns the log position the state is consistent with: the maximum
// committed event ID observed at read time.
func (m *Maker) hydrate(ctx context.Context, views state.Multi) (int64, error) {
	if m.snapshots != nil {
		for _, part := range views {
			if err := m.snapshots.LoadSnapshot(ctx, part); err != nil {
				return 0, fmt.Errorf("load snapshot: %w", err)
			}
		}
	}

	// The upper bound is fixed before scanning so that the returned
	// position covers the whole log as of the read, not just the last
	// matching event. Appends validated against a lower position would
	// conflict with unrelated pre-existing events.
	maxID, err := m.store.MaxEventID(ctx)
	if err != nil {
		return 0, err
	}

	events, err := m.store.Scan(ctx, views.Query(), views.MinVersion(), maxID)
	if err != nil {
		return 0, err
	}
	for _, pe := range events {
		views.Mutate(pe)
	}
	m.storeSnapshots(ctx, views)

	lastSeen := maxID
	if v := views.Version(); v > lastSeen {
		lastSeen = v
	}
	return lastSeen, nil
}

// storeSnapshots persists the hydrated views best-effort. The backend
// decides whether enough events were folded to warrant a write; failures
// are logged and ignored.
func (m *Maker) storeSnapshots(ctx context.Context, views state.Multi) {
	if m.snapshots == nil {
		return
	}
	for _, part := range views {
		if err := m.snapshots.StoreSnapshot(ctx, part); err != nil {
			m.log.WithError(err).WithField("view", part.View().Name()).
				Warn("snapshot write failed")
		}
	}
}

// Hydrate builds the given views from the log without executing a decision.
// It returns the log position the state is consistent with. Useful for
// read-side queries that reuse decision views.
func (m *Maker) Hydrate(ctx context.Context, views state.Multi) (int64, error) {
	return m.hydrate(ctx, views)
}
