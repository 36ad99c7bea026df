package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/eventstore"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// Listener consumes committed events matching its query, in event ID order,
// with at-least-once delivery. Handlers must tolerate re-delivery: after a
// crash between a side effect and the cursor update, the same event arrives
// again - across processes when a lease is configured.
type Listener interface {
	// ID returns the stable identifier keying the listener's cursor.
	ID() string
	// Query selects the events delivered to this listener.
	Query() streamquery.Query
	// Handle processes one event. Returning an error halts the listener at
	// this event; the runtime backs off and retries without advancing.
	Handle(ctx context.Context, ev event.PersistedEvent) error
}

// TxListener is a Listener that opts into transactional delivery: HandleTx
// runs in the same store transaction that advances the cursor, so side
// effects written through tx commit atomically with the cursor. Handle is
// not called for TxListeners.
//
// The store holds a single writer connection; handlers must issue their
// writes through tx, not through the store.
type TxListener interface {
	Listener
	HandleTx(ctx context.Context, tx *sql.Tx, ev event.PersistedEvent) error
}

// ListenerError reports a handler failure. The runtime halts progress for
// the listener at the failing event and retries with backoff; it never
// skips. Operators may reset the cursor to advance past a poison event.
type ListenerError struct {
	ListenerID string
	EventID    int64
	Err        error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s: event %d: %v", e.ListenerID, e.EventID, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// ListenerConfig controls one listener's scheduling.
type ListenerConfig struct {
	// Poll is the interval between unconditional catch-up attempts.
	Poll time.Duration
	// FetchSize caps the events loaded per page. Zero means no cap.
	FetchSize int
	// Notifier wakes the listener on every matching append, ahead of the
	// next poll tick.
	Notifier bool
	// LeaseTTL, when positive, requires holding the processing_until lease
	// before handling events. Enables takeover between processes running
	// the same listener ID.
	LeaseTTL time.Duration
	// InitialBackoff and MaxBackoff bound the exponential backoff applied
	// after a handler or storage error.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Poller returns a config that polls at the given interval.
func Poller(poll time.Duration) ListenerConfig {
	return ListenerConfig{
		Poll:           poll,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// WithNotifier enables notification wake-up.
func (c ListenerConfig) WithNotifier() ListenerConfig {
	c.Notifier = true
	return c
}

// WithFetchSize sets the page size.
func (c ListenerConfig) WithFetchSize(n int) ListenerConfig {
	c.FetchSize = n
	return c
}

// WithLease enables the processing_until lease with the given TTL.
func (c ListenerConfig) WithLease(ttl time.Duration) ListenerConfig {
	c.LeaseTTL = ttl
	return c
}

type registration struct {
	listener Listener
	config   ListenerConfig
	wake     chan struct{}
}

// ListenerRunner drives registered listeners over the store's log. Each
// listener runs in its own goroutine and makes independent progress; there
// is no ordering between listeners.
type ListenerRunner struct {
	store *Store
	log   *logrus.Entry
	regs  []*registration
}

// NewListenerRunner creates a runner over the given store.
func NewListenerRunner(store *Store) *ListenerRunner {
	return &ListenerRunner{
		store: store,
		log:   store.log.WithField("component", "listener"),
	}
}

// Register adds a listener with its configuration. Must be called before
// Run.
func (r *ListenerRunner) Register(l Listener, cfg ListenerConfig) *ListenerRunner {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	r.regs = append(r.regs, &registration{
		listener: l,
		config:   cfg,
		wake:     make(chan struct{}, 1),
	})
	return r
}

// Run creates missing cursors, starts every listener, and blocks until ctx
// is cancelled and all listeners have drained. In-flight handler calls
// finish before Run returns.
func (r *ListenerRunner) Run(ctx context.Context) error {
	for _, reg := range r.regs {
		if err := r.initCursor(ctx, reg.listener.ID()); err != nil {
			return err
		}
	}

	notifyCtx, stopNotify := context.WithCancel(ctx)
	defer stopNotify()

	var wg sync.WaitGroup
	if r.anyNotifier() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.watchNewEvents(notifyCtx)
		}()
	}

	for _, reg := range r.regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			r.runListener(ctx, reg)
		}(reg)
	}

	<-ctx.Done()
	stopNotify()
	wg.Wait()
	return nil
}

// initCursor creates the listener's cursor row on first registration.
func (r *ListenerRunner) initCursor(ctx context.Context, id string) error {
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO event_listener (id, last_processed_event_id)
		VALUES (?, 0)
		ON CONFLICT(id) DO NOTHING
	`, id)
	if err != nil {
		return storageErr("init listener cursor", err)
	}
	return nil
}

func (r *ListenerRunner) anyNotifier() bool {
	for _, reg := range r.regs {
		if reg.config.Notifier {
			return true
		}
	}
	return false
}

// watchNewEvents fans store notifications out to listeners whose query could
// match the appended event's type.
func (r *ListenerRunner) watchNewEvents(ctx context.Context) {
	ch, cancel := r.store.SubscribeNewEvents()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-ch:
			if !ok {
				return
			}
			for _, reg := range r.regs {
				if reg.config.Notifier && reg.listener.Query().MatchesName(name) {
					select {
					case reg.wake <- struct{}{}:
					default:
					}
				}
			}
		}
	}
}

// runListener is one listener's loop: catch up, then sleep until the next
// poll tick, a wake notification, or shutdown. Errors back off exponentially
// and retry the same event.
func (r *ListenerRunner) runListener(ctx context.Context, reg *registration) {
	log := r.log.WithField("listener", reg.listener.ID())
	log.WithField("poll", reg.config.Poll).Info("listener started")
	defer log.Info("listener stopped")

	ticker := time.NewTicker(reg.config.Poll)
	defer ticker.Stop()

	backoff := reg.config.InitialBackoff
	for {
		err := r.catchUp(ctx, reg)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("backoff", backoff).Warn("listener paused")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reg.config.MaxBackoff {
				backoff = reg.config.MaxBackoff
			}
			continue
		}
		backoff = reg.config.InitialBackoff

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-reg.wake:
		}
	}
}

// catchUp pages through unprocessed events and dispatches them in order,
// advancing the cursor after each successful handle. Returns nil when the
// listener is up to date or another process holds the lease.
func (r *ListenerRunner) catchUp(ctx context.Context, reg *registration) error {
	id := reg.listener.ID()
	cursor, held, err := r.acquireLease(ctx, reg)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}

	release := func() {
		if err := r.releaseLease(reg); err != nil {
			r.log.WithError(err).WithField("listener", id).Warn("failed to release lease")
		}
	}

	fetch := reg.config.FetchSize
	for {
		events, err := r.store.scanLimit(ctx, reg.listener.Query(), cursor, eventstore.MaxScanID, fetch)
		if err != nil {
			release()
			return err
		}
		if len(events) == 0 {
			release()
			return nil
		}

		for _, pe := range events {
			if ctx.Err() != nil {
				release()
				return nil
			}
			if err := r.dispatch(ctx, reg, pe); err != nil {
				release()
				return err
			}
			cursor = pe.ID
		}

		if fetch == 0 || len(events) < fetch {
			release()
			return nil
		}
		if err := r.renewLease(ctx, reg); err != nil {
			return err
		}
	}
}

// dispatch handles one event and advances the cursor. For a TxListener the
// handler and the cursor update share a transaction.
func (r *ListenerRunner) dispatch(ctx context.Context, reg *registration, pe event.PersistedEvent) error {
	id := reg.listener.ID()

	if txl, ok := reg.listener.(TxListener); ok {
		tx, err := r.store.begin(ctx, "listener dispatch")
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := txl.HandleTx(ctx, tx, pe); err != nil {
			return &ListenerError{ListenerID: id, EventID: pe.ID, Err: err}
		}
		if err := advanceCursor(ctx, tx, id, pe.ID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return storageErr("listener dispatch: commit", err)
		}
		return nil
	}

	if err := reg.listener.Handle(ctx, pe); err != nil {
		return &ListenerError{ListenerID: id, EventID: pe.ID, Err: err}
	}
	return advanceCursor(ctx, r.store.db, id, pe.ID)
}

func advanceCursor(ctx context.Context, ex execer, id string, eventID int64) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE event_listener
		SET last_processed_event_id = ?, updated_at = ?
		WHERE id = ?
	`, eventID, now(), id)
	if err != nil {
		return storageErr("advance listener cursor", err)
	}
	return nil
}

// acquireLease returns the listener's cursor and whether this process may
// handle events. Without a lease TTL the cursor is read directly. With a
// TTL, the lease is claimed when free or expired; a valid foreign lease
// yields held=false.
func (r *ListenerRunner) acquireLease(ctx context.Context, reg *registration) (int64, bool, error) {
	id := reg.listener.ID()

	if reg.config.LeaseTTL <= 0 {
		var cursor int64
		err := r.store.db.QueryRowContext(ctx, `
			SELECT last_processed_event_id FROM event_listener WHERE id = ?
		`, id).Scan(&cursor)
		if err != nil {
			return 0, false, storageErr("read listener cursor", err)
		}
		return cursor, true, nil
	}

	until := now().Add(reg.config.LeaseTTL)
	res, err := r.store.db.ExecContext(ctx, `
		UPDATE event_listener
		SET processing_until = ?, updated_at = ?
		WHERE id = ? AND (processing_until IS NULL OR processing_until < ?)
	`, until, now(), id, now())
	if err != nil {
		return 0, false, storageErr("acquire listener lease", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return 0, false, storageErr("acquire listener lease", err)
	}
	if claimed == 0 {
		return 0, false, nil
	}

	var cursor int64
	err = r.store.db.QueryRowContext(ctx, `
		SELECT last_processed_event_id FROM event_listener WHERE id = ?
	`, id).Scan(&cursor)
	if err != nil {
		return 0, false, storageErr("read listener cursor", err)
	}
	return cursor, true, nil
}

// renewLease extends a held lease between pages of a long catch-up.
func (r *ListenerRunner) renewLease(ctx context.Context, reg *registration) error {
	if reg.config.LeaseTTL <= 0 {
		return nil
	}
	_, err := r.store.db.ExecContext(ctx, `
		UPDATE event_listener SET processing_until = ? WHERE id = ?
	`, now().Add(reg.config.LeaseTTL), reg.listener.ID())
	if err != nil {
		return storageErr("renew listener lease", err)
	}
	return nil
}

// releaseLease clears the lease so peers can take over immediately. It runs
// on a detached context: the common caller is a shutdown path whose own
// context is already cancelled, and the lease must still be released then.
func (r *ListenerRunner) releaseLease(reg *registration) error {
	if reg.config.LeaseTTL <= 0 {
		return nil
	}
	_, err := r.store.db.ExecContext(context.Background(), `
		UPDATE event_listener SET processing_until = NULL WHERE id = ?
	`, reg.listener.ID())
	if err != nil {
		return storageErr("release listener lease", err)
	}
	return nil
}

// now returns the current UTC time truncated to whole seconds so that the
// driver's text encoding of lease timestamps compares correctly in SQL.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// ResetListener rewinds (or advances) a listener cursor. Resetting to an
// earlier position replays events from that point; replay is idempotent only
// if the handler is. Returns an error if the listener is unknown.
func (s *Store) ResetListener(ctx context.Context, id string, to int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_listener
		SET last_processed_event_id = ?, updated_at = ?
		WHERE id = ?
	`, to, now(), id)
	if err != nil {
		return storageErr("reset listener", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("reset listener", err)
	}
	if affected == 0 {
		return fmt.Errorf("reset listener: unknown listener %q", id)
	}
	return nil
}

// ListenerCursor returns the listener's last processed event ID.
func (s *Store) ListenerCursor(ctx context.Context, id string) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_processed_event_id FROM event_listener WHERE id = ?
	`, id).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("listener cursor: unknown listener %q", id)
	}
	if err != nil {
		return 0, storageErr("listener cursor", err)
	}
	return cursor, nil
}
