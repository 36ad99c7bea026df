// Package eventstore defines the contract of the append-only event log and
// the error kinds shared by its implementations.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// MaxScanID is the upper bound passed to Scan when the caller wants every
// event from the lower bound to the end of the log.
const MaxScanID = int64(math.MaxInt64)

// Store is an append-only event log.
//
// Events are totally ordered by their store-assigned IDs; all readers observe
// the same order. Append performs the predicate-scoped optimistic concurrency
// check described on the Append method.
type Store interface {
	// Scan returns all events e in the log with lo < e.ID <= hi for which
	// query.Matches(e) holds, in ID order. The returned sequence is finite;
	// callers re-invoke with a new range to follow the log.
	Scan(ctx context.Context, query streamquery.Query, lo, hi int64) ([]event.PersistedEvent, error)

	// Append atomically publishes the given events iff no event matching
	// validation exists with ID > lastSeen at commit time, including
	// concurrent appenders' in-flight events. On conflict it returns an
	// error matching ErrConcurrency; the append had no effect on the log
	// (its reservations remain as inert markers).
	//
	// Appending an empty batch is the caller's responsibility to avoid;
	// implementations may reject it.
	Append(ctx context.Context, events []event.Event, validation streamquery.Query, lastSeen int64) ([]event.PersistedEvent, error)

	// AppendWithoutValidation publishes a batch without any concurrency
	// check. Intended for seeding and imports where the caller knows no
	// conflicting writer exists.
	AppendWithoutValidation(ctx context.Context, events []event.Event) ([]event.PersistedEvent, error)

	// MaxEventID returns the highest committed event ID, or 0 for an empty
	// log.
	MaxEventID(ctx context.Context) (int64, error)
}

// ErrConcurrency is returned by Append when the validation query detected a
// conflicting concurrent event. It is the sole expected non-transient failure
// of a well-formed append and is retryable.
var ErrConcurrency = errors.New("conflicting concurrent events detected")

// ErrEmptyAppend is returned when an empty batch is handed to Append.
var ErrEmptyAppend = errors.New("append requires at least one event")

// StorageError wraps a backing-store failure (connectivity, integrity,
// serialization at the store level). Retry policy is the caller's.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err with the failing operation name.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
