package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/eventstore"
	"github.com/disintegrate-es/disintegrate/internal/testevents"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

func TestAppend_ScanRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	created := &testevents.CourseCreated{CourseID: "c1", Title: "algebra", Seats: 3}
	subscribed := &testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"}

	persisted, err := s.Append(ctx, []event.Event{created, subscribed}, testevents.CourseQuery("c1"), 0)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.EqualValues(t, 1, persisted[0].ID)
	assert.EqualValues(t, 2, persisted[1].ID)

	events, err := s.Scan(ctx, testevents.CourseQuery("c1"), 0, eventstore.MaxScanID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, created, events[0].Event)
	assert.Equal(t, subscribed, events[1].Event)
}

func TestAppend_EmptyBatchRejected(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Append(context.Background(), nil, testevents.CourseQuery("c1"), 0)
	require.ErrorIs(t, err, eventstore.ErrEmptyAppend)
}

func TestAppend_MonotonicIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		persisted, err := s.Append(ctx,
			[]event.Event{&testevents.CouponEmitted{CouponID: "x", Quantity: 1}},
			streamquery.Query{}, 0)
		require.NoError(t, err)
		require.Greater(t, persisted[0].ID, last)
		last = persisted[0].ID
	}
}

func TestAppend_ConflictOnPublishedEvent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed(t, s, &testevents.CourseCreated{CourseID: "c1", Seats: 1})
	lastSeen, err := s.MaxEventID(ctx)
	require.NoError(t, err)

	// First writer commits against the snapshot both writers read.
	_, err = s.Append(ctx,
		[]event.Event{&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"}},
		testevents.CourseQuery("c1"), lastSeen)
	require.NoError(t, err)

	// Second writer, validating the same predicate against the same stale
	// position, must observe the conflict.
	_, err = s.Append(ctx,
		[]event.Event{&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s2"}},
		testevents.CourseQuery("c1"), lastSeen)
	require.ErrorIs(t, err, eventstore.ErrConcurrency)

	// Only the winner's event is in the log.
	events, err := s.Scan(ctx, testevents.CourseQuery("c1"), 0, eventstore.MaxScanID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, &testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"}, events[1].Event)
}

func TestAppend_UnrelatedPredicateDoesNotConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed(t, s, &testevents.CourseCreated{CourseID: "c1", Seats: 5})
	lastSeen, err := s.MaxEventID(ctx)
	require.NoError(t, err)

	_, err = s.Append(ctx,
		[]event.Event{&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"}},
		testevents.CourseQuery("c1"), lastSeen)
	require.NoError(t, err)

	// A writer on a different course sees no conflict despite the stale
	// position: the validation predicate does not match c1 events.
	_, err = s.Append(ctx,
		[]event.Event{&testevents.CourseCreated{CourseID: "c2", Seats: 1}},
		testevents.CourseQuery("c2"), lastSeen)
	require.NoError(t, err)
}

func TestAppend_ExcludedTagsDoNotConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed(t, s, &testevents.CouponEmitted{CouponID: "x", Quantity: 1})
	lastSeen, err := s.MaxEventID(ctx)
	require.NoError(t, err)

	overbookable := streamquery.Exclude(testevents.CouponQuery("x"), testevents.TypeCouponApplied)

	_, err = s.Append(ctx,
		[]event.Event{&testevents.CouponApplied{CouponID: "x", CartID: "cart1"}},
		overbookable, lastSeen)
	require.NoError(t, err)

	// The second application validates against the same stale position but
	// excludes CouponApplied, so the first application is not a conflict.
	_, err = s.Append(ctx,
		[]event.Event{&testevents.CouponApplied{CouponID: "x", CartID: "cart2"}},
		overbookable, lastSeen)
	require.NoError(t, err)

	events, err := s.Scan(ctx, testevents.CouponQuery("x"), 0, eventstore.MaxScanID)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestAppend_FailedAppendLeavesReservation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed(t, s, &testevents.CourseCreated{CourseID: "c1", Seats: 1})

	_, err := s.Append(ctx,
		[]event.Event{&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"}},
		testevents.CourseQuery("c1"), 1)
	require.NoError(t, err)

	_, err = s.Append(ctx,
		[]event.Event{&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s2"}},
		testevents.CourseQuery("c1"), 1)
	require.ErrorIs(t, err, eventstore.ErrConcurrency)

	// The loser's reservation stays behind, uncommitted.
	var reservations, committed int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(committed), 0) FROM event_sequence",
	).Scan(&reservations, &committed))
	assert.Equal(t, 3, reservations)
	assert.Equal(t, 2, committed)

	// Its ID is never reissued: the next append gets a fresh, higher ID.
	persisted, err := s.Append(ctx,
		[]event.Event{&testevents.CourseCreated{CourseID: "c2", Seats: 1}},
		testevents.CourseQuery("c2"), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, persisted[0].ID)
}

func TestAppendWithoutValidation_SkipsConcurrencyCheck(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed(t, s, &testevents.CourseCreated{CourseID: "c1", Seats: 1})

	// lastSeen 0 would conflict under Append; the unvalidated path ignores it.
	persisted, err := s.AppendWithoutValidation(ctx,
		[]event.Event{&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"}})
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.EqualValues(t, 2, persisted[0].ID)
}

func TestScan_RangeBounds(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed(t, s,
		&testevents.CouponEmitted{CouponID: "x", Quantity: 1},
		&testevents.CouponApplied{CouponID: "x", CartID: "a"},
		&testevents.CouponApplied{CouponID: "x", CartID: "b"},
	)

	events, err := s.Scan(ctx, testevents.CouponQuery("x"), 1, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 2, events[0].ID)
}

func TestMaxEventID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	max, err := s.MaxEventID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, max)

	seed(t, s, &testevents.CouponEmitted{CouponID: "x", Quantity: 1})
	max, err = s.MaxEventID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, max)
}

func TestSubscribeNewEvents_NotifiesPerEvent(t *testing.T) {
	s := createTestStore(t)

	ch, cancel := s.SubscribeNewEvents()
	defer cancel()

	seed(t, s,
		&testevents.CouponEmitted{CouponID: "x", Quantity: 1},
		&testevents.CouponApplied{CouponID: "x", CartID: "a"},
	)

	assert.Equal(t, testevents.TypeCouponEmitted, <-ch)
	assert.Equal(t, testevents.TypeCouponApplied, <-ch)
}
