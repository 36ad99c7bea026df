package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/internal/testevents"
	"github.com/disintegrate-es/disintegrate/state"
)

func TestPart_MutateAdvancesVersion(t *testing.T) {
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	require.EqualValues(t, 0, part.Version())

	part.Mutate(event.NewPersisted(3, &testevents.CourseCreated{CourseID: "c1", Seats: 5}))
	part.Mutate(event.NewPersisted(4, &testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"}))

	assert.EqualValues(t, 4, part.Version())
	assert.EqualValues(t, 2, part.Applied())

	course := part.View().(*testevents.Course)
	assert.Equal(t, 4, course.AvailableSeats)
	assert.True(t, course.Subscribed)
}

func TestPart_MatchesRespectsVersion(t *testing.T) {
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	part.Restore(10)

	old := event.NewPersisted(7, &testevents.CourseCreated{CourseID: "c1", Seats: 5})
	fresh := event.NewPersisted(11, &testevents.CourseCreated{CourseID: "c1", Seats: 5})

	assert.False(t, part.Matches(old))
	assert.True(t, part.Matches(fresh))
}

func TestPart_RestoreResetsApplied(t *testing.T) {
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	part.Mutate(event.NewPersisted(1, &testevents.CourseCreated{CourseID: "c1", Seats: 5}))
	require.EqualValues(t, 1, part.Applied())

	part.Restore(5)
	assert.EqualValues(t, 5, part.Version())
	assert.EqualValues(t, 0, part.Applied())
}

func TestMulti_DispatchesByComponentQuery(t *testing.T) {
	views := state.Views(
		testevents.NewCourse("c1", "s1"),
		testevents.NewCourse("c2", "s1"),
	)

	views.Mutate(event.NewPersisted(1, &testevents.CourseCreated{CourseID: "c1", Seats: 5}))
	views.Mutate(event.NewPersisted(2, &testevents.CourseCreated{CourseID: "c2", Seats: 9}))

	c1 := views[0].View().(*testevents.Course)
	c2 := views[1].View().(*testevents.Course)
	assert.Equal(t, 5, c1.AvailableSeats)
	assert.Equal(t, 9, c2.AvailableSeats)

	// A component never sees events outside its declared query.
	assert.EqualValues(t, 1, views[0].Version())
	assert.EqualValues(t, 2, views[1].Version())
}

func TestMulti_Versions(t *testing.T) {
	views := state.Views(
		testevents.NewCourse("c1", "s1"),
		testevents.NewCourse("c2", "s1"),
	)
	views[0].Restore(5)
	views[1].Restore(3)

	assert.EqualValues(t, 5, views.Version())
	assert.EqualValues(t, 3, views.MinVersion())
}

func TestMulti_QueryIsUnion(t *testing.T) {
	views := state.Views(
		testevents.NewCourse("c1", "s1"),
		testevents.NewCoupon("x"),
	)
	q := views.Query()
	assert.True(t, q.Matches(&testevents.CourseCreated{CourseID: "c1"}))
	assert.True(t, q.Matches(&testevents.CouponEmitted{CouponID: "x"}))
	assert.False(t, q.Matches(&testevents.CouponEmitted{CouponID: "y"}))
}
