package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/internal/testevents"
	"github.com/disintegrate-es/disintegrate/state"
	"github.com/disintegrate-es/disintegrate/streamquery"
)

// foldCourse hydrates a course part by hand so snapshot tests do not depend
// on the decision executor.
func foldCourse(part *state.Part, events []event.PersistedEvent) {
	for _, pe := range events {
		if part.Matches(pe) {
			part.Mutate(pe)
		}
	}
}

func TestSnapshot_StoreAndLoad(t *testing.T) {
	s := createTestStore(t)
	sn := NewSnapshotter(s, 1)
	ctx := context.Background()

	persisted := seed(t, s,
		&testevents.CourseCreated{CourseID: "c1", Title: "algebra", Seats: 3},
		&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"},
	)

	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(part, persisted)
	require.EqualValues(t, 2, part.Applied())
	require.NoError(t, sn.StoreSnapshot(ctx, part))

	restored := state.NewPart(testevents.NewCourse("c1", "s1"))
	require.NoError(t, sn.LoadSnapshot(ctx, restored))
	assert.EqualValues(t, 2, restored.Version())

	course := restored.View().(*testevents.Course)
	assert.True(t, course.Created)
	assert.Equal(t, 2, course.AvailableSeats)
	assert.True(t, course.Subscribed)
}

func TestSnapshot_BelowThresholdNotWritten(t *testing.T) {
	s := createTestStore(t)
	sn := NewSnapshotter(s, 5)
	ctx := context.Background()

	persisted := seed(t, s, &testevents.CourseCreated{CourseID: "c1", Seats: 3})
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(part, persisted)
	require.NoError(t, sn.StoreSnapshot(ctx, part))

	restored := state.NewPart(testevents.NewCourse("c1", "s1"))
	require.NoError(t, sn.LoadSnapshot(ctx, restored))
	assert.EqualValues(t, 0, restored.Version())
}

func TestSnapshot_DisabledWithZeroEvery(t *testing.T) {
	s := createTestStore(t)
	sn := NewSnapshotter(s, 0)
	ctx := context.Background()

	persisted := seed(t, s,
		&testevents.CourseCreated{CourseID: "c1", Seats: 3},
		&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"},
	)
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(part, persisted)
	require.NoError(t, sn.StoreSnapshot(ctx, part))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM snapshot").Scan(&count))
	assert.Equal(t, 0, count)
}

// differentCourse has the same stored shape but a structurally different
// query, so it must not pick up course snapshots.
type differentCourse struct {
	testevents.Course
}

func (d *differentCourse) Query() streamquery.Query {
	return streamquery.Exclude(
		testevents.CourseQuery(d.CourseID),
		testevents.TypeCourseClosed,
	)
}

func TestSnapshot_QueryChangeInvalidates(t *testing.T) {
	s := createTestStore(t)
	sn := NewSnapshotter(s, 1)
	ctx := context.Background()

	persisted := seed(t, s,
		&testevents.CourseCreated{CourseID: "c1", Seats: 3},
		&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"},
	)
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(part, persisted)
	require.NoError(t, sn.StoreSnapshot(ctx, part))

	// Same view name, different query shape: the snapshot is ignored and a
	// full replay starts from version 0.
	changed := &differentCourse{Course: *testevents.NewCourse("c1", "s1")}
	restored := state.NewPart(changed)
	require.NoError(t, sn.LoadSnapshot(ctx, restored))
	assert.EqualValues(t, 0, restored.Version())
	assert.False(t, changed.Created)
}

func TestSnapshot_CorruptPayloadIsDiscarded(t *testing.T) {
	s := createTestStore(t)
	sn := NewSnapshotter(s, 1)
	ctx := context.Background()

	persisted := seed(t, s,
		&testevents.CourseCreated{CourseID: "c1", Seats: 3},
		&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"},
	)
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(part, persisted)
	require.NoError(t, sn.StoreSnapshot(ctx, part))

	_, err := s.db.Exec("UPDATE snapshot SET payload = 'not json'")
	require.NoError(t, err)

	restored := state.NewPart(testevents.NewCourse("c1", "s1"))
	require.NoError(t, sn.LoadSnapshot(ctx, restored))
	assert.EqualValues(t, 0, restored.Version())

	// The stale row is gone so the next store can replace it.
	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM snapshot").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSnapshot_OlderVersionDoesNotOverwrite(t *testing.T) {
	s := createTestStore(t)
	sn := NewSnapshotter(s, 1)
	ctx := context.Background()

	persisted := seed(t, s,
		&testevents.CourseCreated{CourseID: "c1", Seats: 3},
		&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"},
		&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s2"},
	)

	newer := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(newer, persisted)
	require.NoError(t, sn.StoreSnapshot(ctx, newer))

	older := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(older, persisted[:2])
	require.NoError(t, sn.StoreSnapshot(ctx, older))

	restored := state.NewPart(testevents.NewCourse("c1", "s1"))
	require.NoError(t, sn.LoadSnapshot(ctx, restored))
	assert.EqualValues(t, 3, restored.Version())
}

func TestPurgeSnapshots(t *testing.T) {
	s := createTestStore(t)
	sn := NewSnapshotter(s, 1)
	ctx := context.Background()

	persisted := seed(t, s,
		&testevents.CourseCreated{CourseID: "c1", Seats: 3},
		&testevents.StudentSubscribed{CourseID: "c1", StudentID: "s1"},
	)
	part := state.NewPart(testevents.NewCourse("c1", "s1"))
	foldCourse(part, persisted)
	require.NoError(t, sn.StoreSnapshot(ctx, part))

	n, err := s.PurgeSnapshots(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	restored := state.NewPart(testevents.NewCourse("c1", "s1"))
	require.NoError(t, sn.LoadSnapshot(ctx, restored))
	assert.EqualValues(t, 0, restored.Version())
}
