package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/disintegrate-es/disintegrate/event"
	"github.com/disintegrate-es/disintegrate/internal/testevents"
)

// createTestStore opens a fresh store in a temp directory with the fixture
// codec registered.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, testevents.NewSerde())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seed appends events without validation and fails the test on error.
func seed(t *testing.T, s *Store, events ...event.Event) []event.PersistedEvent {
	t.Helper()
	persisted, err := s.AppendWithoutValidation(context.Background(), events)
	if err != nil {
		t.Fatalf("AppendWithoutValidation() failed: %v", err)
	}
	return persisted
}
