package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"reflect"

	"github.com/google/uuid"

	"github.com/disintegrate-es/disintegrate/state"
)

// Snapshotter persists serialized state views in the snapshot table, keyed
// by view name and canonical query key. A structural change to a view's
// query changes the key, so stale snapshots stop matching and full replay
// happens automatically.
type Snapshotter struct {
	store *Store
	every uint64
}

// NewSnapshotter creates a snapshot cache over the store's database.
// A snapshot is written once more than every events have been folded since
// the last snapshot; every = 0 disables writes entirely.
func NewSnapshotter(store *Store, every uint64) *Snapshotter {
	return &Snapshotter{store: store, every: every}
}

// LoadSnapshot seeds the part's view from a stored snapshot when one exists
// for the same name and query. A snapshot that is missing, belongs to a
// different query shape, or fails to decode leaves the part untouched; an
// undecodable snapshot row is discarded.
func (sn *Snapshotter) LoadSnapshot(ctx context.Context, part *state.Part) error {
	view := part.View()
	queryKey := view.Query().Key()
	id := snapshotID(view.Name(), queryKey)

	var name, storedKey, payload string
	var version int64
	err := sn.store.db.QueryRowContext(ctx, `
		SELECT name, query, version, payload FROM snapshot WHERE id = ?
	`, id).Scan(&name, &storedKey, &version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storageErr("load snapshot", err)
	}
	if name != view.Name() || storedKey != queryKey {
		return nil
	}

	if !decodeInto(view, []byte(payload)) {
		// Stale or corrupt snapshot: treat as a miss and drop the row so
		// the next store replaces it.
		if _, err := sn.store.db.ExecContext(ctx, `DELETE FROM snapshot WHERE id = ?`, id); err != nil {
			sn.store.log.WithError(err).Warn("failed to discard stale snapshot")
		}
		return nil
	}

	part.Restore(version)
	return nil
}

// StoreSnapshot writes the part's view if enough events were folded since
// the part was created or restored. The upsert only replaces a snapshot with
// a newer version, so losing a race against a concurrent writer is harmless.
func (sn *Snapshotter) StoreSnapshot(ctx context.Context, part *state.Part) error {
	if sn.every == 0 || part.Applied() <= sn.every {
		return nil
	}

	view := part.View()
	queryKey := view.Query().Key()
	payload, err := stdJSON.Marshal(view)
	if err != nil {
		return storageErr("store snapshot: marshal", err)
	}

	_, err = sn.store.db.ExecContext(ctx, `
		INSERT INTO snapshot (id, name, query, version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE
		SET name = excluded.name, query = excluded.query,
		    version = excluded.version, payload = excluded.payload
		WHERE snapshot.version < excluded.version
	`, snapshotID(view.Name(), queryKey), view.Name(), queryKey, part.Version(), string(payload))
	if err != nil {
		return storageErr("store snapshot", err)
	}
	return nil
}

// PurgeSnapshots removes every stored snapshot and returns the number of
// rows deleted. Administrative operation; snapshots rebuild lazily.
func (s *Store) PurgeSnapshots(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshot`)
	if err != nil {
		return 0, storageErr("purge snapshots", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge snapshots", err)
	}
	return n, nil
}

// snapshotID derives the snapshot primary key from the view name and the
// canonical query key: a name-scoped UUID namespace, then a v3 UUID over the
// query key within it.
func snapshotID(name, queryKey string) string {
	space := uuid.NewMD5(uuid.NameSpaceOID, []byte(name))
	return uuid.NewMD5(space, []byte(queryKey)).String()
}

// decodeInto unmarshals payload into a fresh instance of the view's type and
// copies it over the view on success. Decoding into a scratch instance keeps
// the caller's view intact when the payload no longer fits the shape.
func decodeInto(view state.View, payload []byte) bool {
	rv := reflect.ValueOf(view)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false
	}
	fresh := reflect.New(rv.Type().Elem())
	if err := stdJSON.Unmarshal(payload, fresh.Interface()); err != nil {
		return false
	}
	rv.Elem().Set(fresh.Elem())
	return true
}
