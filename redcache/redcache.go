// Package redcache provides a Redis-backed snapshot cache. It implements the
// same snapshotter contract as the sqlite snapshot table and suits
// deployments where decision latency matters more than snapshot durability:
// entries may expire or be evicted at any time, which only costs a replay.
package redcache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/disintegrate-es/disintegrate/decision"
	"github.com/disintegrate-es/disintegrate/state"
)

var _ decision.Snapshotter = (*Snapshotter)(nil)

// envelope is the stored form of one snapshot.
type envelope struct {
	Name    string `json:"name"`
	Query   string `json:"query"`
	Version int64  `json:"version"`
	Payload string `json:"payload"`
}

// Snapshotter stores serialized state views in Redis, keyed by the same
// (view name, query key) derivation as the sqlite snapshot table.
type Snapshotter struct {
	client *redis.Client
	every  uint64
	ttl    time.Duration
}

// New creates a Redis snapshot cache. A snapshot is written once more than
// every events have been folded since the last snapshot; every = 0 disables
// writes. A zero ttl keeps entries until evicted.
func New(client *redis.Client, every uint64, ttl time.Duration) *Snapshotter {
	if ttl < 0 {
		ttl = 0
	}
	return &Snapshotter{client: client, every: every, ttl: ttl}
}

// LoadSnapshot seeds the part's view from a cached snapshot when one exists
// for the same name and query shape. Undecodable entries are dropped and
// treated as a miss; Redis errors fall back to a miss as well, so a cache
// outage degrades to full replay instead of failing decisions.
func (sn *Snapshotter) LoadSnapshot(ctx context.Context, part *state.Part) error {
	view := part.View()
	queryKey := view.Query().Key()
	key := cacheKey(view.Name(), queryKey)

	data, err := sn.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			_ = sn.client.Del(ctx, key).Err()
		}
		return nil
	}

	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		_ = sn.client.Del(ctx, key).Err()
		return nil
	}
	if env.Name != view.Name() || env.Query != queryKey {
		return nil
	}
	if !decodeInto(view, []byte(env.Payload)) {
		_ = sn.client.Del(ctx, key).Err()
		return nil
	}

	part.Restore(env.Version)
	return nil
}

// StoreSnapshot writes the part's view if enough events were folded since
// the part was created or restored. Writes are best-effort; a lost race
// leaves either writer's snapshot, both of which are valid.
func (sn *Snapshotter) StoreSnapshot(ctx context.Context, part *state.Part) error {
	if sn.every == 0 || part.Applied() <= sn.every {
		return nil
	}

	view := part.View()
	queryKey := view.Query().Key()
	payload, err := sonic.ConfigStd.Marshal(view)
	if err != nil {
		return fmt.Errorf("redcache: marshal snapshot: %w", err)
	}
	data, err := sonic.Marshal(envelope{
		Name:    view.Name(),
		Query:   queryKey,
		Version: part.Version(),
		Payload: string(payload),
	})
	if err != nil {
		return fmt.Errorf("redcache: marshal envelope: %w", err)
	}

	if err := sn.client.Set(ctx, cacheKey(view.Name(), queryKey), data, sn.ttl).Err(); err != nil {
		return fmt.Errorf("redcache: store snapshot: %w", err)
	}
	return nil
}

// Purge removes every cached snapshot and returns the number of keys
// deleted.
func (sn *Snapshotter) Purge(ctx context.Context) (int64, error) {
	var deleted int64
	iter := sn.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n, err := sn.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return deleted, fmt.Errorf("redcache: purge: %w", err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redcache: purge: %w", err)
	}
	return deleted, nil
}

const keyPrefix = "disintegrate:snapshot:"

func cacheKey(name, queryKey string) string {
	space := uuid.NewMD5(uuid.NameSpaceOID, []byte(name))
	return keyPrefix + uuid.NewMD5(space, []byte(queryKey)).String()
}

// decodeInto unmarshals payload into a fresh instance of the view's type and
// copies it over the view on success.
func decodeInto(view state.View, payload []byte) bool {
	rv := reflect.ValueOf(view)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false
	}
	fresh := reflect.New(rv.Type().Elem())
	if err := sonic.ConfigStd.Unmarshal(payload, fresh.Interface()); err != nil {
		return false
	}
	rv.Elem().Set(fresh.Elem())
	return true
}
