package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/infra/storage"
)

const (
	indexKey   = "keyrouter:snapshots"
	defaultTTL = time.Minute
)

func snapshotKey(instanceID string) string {
	return fmt.Sprintf("keyrouter:snapshot:%s", instanceID)
}

// SnapshotRepo implements storage.SnapshotRepository using Redis. Each
// instance owns one JSON value with a TTL; a sorted set indexes instances
// by capture time.
type SnapshotRepo struct {
	client *Client
	rdb    *redis.Client
	ttl    time.Duration
}

// NewSnapshotRepo creates a new Redis-backed snapshot repository.
func NewSnapshotRepo(client *Client, ttl time.Duration) *SnapshotRepo {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &SnapshotRepo{client: client, rdb: client.rdb, ttl: ttl}
}

// Save stores the snapshot and refreshes its TTL.
func (r *SnapshotRepo) Save(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.InstanceID), data, r.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(snap.CapturedAt.Unix()),
		Member: snap.InstanceID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Latest returns the current snapshot of an instance.
func (r *SnapshotRepo) Latest(ctx context.Context, instanceID string) (*domain.Snapshot, error) {
	data, err := r.rdb.Get(ctx, snapshotKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns every instance whose snapshot has not expired.
func (r *SnapshotRepo) List(ctx context.Context) ([]*domain.Snapshot, error) {
	ids, err := r.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = snapshotKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	var out []*domain.Snapshot
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Value expired; drop it from the index.
			stale = append(stale, ids[i])
			continue
		}
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", ids[i], err)
		}
		out = append(out, &snap)
	}
	if len(stale) > 0 {
		_ = r.rdb.ZRem(ctx, indexKey, stale...).Err()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// DeleteOlderThan removes instances whose last capture predates before.
func (r *SnapshotRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	maxScore := "(" + strconv.FormatInt(before.Unix(), 10)
	ids, err := r.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = snapshotKey(id)
		members[i] = id
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, indexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return int64(len(ids)), nil
}

var _ storage.SnapshotRepository = (*SnapshotRepo)(nil)

// Health pings the Redis server behind the repository.
func (r *SnapshotRepo) Health(ctx context.Context) error {
	return r.client.Health(ctx)
}
