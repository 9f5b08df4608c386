package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/infra/storage"
)

// SnapshotRepo keeps the latest snapshot per instance in process memory.
type SnapshotRepo struct {
	snapshots map[string]*domain.Snapshot
	mu        sync.RWMutex
}

func NewSnapshotRepo() *SnapshotRepo {
	return &SnapshotRepo{
		snapshots: make(map[string]*domain.Snapshot),
	}
}

func (r *SnapshotRepo) Save(ctx context.Context, snap *domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[snap.InstanceID] = snap
	return nil
}

func (r *SnapshotRepo) Latest(ctx context.Context, instanceID string) (*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snapshots[instanceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snap, nil
}

func (r *SnapshotRepo) List(ctx context.Context) ([]*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Snapshot, 0, len(r.snapshots))
	for _, snap := range r.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (r *SnapshotRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, snap := range r.snapshots {
		if snap.CapturedAt.Before(before) {
			delete(r.snapshots, id)
			n++
		}
	}
	return n, nil
}

var _ storage.SnapshotRepository = (*SnapshotRepo)(nil)

// Health always succeeds; the map lives in process.
func (r *SnapshotRepo) Health(ctx context.Context) error {
	return nil
}
