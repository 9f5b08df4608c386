package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/keyrouter/internal/core/domain"
)

var (
	// ErrNotFound is returned when no snapshot exists for an instance
	ErrNotFound = errors.New("snapshot not found")
)

// SnapshotRepository persists key pool snapshots.
type SnapshotRepository interface {
	// Save stores a snapshot, replacing or appending depending on the backend
	Save(ctx context.Context, snap *domain.Snapshot) error

	// Latest returns the most recent snapshot for an instance
	Latest(ctx context.Context, instanceID string) (*domain.Snapshot, error)

	// List returns the most recent snapshot of every known instance,
	// ordered by instance id
	List(ctx context.Context) ([]*domain.Snapshot, error)

	// DeleteOlderThan removes snapshots captured before the given time
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)

	// Health reports whether the backing store is reachable
	Health(ctx context.Context) error
}
