package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/infra/storage"
	"github.com/vietddude/keyrouter/internal/keypool"
)

// SnapshotRepo implements storage.SnapshotRepository using PostgreSQL.
// Every Save appends a row, so the table doubles as a history.
type SnapshotRepo struct {
	db *DB
}

// NewSnapshotRepo creates a new PostgreSQL snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

type snapshotRow struct {
	InstanceID string    `db:"instance_id"`
	CapturedAt time.Time `db:"captured_at"`
	Keys       []byte    `db:"keys"`
}

func (row snapshotRow) toDomain() (*domain.Snapshot, error) {
	var keys []keypool.KeyStats
	if err := json.Unmarshal(row.Keys, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode keys for %s: %w", row.InstanceID, err)
	}
	return &domain.Snapshot{
		InstanceID: row.InstanceID,
		CapturedAt: row.CapturedAt,
		Keys:       keys,
	}, nil
}

const insertSnapshot = `
INSERT INTO key_stats_snapshots (instance_id, captured_at, healthy, total, keys)
VALUES ($1, $2, $3, $4, $5)`

// Save appends a snapshot row.
func (r *SnapshotRepo) Save(ctx context.Context, snap *domain.Snapshot) error {
	keys, err := json.Marshal(snap.Keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	_, err = r.db.ExecContext(ctx, insertSnapshot,
		snap.InstanceID, snap.CapturedAt, snap.HealthyCount(), len(snap.Keys), keys)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

const selectLatest = `
SELECT instance_id, captured_at, keys
FROM key_stats_snapshots
WHERE instance_id = $1
ORDER BY captured_at DESC
LIMIT 1`

// Latest retrieves the newest snapshot of an instance.
func (r *SnapshotRepo) Latest(ctx context.Context, instanceID string) (*domain.Snapshot, error) {
	var row snapshotRow
	err := r.db.GetContext(ctx, &row, selectLatest, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return row.toDomain()
}

const selectLatestPerInstance = `
SELECT DISTINCT ON (instance_id) instance_id, captured_at, keys
FROM key_stats_snapshots
ORDER BY instance_id, captured_at DESC`

// List retrieves the newest snapshot of every instance.
func (r *SnapshotRepo) List(ctx context.Context) ([]*domain.Snapshot, error) {
	var rows []snapshotRow
	if err := r.db.SelectContext(ctx, &rows, selectLatestPerInstance); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]*domain.Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// DeleteOlderThan prunes history rows captured before the cutoff.
func (r *SnapshotRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM key_stats_snapshots WHERE captured_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

var _ storage.SnapshotRepository = (*SnapshotRepo)(nil)

// Health pings the database.
func (r *SnapshotRepo) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}
