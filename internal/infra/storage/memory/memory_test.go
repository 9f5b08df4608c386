package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/infra/storage"
	"github.com/vietddude/keyrouter/internal/keypool"
)

func TestSnapshotRepo_SaveLatest(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotRepo()

	if _, err := repo.Latest(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now()
	first := &domain.Snapshot{InstanceID: "a", CapturedAt: now}
	second := &domain.Snapshot{
		InstanceID: "a",
		CapturedAt: now.Add(time.Second),
		Keys:       []keypool.KeyStats{{Key: "AIzaSyAbcd...", Healthy: true}},
	}
	_ = repo.Save(ctx, first)
	_ = repo.Save(ctx, second)

	got, err := repo.Latest(ctx, "a")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got != second {
		t.Error("expected the newer snapshot to replace the older one")
	}
	if got.HealthyCount() != 1 {
		t.Errorf("healthy = %d", got.HealthyCount())
	}
}

func TestSnapshotRepo_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	repo := NewSnapshotRepo()
	now := time.Now()

	_ = repo.Save(ctx, &domain.Snapshot{InstanceID: "b", CapturedAt: now})
	_ = repo.Save(ctx, &domain.Snapshot{InstanceID: "a", CapturedAt: now.Add(-time.Hour)})

	list, _ := repo.List(ctx)
	if len(list) != 2 || list[0].InstanceID != "a" || list[1].InstanceID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}

	n, err := repo.DeleteOlderThan(ctx, now.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("DeleteOlderThan = %d, %v", n, err)
	}
	list, _ = repo.List(ctx)
	if len(list) != 1 || list[0].InstanceID != "b" {
		t.Errorf("unexpected list after prune %+v", list)
	}
}
