package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/keyrouter/internal/core/domain"
	"github.com/vietddude/keyrouter/internal/infra/storage"
	"github.com/vietddude/keyrouter/internal/keypool"
	"github.com/vietddude/keyrouter/internal/metrics"
)

// StatsSource provides the masked key pool view.
type StatsSource interface {
	Stats() []keypool.KeyStats
}

// ServingSetter receives the aggregate serving state after each capture.
type ServingSetter interface {
	SetServing(serving bool)
}

// SnapshotterConfig configures the snapshot loop.
type SnapshotterConfig struct {
	InstanceID string
	Interval   time.Duration
	Retention  time.Duration // 0 disables pruning
}

// Snapshotter periodically exports key pool stats to a store and refreshes
// the pool gauges.
type Snapshotter struct {
	cfg       SnapshotterConfig
	source    StatsSource
	repo      storage.SnapshotRepository
	serving   ServingSetter
	now       func() time.Time
	lastPrune time.Time
	log       *slog.Logger
}

// NewSnapshotter creates a new Snapshotter worker. serving may be nil.
func NewSnapshotter(
	cfg SnapshotterConfig,
	source StatsSource,
	repo storage.SnapshotRepository,
	serving ServingSetter,
) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Snapshotter{
		cfg:     cfg,
		source:  source,
		repo:    repo,
		serving: serving,
		now:     time.Now,
		log:     slog.Default().With("component", "snapshotter"),
	}
}

// Start runs the snapshot loop until ctx is canceled.
func (s *Snapshotter) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Initial capture
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Snapshotter) tick(ctx context.Context) {
	if _, err := s.Capture(ctx); err != nil {
		metrics.SnapshotErrorsTotal.Inc()
		s.log.Warn("Failed to write stats snapshot", "error", err)
	}
	s.pruneIfDue(ctx)
}

// Capture takes one snapshot, updates gauges and serving state, and saves it.
func (s *Snapshotter) Capture(ctx context.Context) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{
		InstanceID: s.cfg.InstanceID,
		CapturedAt: s.now(),
		Keys:       s.source.Stats(),
	}

	healthy := snap.HealthyCount()
	metrics.KeysHealthy.Set(float64(healthy))
	for _, k := range snap.Keys {
		metrics.KeyConsecutiveFailures.WithLabelValues(k.Key).Set(float64(k.ConsecutiveFailures))
	}
	if s.serving != nil {
		s.serving.SetServing(healthy > 0)
	}

	if err := s.repo.Save(ctx, snap); err != nil {
		return snap, fmt.Errorf("save snapshot: %w", err)
	}
	s.log.Debug("Stats snapshot written", "keys", len(snap.Keys), "healthy", healthy)
	return snap, nil
}

func (s *Snapshotter) pruneIfDue(ctx context.Context) {
	if s.cfg.Retention <= 0 {
		return
	}

	// Check at 10% of the retention period, but at least every hour
	every := min(s.cfg.Retention/10, time.Hour)
	every = max(every, time.Minute)

	now := s.now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < every {
		return
	}
	s.lastPrune = now

	n, err := s.repo.DeleteOlderThan(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		s.log.Warn("Failed to prune snapshots", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("Pruned old snapshots", "count", n)
	}
}
