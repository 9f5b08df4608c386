package domain

import (
	"time"

	"github.com/vietddude/keyrouter/internal/keypool"
)

// Snapshot is a point-in-time export of one instance's key pool.
type Snapshot struct {
	InstanceID string             `json:"instance_id"`
	CapturedAt time.Time          `json:"captured_at"`
	Keys       []keypool.KeyStats `json:"keys"`
}

// HealthyCount returns how many keys were healthy at capture time.
func (s *Snapshot) HealthyCount() int {
	n := 0
	for _, k := range s.Keys {
		if k.Healthy {
			n++
		}
	}
	return n
}

// PoolStatus summarizes pool health.
type PoolStatus string

const (
	StatusHealthy  PoolStatus = "healthy"
	StatusDegraded PoolStatus = "degraded" // every pick is a fallback, or the snapshot store is down
	StatusCritical PoolStatus = "critical" // no keys
)

// StatusOf derives the pool status from key and healthy counts.
func StatusOf(total, healthy int) PoolStatus {
	switch {
	case total == 0:
		return StatusCritical
	case healthy == 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
