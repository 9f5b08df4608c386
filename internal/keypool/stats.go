package keypool

import "time"

// Health holds health metrics for a single key.
type Health struct {
	Healthy        bool
	SuccessRate    float64
	RateLimited    bool
	AverageLatency time.Duration
}

// KeyStats is a masked, read-only snapshot of one key.
type KeyStats struct {
	Key                 string     `json:"key"`
	Attempts            int        `json:"attempts"`
	Successes           int        `json:"successes"`
	Failures            int        `json:"failures"`
	SuccessRate         float64    `json:"success_rate"`
	Healthy             bool       `json:"healthy"`
	RateLimited         bool       `json:"rate_limited"`
	RateLimitedUntil    *time.Time `json:"rate_limited_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
}

// Health returns current health metrics for key.
func (r *Registry) Health(key string) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.index[key]
	if !ok {
		return Health{}, false
	}

	now := r.now()
	return Health{
		Healthy:        rec.isHealthy(now),
		SuccessRate:    rec.successRate(),
		RateLimited:    rec.isRateLimited(now),
		AverageLatency: rec.averageLatency(),
	}, true
}

// Stats returns a snapshot of every key in pool order. Keys are masked.
func (r *Registry) Stats() []KeyStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stats := make([]KeyStats, 0, len(r.records))
	for _, rec := range r.records {
		s := KeyStats{
			Key:                 Mask(rec.key),
			Attempts:            rec.attempts,
			Successes:           rec.successes,
			Failures:            rec.failures,
			SuccessRate:         rec.successRate(),
			Healthy:             rec.isHealthy(now),
			RateLimited:         rec.isRateLimited(now),
			ConsecutiveFailures: rec.consecutiveFailures,
			AvgLatencyMs:        float64(rec.averageLatency()) / float64(time.Millisecond),
		}
		if !rec.rateLimitedUntil.IsZero() {
			until := rec.rateLimitedUntil
			s.RateLimitedUntil = &until
		}
		stats = append(stats, s)
	}
	return stats
}
