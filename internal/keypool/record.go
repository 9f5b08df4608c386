package keypool

import "time"

// record holds the health statistics of one API key.
// All fields are guarded by Registry.mu.
type record struct {
	key string

	attempts            int
	successes           int
	failures            int
	consecutiveFailures int

	lastUsed         time.Time
	lastFailure      time.Time
	rateLimitedUntil time.Time // zero when not rate limited

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int
}

func newRecord(key string) *record {
	return &record{
		key:              key,
		recentLatencies:  make([]time.Duration, 0, LatencyWindow),
		maxLatencyWindow: LatencyWindow,
	}
}

func (r *record) successRate() float64 {
	if r.attempts == 0 {
		return 1.0 // New keys assumed good
	}
	return float64(r.successes) / float64(r.attempts)
}

func (r *record) isRateLimited(now time.Time) bool {
	if r.rateLimitedUntil.IsZero() {
		return false
	}
	return now.Before(r.rateLimitedUntil)
}

func (r *record) isHealthy(now time.Time) bool {
	if r.isRateLimited(now) {
		return false
	}

	// Circuit breaker
	if r.consecutiveFailures >= MaxConsecutiveFailures {
		return false
	}

	// Success rate only counts after a minimum sample
	if r.attempts >= MinRequestsForRate && r.successRate() < MinSuccessRate {
		return false
	}

	return true
}

func (r *record) recordLatency(latency time.Duration) {
	r.recentLatencies = append(r.recentLatencies, latency)
	if len(r.recentLatencies) > r.maxLatencyWindow {
		r.recentLatencies = r.recentLatencies[1:]
	}
}

func (r *record) averageLatency() time.Duration {
	if len(r.recentLatencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, lat := range r.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(r.recentLatencies))
}

func (r *record) recordFailure(now time.Time) {
	r.attempts++
	r.failures++
	r.consecutiveFailures++
	r.lastFailure = now
}
