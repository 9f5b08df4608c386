// Package keypool tracks the health of a fixed pool of API keys and selects
// the best key for each outbound request.
//
// This package contains:
//   - Registry: the key set, health-aware selection and outcome reporting
//   - ErrorKind: failure classes reported back by callers
//   - KeyStats / Health: read-only, masked snapshots for observability
//
// A Registry is built once at process start and shared by every request.
// All state lives behind a single mutex; callers never see a record directly.
package keypool

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/keyrouter/internal/metrics"
)

const (
	MaxKeys                = 10
	MinKeyLength           = 20
	MaxConsecutiveFailures = 5
	MinSuccessRate         = 0.20
	MinRequestsForRate     = 10
	LatencyWindow          = 100
	SuccessRateTolerance   = 0.10
	RateLimitGrace         = 5 * time.Minute
	FailureDecayAfter      = time.Hour
	MaxRateLimitBackoff    = 15 * time.Minute
	MaskPrefixLen          = 10
)

// NoLatency marks a success report that carries no latency sample.
const NoLatency time.Duration = -1

// Selection is the result of Acquire.
type Selection struct {
	Key string
	// Fallback is set when no key was healthy and the least recently used
	// key was handed out anyway.
	Fallback bool
}

// Registry owns the key records and implements health-aware selection.
type Registry struct {
	mu      sync.Mutex
	records []*record
	index   map[string]*record

	now     func() time.Time
	log     *slog.Logger
	shuffle func(n int, swap func(i, j int))
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for pool events.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithShuffle replaces the permutation applied at load time.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(r *Registry) { r.shuffle = shuffle }
}

// New creates a registry from candidate keys in configuration order.
// Candidates that are too short or repeated are discarded. An empty pool is
// valid: Acquire then always reports that nothing is available.
func New(candidates []string, opts ...Option) *Registry {
	r := &Registry{
		index:   make(map[string]*record),
		now:     time.Now,
		log:     slog.Default(),
		shuffle: rand.Shuffle,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "keypool")

	for _, key := range candidates {
		if len(key) <= MinKeyLength {
			continue
		}
		if _, dup := r.index[key]; dup {
			r.log.Warn("Duplicate API key ignored", "key", Mask(key))
			continue
		}
		rec := newRecord(key)
		r.records = append(r.records, rec)
		r.index[key] = rec
	}

	// Spread cold-start load across instances
	r.shuffle(len(r.records), func(i, j int) {
		r.records[i], r.records[j] = r.records[j], r.records[i]
	})

	if len(r.records) == 0 {
		r.log.Warn("No valid API keys found, running in fallback mode")
	} else {
		r.log.Info("Loaded API keys", "count", len(r.records))
	}
	metrics.KeysConfigured.Set(float64(len(r.records)))

	return r
}

// Acquire returns the key to use for the next request. It reports false only
// when the pool is empty.
func (r *Registry) Acquire() (Selection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return Selection{}, false
	}

	now := r.now()
	if rec := r.pickHealthy(now); rec != nil {
		rec.lastUsed = now
		return Selection{Key: rec.key}, true
	}

	r.recover(now)
	if rec := r.pickHealthy(now); rec != nil {
		rec.lastUsed = now
		return Selection{Key: rec.key}, true
	}

	// Last resort: least recently used key, even if unhealthy
	lru := r.records[0]
	for _, rec := range r.records[1:] {
		if rec.lastUsed.Before(lru.lastUsed) {
			lru = rec
		}
	}
	lru.lastUsed = now
	metrics.KeyFallbackTotal.Inc()
	r.log.Warn("All keys unhealthy, using least recently used as fallback", "key", Mask(lru.key))

	return Selection{Key: lru.key, Fallback: true}, true
}

// pickHealthy sorts healthy keys by success rate (within tolerance) and then
// least recent use. Caller holds r.mu.
func (r *Registry) pickHealthy(now time.Time) *record {
	healthy := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		if rec.isHealthy(now) {
			healthy = append(healthy, rec)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		rateI, rateJ := healthy[i].successRate(), healthy[j].successRate()
		if math.Abs(rateI-rateJ) > SuccessRateTolerance {
			return rateI > rateJ
		}
		return healthy[i].lastUsed.Before(healthy[j].lastUsed)
	})

	return healthy[0]
}

// recover lifts rate limits that expired more than the grace period ago and
// decays the circuit breaker of keys that have not failed for an hour.
// Caller holds r.mu.
func (r *Registry) recover(now time.Time) {
	for _, rec := range r.records {
		if !rec.rateLimitedUntil.IsZero() && now.After(rec.rateLimitedUntil.Add(RateLimitGrace)) {
			rec.rateLimitedUntil = time.Time{}
			metrics.KeyRecoveredTotal.WithLabelValues("rate_limit").Inc()
			r.log.Info("Rate limit expired, key recovered", "key", Mask(rec.key))
		}

		if rec.consecutiveFailures > 0 && !rec.lastFailure.IsZero() &&
			now.Sub(rec.lastFailure) > FailureDecayAfter {
			rec.consecutiveFailures = max(0, rec.consecutiveFailures-1)
			metrics.KeyRecoveredTotal.WithLabelValues("decay").Inc()
			r.log.Debug("Decayed consecutive failures",
				"key", Mask(rec.key),
				"consecutive_failures", rec.consecutiveFailures)
		}
	}
}

// ReportSuccess records a successful call. Pass NoLatency when no sample was taken.
func (r *Registry) ReportSuccess(key string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.lookup(key)
	if !ok {
		return
	}

	rec.attempts++
	rec.successes++
	rec.consecutiveFailures = 0
	if latency >= 0 {
		rec.recordLatency(latency)
	}

	r.log.Debug("Key success", "key", Mask(key), "success_rate", rec.successRate())
}

// ReportRateLimited records a quota failure and excludes the key for
// min(2^(consecutive-1), 15) minutes.
func (r *Registry) ReportRateLimited(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.lookup(key)
	if !ok {
		return
	}
	r.rateLimit(rec, r.now())
}

func (r *Registry) rateLimit(rec *record, now time.Time) {
	rec.recordFailure(now)

	backoff := RateLimitBackoff(rec.consecutiveFailures)
	until := now.Add(backoff)
	if until.After(rec.rateLimitedUntil) {
		rec.rateLimitedUntil = until
	}

	r.log.Warn("Key rate limited",
		"key", Mask(rec.key),
		"backoff", backoff,
		"consecutive_failures", rec.consecutiveFailures)
}

// ReportError records a non rate-limit failure. Auth failures trip the
// circuit breaker immediately.
func (r *Registry) ReportError(key string, kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.lookup(key)
	if !ok {
		return
	}

	now := r.now()
	if kind == KindRateLimit {
		r.rateLimit(rec, now)
		return
	}

	rec.recordFailure(now)
	r.log.Warn("Key error",
		"key", Mask(key),
		"kind", kind.String(),
		"consecutive_failures", rec.consecutiveFailures)

	if kind == KindAuth {
		rec.consecutiveFailures = MaxConsecutiveFailures
		r.log.Error("Invalid API key detected, key disabled", "key", Mask(key))
	}
}

// ResetRateLimits clears every rate-limit window. Failure counters are kept.
func (r *Registry) ResetRateLimits() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		rec.rateLimitedUntil = time.Time{}
	}
	r.log.Warn("All rate limits reset manually")
}

// Len returns the number of keys in the pool.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// HealthyCount returns how many keys are currently selectable without fallback.
func (r *Registry) HealthyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	count := 0
	for _, rec := range r.records {
		if rec.isHealthy(now) {
			count++
		}
	}
	return count
}

// Close is a no-op; the registry holds no external resources.
func (r *Registry) Close() error {
	return nil
}

func (r *Registry) lookup(key string) (*record, bool) {
	rec, ok := r.index[key]
	if !ok {
		r.log.Debug("Outcome reported for unknown key", "key", Mask(key))
	}
	return rec, ok
}

// RateLimitBackoff returns the exclusion window for the given consecutive
// failure count: 1, 2, 4, 8 minutes, then capped at 15.
func RateLimitBackoff(consecutiveFailures int) time.Duration {
	exp := max(consecutiveFailures-1, 0)
	if exp >= 4 {
		return MaxRateLimitBackoff
	}
	return min(time.Duration(1<<exp)*time.Minute, MaxRateLimitBackoff)
}

// Mask returns a short, non-reversible prefix suitable for logs.
func Mask(key string) string {
	if len(key) <= MaskPrefixLen {
		return "***"
	}
	return key[:MaskPrefixLen] + "..."
}
