// Package routing runs one logical backend call over the key pool, rotating
// keys and backing off between attempts.
//
// This package contains:
//   - Orchestrator: bounded retry loop over a KeySource
//   - ClassifyError: maps backend failures to keypool.ErrorKind
//   - RetryConfig: attempt budget and inter-attempt delays
package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/keyrouter/internal/keypool"
	"github.com/vietddude/keyrouter/internal/metrics"
)

var (
	// ErrUnavailable is returned when the pool holds no keys at all.
	ErrUnavailable = errors.New("service temporarily unavailable")

	// ErrExhausted is returned when every attempt in the budget failed.
	ErrExhausted = errors.New("request failed after multiple attempts, please try again later")
)

// KeySource hands out keys and receives outcomes. *keypool.Registry implements it.
type KeySource interface {
	Acquire() (keypool.Selection, bool)
	ReportSuccess(key string, latency time.Duration)
	ReportRateLimited(key string)
	ReportError(key string, kind keypool.ErrorKind)
}

// Operation is one backend call made with the given API key.
type Operation func(ctx context.Context, apiKey string) (any, error)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	RateLimitStep time.Duration // wait = step * attempt after a rate limit
	FixedDelay    time.Duration // wait after timeout, server and unknown failures
}

// DefaultRetryConfig provides the production defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   10,
	RateLimitStep: 100 * time.Millisecond,
	FixedDelay:    500 * time.Millisecond,
}

// Orchestrator performs logical operations with automatic key rotation.
// It holds no per-call state and is safe for concurrent use.
type Orchestrator struct {
	keys   KeySource
	config RetryConfig
	log    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for attempt diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// NewOrchestrator creates an orchestrator over keys.
func NewOrchestrator(keys KeySource, config RetryConfig, opts ...Option) *Orchestrator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	o := &Orchestrator{
		keys:   keys,
		config: config,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "orchestrator")
	return o
}

// Perform runs op until it succeeds or the attempt budget is spent.
// Individual attempt failures never escape; the caller sees the result,
// ErrUnavailable, ErrExhausted, or the context error if it gave up first.
func (o *Orchestrator) Perform(ctx context.Context, op Operation) (any, error) {
	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.OperationsTotal.WithLabelValues("canceled").Inc()
			return nil, err
		}

		sel, ok := o.keys.Acquire()
		if !ok {
			o.log.Error("No API keys configured")
			metrics.OperationsTotal.WithLabelValues("unavailable").Inc()
			return nil, ErrUnavailable
		}

		start := time.Now()
		result, err := op(ctx, sel.Key)
		latency := time.Since(start)

		if err == nil {
			o.keys.ReportSuccess(sel.Key, latency)
			metrics.AttemptsTotal.WithLabelValues("success").Inc()
			metrics.AttemptLatency.WithLabelValues("success").Observe(latency.Seconds())
			metrics.OperationsTotal.WithLabelValues("success").Inc()
			if attempt > 1 {
				o.log.Info("Request succeeded after retry",
					"attempt", attempt,
					"key", keypool.Mask(sel.Key))
			}
			return result, nil
		}

		kind := ClassifyError(err)
		o.report(sel.Key, kind)
		metrics.AttemptsTotal.WithLabelValues(kind.String()).Inc()
		metrics.AttemptLatency.WithLabelValues(kind.String()).Observe(latency.Seconds())

		o.log.Warn("Attempt failed",
			"attempt", attempt,
			"max_attempts", o.config.MaxAttempts,
			"kind", kind.String(),
			"key", keypool.Mask(sel.Key),
			"fallback", sel.Fallback,
			"error", err)

		if attempt == o.config.MaxAttempts {
			break
		}

		delay := o.delay(kind, attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.OperationsTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if err := ctx.Err(); err != nil {
		metrics.OperationsTotal.WithLabelValues("canceled").Inc()
		return nil, err
	}

	o.log.Error("All attempts failed", "attempts", o.config.MaxAttempts)
	metrics.OperationsTotal.WithLabelValues("exhausted").Inc()
	return nil, ErrExhausted
}

func (o *Orchestrator) report(key string, kind keypool.ErrorKind) {
	if kind == keypool.KindRateLimit {
		o.keys.ReportRateLimited(key)
		return
	}
	o.keys.ReportError(key, kind)
}

// delay returns the wait before the attempt after the given one.
func (o *Orchestrator) delay(kind keypool.ErrorKind, attempt int) time.Duration {
	switch kind {
	case keypool.KindRateLimit:
		return o.config.RateLimitStep * time.Duration(attempt)
	case keypool.KindAuth:
		return 0 // a different key is tried at once
	default:
		return o.config.FixedDelay
	}
}
