package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/keyrouter/internal/keypool"
)

// =============================================================================
// Mocks
// =============================================================================

type event struct {
	op   string // "success", "rate_limited", "error"
	key  string
	kind keypool.ErrorKind
}

type mockKeySource struct {
	mu     sync.Mutex
	keys   []string
	next   int
	events []event
}

func (m *mockKeySource) Acquire() (keypool.Selection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keys) == 0 {
		return keypool.Selection{}, false
	}
	key := m.keys[m.next%len(m.keys)]
	m.next++
	return keypool.Selection{Key: key}, true
}

func (m *mockKeySource) ReportSuccess(key string, _ time.Duration) {
	m.record(event{op: "success", key: key})
}

func (m *mockKeySource) ReportRateLimited(key string) {
	m.record(event{op: "rate_limited", key: key, kind: keypool.KindRateLimit})
}

func (m *mockKeySource) ReportError(key string, kind keypool.ErrorKind) {
	m.record(event{op: "error", key: key, kind: kind})
}

func (m *mockKeySource) record(e event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockKeySource) recorded() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event(nil), m.events...)
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string   { return fmt.Sprintf("status %d: %s", e.code, e.msg) }
func (e *statusError) HTTPStatus() int { return e.code }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var fastRetry = RetryConfig{
	MaxAttempts:   10,
	RateLimitStep: time.Millisecond,
	FixedDelay:    time.Millisecond,
}

// slowRetry makes any unexpected wait blow the test deadline.
var slowRetry = RetryConfig{
	MaxAttempts:   10,
	RateLimitStep: time.Hour,
	FixedDelay:    time.Hour,
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(i int) string {
	return fmt.Sprintf("key%02d-AIzaSyTestabcdefghijkl", i)
}

// =============================================================================
// Perform
// =============================================================================

func TestPerform_SuccessFirstAttempt(t *testing.T) {
	src := &mockKeySource{keys: []string{testKey(1)}}
	o := NewOrchestrator(src, fastRetry, WithLogger(quietLogger()))

	calls := 0
	result, err := o.Perform(context.Background(), func(ctx context.Context, key string) (any, error) {
		calls++
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "hello" {
		t.Errorf("result = %v", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}

	events := src.recorded()
	if len(events) != 1 || events[0].op != "success" {
		t.Errorf("expected single success report, got %+v", events)
	}
}

func TestPerform_EmptyPool(t *testing.T) {
	src := &mockKeySource{}
	o := NewOrchestrator(src, fastRetry, WithLogger(quietLogger()))

	_, err := o.Perform(context.Background(), func(ctx context.Context, key string) (any, error) {
		t.Fatal("operation must not run without a key")
		return nil, nil
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestPerform_ExhaustedAfterMaxAttempts(t *testing.T) {
	src := &mockKeySource{keys: []string{testKey(1), testKey(2)}}
	o := NewOrchestrator(src, fastRetry, WithLogger(quietLogger()))

	calls := 0
	_, err := o.Perform(context.Background(), func(ctx context.Context, key string) (any, error) {
		calls++
		return nil, &statusError{code: 503, msg: "UNAVAILABLE"}
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("exhausted must be distinguishable from unavailable")
	}
	if calls != fastRetry.MaxAttempts {
		t.Errorf("expected %d calls, got %d", fastRetry.MaxAttempts, calls)
	}
	for _, e := range src.recorded() {
		if e.op != "error" || e.kind != keypool.KindServer {
			t.Errorf("unexpected report %+v", e)
		}
	}
}

func TestPerform_RecoversOnNextKey(t *testing.T) {
	src := &mockKeySource{keys: []string{testKey(1), testKey(2)}}
	o := NewOrchestrator(src, fastRetry, WithLogger(quietLogger()))

	result, err := o.Perform(context.Background(), func(ctx context.Context, key string) (any, error) {
		if key == testKey(1) {
			return nil, errors.New("429 Too Many Requests")
		}
		return key, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != testKey(2) {
		t.Errorf("expected result from second key, got %v", result)
	}

	events := src.recorded()
	if len(events) != 2 {
		t.Fatalf("expected 2 reports, got %+v", events)
	}
	if events[0].op != "rate_limited" || events[0].key != testKey(1) {
		t.Errorf("first report: %+v", events[0])
	}
	if events[1].op != "success" || events[1].key != testKey(2) {
		t.Errorf("second report: %+v", events[1])
	}
}

func TestPerform_AuthFailureRetriesWithoutWait(t *testing.T) {
	src := &mockKeySource{keys: []string{testKey(1), testKey(2)}}
	o := NewOrchestrator(src, slowRetry, WithLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := o.Perform(ctx, func(ctx context.Context, key string) (any, error) {
		if key == testKey(1) {
			return nil, &statusError{code: 400, msg: "API key not valid. Please pass a valid API key."}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success after auth failure, got %v", err)
	}

	events := src.recorded()
	if events[0].op != "error" || events[0].kind != keypool.KindAuth {
		t.Errorf("expected auth report first, got %+v", events[0])
	}
}

func TestPerform_CancelDuringWaitStillReports(t *testing.T) {
	src := &mockKeySource{keys: []string{testKey(1)}}
	o := NewOrchestrator(src, slowRetry, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	_, err := o.Perform(ctx, func(ctx context.Context, key string) (any, error) {
		calls++
		cancel()
		return nil, &statusError{code: 500, msg: "INTERNAL"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no attempts after cancellation, got %d", calls)
	}

	events := src.recorded()
	if len(events) != 1 || events[0].op != "error" || events[0].kind != keypool.KindServer {
		t.Errorf("expected the in-flight failure reported, got %+v", events)
	}
}

func TestPerform_SuccessAfterCancelIsReported(t *testing.T) {
	src := &mockKeySource{keys: []string{testKey(1)}}
	o := NewOrchestrator(src, fastRetry, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := o.Perform(ctx, func(ctx context.Context, key string) (any, error) {
		cancel()
		return "late", nil
	})
	if err != nil || result != "late" {
		t.Fatalf("expected late result, got %v, %v", result, err)
	}
	if events := src.recorded(); len(events) != 1 || events[0].op != "success" {
		t.Errorf("expected success report, got %+v", events)
	}
}

func TestPerform_AlreadyCanceled(t *testing.T) {
	src := &mockKeySource{keys: []string{testKey(1)}}
	o := NewOrchestrator(src, fastRetry, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Perform(ctx, func(ctx context.Context, key string) (any, error) {
		t.Fatal("operation must not run on a canceled context")
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(src.recorded()) != 0 {
		t.Error("expected no reports")
	}
}

// Two keys, backend always rate limited: exactly MaxAttempts calls, the keys
// alternate through normal and fallback selection.
func TestPerform_RateLimitedPoolWithRegistry(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}

	registry := keypool.New(
		[]string{testKey(1), testKey(2)},
		keypool.WithClock(clock),
		keypool.WithShuffle(func(int, func(i, j int)) {}),
		keypool.WithLogger(quietLogger()),
	)
	o := NewOrchestrator(registry, fastRetry, WithLogger(quietLogger()))

	var used []string
	_, err := o.Perform(context.Background(), func(ctx context.Context, key string) (any, error) {
		used = append(used, key)
		return nil, &statusError{code: 429, msg: "RESOURCE_EXHAUSTED"}
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(used) != 10 {
		t.Fatalf("expected 10 attempts, got %d", len(used))
	}
	for i := 1; i < len(used); i++ {
		if used[i] == used[i-1] {
			t.Errorf("attempt %d reused key %s", i+1, keypool.Mask(used[i]))
		}
	}

	for _, s := range registry.Stats() {
		if s.Attempts != 5 || s.Failures != 5 {
			t.Errorf("%s: expected 5 failed attempts, got %+v", s.Key, s)
		}
		if !s.RateLimited {
			t.Errorf("%s: expected rate limited", s.Key)
		}
	}
}

func TestPerform_ConcurrentCallsAreIndependent(t *testing.T) {
	const callers = 16

	registry := keypool.New(
		[]string{testKey(1), testKey(2), testKey(3)},
		keypool.WithLogger(quietLogger()),
	)
	o := NewOrchestrator(registry, fastRetry, WithLogger(quietLogger()))

	var wg sync.WaitGroup
	calls := make([]int, callers)
	errs := make([]error, callers)
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			// Each loop fails once and then succeeds on its own second attempt.
			_, errs[c] = o.Perform(context.Background(), func(ctx context.Context, key string) (any, error) {
				calls[c]++
				if calls[c] == 1 {
					return nil, &statusError{code: 503, msg: "UNAVAILABLE"}
				}
				return c, nil
			})
		}(c)
	}
	wg.Wait()

	for c := 0; c < callers; c++ {
		if errs[c] != nil {
			t.Errorf("caller %d: unexpected error %v", c, errs[c])
		}
		if calls[c] != 2 {
			t.Errorf("caller %d: %d attempts, want 2", c, calls[c])
		}
	}

	total := 0
	for _, s := range registry.Stats() {
		if s.Attempts != s.Successes+s.Failures {
			t.Errorf("%s: attempts=%d successes=%d failures=%d", s.Key, s.Attempts, s.Successes, s.Failures)
		}
		total += s.Attempts
	}
	if total != 2*callers {
		t.Errorf("registry attempts = %d, want %d", total, 2*callers)
	}
}

func TestDelay(t *testing.T) {
	o := NewOrchestrator(&mockKeySource{}, DefaultRetryConfig)

	tests := []struct {
		kind    keypool.ErrorKind
		attempt int
		want    time.Duration
	}{
		{keypool.KindRateLimit, 1, 100 * time.Millisecond},
		{keypool.KindRateLimit, 4, 400 * time.Millisecond},
		{keypool.KindAuth, 3, 0},
		{keypool.KindTimeout, 2, 500 * time.Millisecond},
		{keypool.KindServer, 9, 500 * time.Millisecond},
		{keypool.KindUnknown, 1, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := o.delay(tt.kind, tt.attempt); got != tt.want {
			t.Errorf("delay(%v, %d) = %v, want %v", tt.kind, tt.attempt, got, tt.want)
		}
	}
}

func TestNewOrchestrator_DefaultsAttempts(t *testing.T) {
	o := NewOrchestrator(&mockKeySource{}, RetryConfig{})
	if o.config.MaxAttempts != DefaultRetryConfig.MaxAttempts {
		t.Errorf("MaxAttempts = %d", o.config.MaxAttempts)
	}
}

// =============================================================================
// ClassifyError
// =============================================================================

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect keypool.ErrorKind
	}{
		{&statusError{429, "RESOURCE_EXHAUSTED"}, keypool.KindRateLimit},
		{&statusError{401, "UNAUTHENTICATED"}, keypool.KindAuth},
		{&statusError{403, "PERMISSION_DENIED"}, keypool.KindAuth},
		{&statusError{400, "API key not valid. Please pass a valid API key."}, keypool.KindAuth},
		{&statusError{400, "Invalid JSON payload"}, keypool.KindUnknown},
		{&statusError{504, "DEADLINE_EXCEEDED"}, keypool.KindTimeout},
		{&statusError{500, "INTERNAL"}, keypool.KindServer},
		{&statusError{503, "The model is overloaded"}, keypool.KindServer},
		{fmt.Errorf("call: %w", &statusError{429, "quota"}), keypool.KindRateLimit},
		{errors.New("429 Too Many Requests"), keypool.KindRateLimit},
		{errors.New("You exceeded your current quota"), keypool.KindRateLimit},
		{errors.New("invalid api key"), keypool.KindAuth},
		{context.DeadlineExceeded, keypool.KindTimeout},
		{fmt.Errorf("post: %w", context.DeadlineExceeded), keypool.KindTimeout},
		{timeoutError{}, keypool.KindTimeout},
		{errors.New("request timed out"), keypool.KindTimeout},
		{errors.New("502 Bad Gateway"), keypool.KindServer},
		{errors.New("connection reset by peer"), keypool.KindUnknown},
		{fmt.Errorf("generate call: %w", &url.Error{
			Op:  "Post",
			URL: "http://127.0.0.1:4030/v1beta/models/m:generateContent",
			Err: errors.New("dial tcp 127.0.0.1:4030: connect: connection refused"),
		}), keypool.KindUnknown},
		{errors.New("Post \"http://proxy.local:4013/v1\": EOF"), keypool.KindUnknown},
		{&statusError{400, "Invalid value at 'contents[0]' (4011 tokens)"}, keypool.KindUnknown},
		{errors.New("upstream 5003 returned no body"), keypool.KindUnknown},
		{context.Canceled, keypool.KindUnknown},
		{nil, keypool.KindUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}
