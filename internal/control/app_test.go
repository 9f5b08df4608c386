package control

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vietddude/keyrouter/internal/infra/gemini"
	redisclient "github.com/vietddude/keyrouter/internal/infra/redis"
	"github.com/vietddude/keyrouter/internal/infra/storage/memory"
	"github.com/vietddude/keyrouter/internal/routing"
)

var testKeys = []string{
	"AIzaSyTestKeyOne-0123456789",
	"AIzaSyTestKeyTwo-0123456789",
}

func newBackend(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastRetry() routing.RetryConfig {
	return routing.RetryConfig{MaxAttempts: 3, RateLimitStep: time.Millisecond, FixedDelay: time.Millisecond}
}

func TestApp_Lifecycle(t *testing.T) {
	backend := newBackend(t, http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"pong"}]}}]}`)

	app, err := NewApp(context.Background(), Config{
		Port:             0, // Random port
		Keys:             testKeys,
		Retry:            fastRetry(),
		Backend:          gemini.Config{BaseURL: backend.URL},
		SnapshotInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	if _, ok := app.store.(*memory.SnapshotRepo); !ok {
		t.Errorf("expected memory store, got %T", app.store)
	}
	if app.Registry().Len() != 2 {
		t.Errorf("keys = %d", app.Registry().Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	text, err := app.Generate(ctx, "ping")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "pong" {
		t.Errorf("text = %q", text)
	}

	// Initial snapshot is written on Start.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := app.store.Latest(ctx, app.InstanceID()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no snapshot written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestApp_GenerateExhausted(t *testing.T) {
	backend := newBackend(t, http.StatusInternalServerError,
		`{"error":{"code":500,"message":"An internal error has occurred.","status":"INTERNAL"}}`)

	app, err := NewApp(context.Background(), Config{
		Keys:    testKeys,
		Retry:   fastRetry(),
		Backend: gemini.Config{BaseURL: backend.URL},
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	if _, err := app.Generate(context.Background(), "ping"); !errors.Is(err, routing.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	var attempts int
	for _, s := range app.Registry().Stats() {
		attempts += s.Attempts
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestApp_EmptyPool(t *testing.T) {
	app, err := NewApp(context.Background(), Config{Retry: fastRetry()})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	if _, err := app.Generate(context.Background(), "ping"); !errors.Is(err, routing.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestApp_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	app, err := NewApp(context.Background(), Config{
		Port:  0,
		Keys:  testKeys,
		Retry: fastRetry(),
		Redis: redisclient.Config{URL: "redis://" + mr.Addr(), SnapshotTTL: time.Minute},
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	if _, ok := app.store.(*redisclient.SnapshotRepo); !ok {
		t.Fatalf("expected redis store, got %T", app.store)
	}

	if _, err := app.snapshotter.Capture(context.Background()); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	snap, err := app.store.Latest(context.Background(), app.InstanceID())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if len(snap.Keys) != 2 || snap.HealthyCount() != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = app.Stop(stopCtx)
}
