package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/keyrouter/internal/core/worker"
	"github.com/vietddude/keyrouter/internal/infra/gemini"
	redisclient "github.com/vietddude/keyrouter/internal/infra/redis"
	"github.com/vietddude/keyrouter/internal/infra/storage"
	"github.com/vietddude/keyrouter/internal/infra/storage/memory"
	"github.com/vietddude/keyrouter/internal/infra/storage/postgres"
	"github.com/vietddude/keyrouter/internal/keypool"
	"github.com/vietddude/keyrouter/internal/routing"
	"github.com/vietddude/keyrouter/internal/server"
)

// App owns the key pool and every component built around it.
type App struct {
	cfg          Config
	instanceID   string
	registry     *keypool.Registry
	orchestrator *routing.Orchestrator
	backend      *gemini.Client
	store        storage.SnapshotRepository
	snapshotter  *worker.Snapshotter
	httpServer   *server.Server
	grpcServer   *server.GRPCServer
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// Config holds the application configuration.
type Config struct {
	Port              int
	GRPCPort          int // 0 disables the gRPC health server
	AdminToken        string
	Keys              []string
	Retry             routing.RetryConfig
	Backend           gemini.Config
	Redis             redisclient.Config
	Database          postgres.Config
	SnapshotInterval  time.Duration
	SnapshotRetention time.Duration
}

// NewApp creates a new App with all dependencies initialized.
func NewApp(ctx context.Context, cfg Config) (*App, error) {
	log := slog.Default()
	instanceID := uuid.NewString()

	// 1. Key pool and orchestrator
	registry := keypool.New(cfg.Keys)
	orchestrator := routing.NewOrchestrator(registry, cfg.Retry)
	backend := gemini.NewClient(cfg.Backend)

	app := &App{
		cfg:          cfg,
		instanceID:   instanceID,
		registry:     registry,
		orchestrator: orchestrator,
		backend:      backend,
		log:          log,
	}

	// 2. Snapshot store: Redis, then PostgreSQL, then memory
	switch {
	case cfg.Redis.URL != "":
		client, err := redisclient.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		app.redisClient = client
		app.store = redisclient.NewSnapshotRepo(client, cfg.Redis.SnapshotTTL)
		log.Info("Using Redis snapshot store")
	case cfg.Database.URL != "":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		app.db = db
		app.store = postgres.NewSnapshotRepo(db)
		log.Info("Using PostgreSQL snapshot store")
	default:
		app.store = memory.NewSnapshotRepo()
		log.Info("Using memory snapshot store")
	}

	// 3. Servers
	var serving worker.ServingSetter
	if cfg.GRPCPort > 0 {
		app.grpcServer = server.NewGRPCServer(cfg.GRPCPort)
		serving = app.grpcServer
	}
	app.httpServer = server.NewServer(cfg.Port, registry, app.Generate, app.store,
		server.WithAdminToken(cfg.AdminToken))

	// 4. Snapshot worker
	app.snapshotter = worker.NewSnapshotter(
		worker.SnapshotterConfig{
			InstanceID: instanceID,
			Interval:   cfg.SnapshotInterval,
			Retention:  cfg.SnapshotRetention,
		},
		registry,
		app.store,
		serving,
	)

	log.Info("Key pool ready",
		"instance", instanceID,
		"keys", registry.Len(),
		"max_attempts", cfg.Retry.MaxAttempts,
	)
	return app, nil
}

// Generate runs one prompt through the retry orchestrator.
func (a *App) Generate(ctx context.Context, prompt string) (string, error) {
	result, err := a.orchestrator.Perform(ctx, a.backend.Operation(prompt))
	if err != nil {
		return "", err
	}
	return result.(*gemini.Response).Text, nil
}

// InstanceID identifies this process in shared snapshot stores.
func (a *App) InstanceID() string {
	return a.instanceID
}

// Registry returns the key pool.
func (a *App) Registry() *keypool.Registry {
	return a.registry
}

// Start starts the servers and background workers. It does not block.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()

	if a.grpcServer != nil {
		go func() {
			if err := a.grpcServer.Start(); err != nil {
				a.log.Error("gRPC server failed", "error", err)
			}
		}()
	}

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	go a.snapshotter.Start(ctx)

	return nil
}

// Stop shuts the servers down and releases storage connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping keyrouter...")

	var errs []error
	if err := a.httpServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if a.grpcServer != nil {
		if err := a.grpcServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("grpc: %w", err))
		}
	}

	if err := a.registry.Close(); err != nil {
		errs = append(errs, err)
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}

	return errors.Join(errs...)
}
