// Package app wires configuration, logging and storage for the sadhana binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/config"
	"example.com/sadhana/internal/domain"
	"example.com/sadhana/internal/notify"
	"example.com/sadhana/internal/persistence/memory"
	"example.com/sadhana/internal/persistence/postgres"
	"example.com/sadhana/pkg/logger"
)

// Runtime is what every binary starts from.
type Runtime struct {
	Config config.Config
	Log    *logrus.Entry
	Store  domain.Store
	Clock  domain.DayClock
	// Pool is nil when the in-memory store is selected.
	Pool *pgxpool.Pool
}

// Bootstrap loads configuration, configures the logger and opens the store.
func Bootstrap(ctx context.Context, component string) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return Open(ctx, cfg, logger.Component(component))
}

// Open builds a Runtime from cfg. With the postgres store it connects, migrates and
// seeds the default catalog.
func Open(ctx context.Context, cfg config.Config, log *logrus.Entry) (*Runtime, error) {
	clock, err := domain.NewDayClock(cfg.DayResetHour, cfg.Location(), nil)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Log: log, Clock: clock}

	if cfg.Store == "memory" {
		log.Warn("using in-memory store; data is lost on exit")
		rt.Store = memory.NewStore()
		return rt, nil
	}

	pool, err := connect(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	repo := postgres.NewRepository(pool)
	if err := repo.SeedCatalog(ctx, domain.DefaultCatalog()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed catalog: %w", err)
	}
	rt.Pool = pool
	rt.Store = repo
	return rt, nil
}

func connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Service builds the domain service over the runtime's store.
func (r *Runtime) Service() *domain.Service {
	return domain.NewService(r.Store, r.Clock, domain.Options{
		RollupOnEveryWrite: r.Config.RollupOnEveryWrite,
		QueryTimeout:       r.Config.QueryTimeout,
		Logger:             r.Log.WithField("component", "service"),
	})
}

// Notifier returns the push gateway client, or a no-op when no gateway is configured.
func (r *Runtime) Notifier() notify.Notifier {
	if r.Config.PushGatewayURL == "" {
		return notify.Noop{}
	}
	return notify.NewHTTPGateway(r.Config.PushGatewayURL, r.Config.PushAccessToken, r.Config.PushTimeout)
}

// RequirePool fails when the binary needs postgres but the memory store is selected.
func (r *Runtime) RequirePool(binary string) error {
	if r.Pool == nil {
		return fmt.Errorf("%s requires STORE=postgres", binary)
	}
	return nil
}

// Close releases the database pool.
func (r *Runtime) Close() {
	if r.Pool != nil {
		r.Pool.Close()
	}
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
