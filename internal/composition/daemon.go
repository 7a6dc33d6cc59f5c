// Package composition wires configuration, storage, the identity service and
// the HTTP API into a runnable daemon.
package composition

import (
	"context"
	"fmt"
	"log/slog"

	"trustchain/go-backend/internal/api"
	"trustchain/go-backend/internal/config"
	"trustchain/go-backend/internal/identity"
	"trustchain/go-backend/internal/metrics"
	"trustchain/go-backend/internal/sigchain"
	"trustchain/go-backend/internal/storage/badgerstore"
	"trustchain/go-backend/internal/storage/memstore"
	"trustchain/go-backend/internal/storage/pgstore"
)

// OpenStore opens the configured backend. Postgres schemas are migrated on
// open.
func OpenStore(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (sigchain.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		log.Warn("using in-memory ledger; state is lost on exit")
		return memstore.New(), nil
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Options{Dir: cfg.BadgerDir, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return store, nil
	case config.BackendPostgres:
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

type Daemon struct {
	cfg    config.Config
	store  sigchain.Store
	server *api.Server
}

func NewDaemon(ctx context.Context, cfg config.Config, log *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	svc := identity.NewService(store, identity.Options{
		Logger:         log,
		Metrics:        m,
		MaxBackupBytes: cfg.Backup.MaxBlobBytes,
	})
	server := api.NewServer(svc, api.Options{
		Logger:         log,
		Metrics:        m,
		MetricsHandler: m.Handler(),
		AuthWindow:     cfg.Auth.Window,
		RateLimitRPS:   cfg.Auth.RateLimitRPS,
		RateLimitBurst: cfg.Auth.RateLimitBurst,
	})
	return &Daemon{cfg: cfg, store: store, server: server}, nil
}

// Run serves until ctx is cancelled and closes the store afterwards.
func (d *Daemon) Run(ctx context.Context) error {
	runErr := d.server.Run(ctx, d.cfg.Listen)
	if err := d.store.Close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}
