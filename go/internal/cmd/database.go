package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/quizzo/go/internal/config"
	"github.com/mcdev12/quizzo/go/internal/store"
	"github.com/mcdev12/quizzo/go/internal/store/memstore"
	"github.com/mcdev12/quizzo/go/internal/store/natskv"
	"github.com/mcdev12/quizzo/go/internal/store/pgstore"
	"github.com/mcdev12/quizzo/go/internal/store/rtdb"
	"github.com/rs/zerolog/log"
)

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		log.Warn().Msg("using the in-memory store, rooms are only shared within this process")
		var opts []memstore.Option
		for root, ttl := range cfg.Expiring() {
			opts = append(opts, memstore.WithTTL(root, ttl))
		}
		return memstore.New(opts...), nil
	case config.BackendNATS:
		st, err := natskv.Connect(cfg.NATSStore())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("connected to NATS")
		return st, nil
	case config.BackendPostgres:
		st, err := pgstore.Open(ctx, cfg.PostgresStore())
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	case config.BackendRTDB:
		st, err := rtdb.New(cfg.RTDBStore())
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.RTDB.URL).Msg("using realtime database")
		return st, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// migrate installs the Postgres table and notify trigger.
func migrate(ctx context.Context, cfg *config.Config) error {
	pc := cfg.PostgresStore()
	pool, err := pgxpool.New(ctx, pc.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return pgstore.Migrate(ctx, pool, pc.NotifyChannel)
}
