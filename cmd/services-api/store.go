package main

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dhos/services-api/internal/config"
	"github.com/dhos/services-api/internal/domain/entity"
	"github.com/dhos/services-api/internal/domain/patient"
	"github.com/dhos/services-api/internal/platform/db"
	"github.com/dhos/services-api/migrations"
)

// store is an opened repository with its health probe.
type store struct {
	repo   patient.Repository
	health echo.HandlerFunc
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, reg *entity.Registry, logger zerolog.Logger, migrate bool) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		repo, err := patient.OpenSQLite(cfg.SQLitePath, reg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &store{
			repo:   repo,
			health: db.HealthHandler(repo, nil),
			close:  func() { repo.Close() },
		}, nil

	case config.DriverPostgres:
		if migrate {
			if err := migratePostgres(ctx, cfg, logger); err != nil {
				return nil, err
			}
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("schema", cfg.DatabaseSchema).Msg("connected to database")
		return &store{
			repo:   patient.NewRepoPG(pool, reg),
			health: db.PoolHealthHandler(pool),
			close:  pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func migratePostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "", 2, 1)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool, cfg.DatabaseSchema); err != nil {
		return err
	}
	n, err := db.NewMigrator(pool, migrations.FS, cfg.DatabaseSchema).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Int("applied", n).Msg("database migrations applied")
	return nil
}
