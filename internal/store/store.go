// Package store opens the advertisement store selected by configuration.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/config"
	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/store/postgres"
	"github.com/JakeFAU/jobad-crawler/internal/store/sqlite"
)

// Open connects to the configured backend and migrates its schema.
func Open(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (crawler.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		st, err := sqlite.Open(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, &crawler.ConfigurationError{Entity: "db.driver", Err: fmt.Errorf("unknown driver %q", cfg.Driver)}
	}
}
