package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the case store schema",
		Long:  "Create the cases and actors tables for the postgres or sqlite store. The memory store needs no schema.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return runMigrate(cmd.Context(), cfg, logger)
		},
	}
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	opened, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer opened.close()

	if opened.migrate == nil {
		logger.Info("store has no schema to migrate", zap.String("driver", cfg.Store.Driver))
		return nil
	}
	if err := opened.migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied", zap.String("driver", cfg.Store.Driver))
	return nil
}
