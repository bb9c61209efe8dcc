package main

import (
	"github.com/connector-orchestrator/internal/app/config"
	pgRepo "github.com/connector-orchestrator/internal/infrastructure/postgres"
	"github.com/connector-orchestrator/pkg/logger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		logger.Configure(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

		db, err := pgRepo.InitDb(cmd.Context(), cfg.DBDSN, pgRepo.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := pgRepo.RunMigrations(cmd.Context(), db, cfg.MigrationsDir)
		if err != nil {
			return err
		}
		if applied == 0 {
			logger.Info().Msg("No changes to apply")
			return nil
		}
		logger.Info().Int("applied", applied).Msg("Migrations applied successfully")
		return nil
	},
}
