package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/patient-sync/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return migrateUp(cfg.Database.ConnectionString(), logger)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 1 {
			return fmt.Errorf("--steps must be at least 1")
		}

		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := database.OpenSQL(cfg.Database.ConnectionString())
		if err != nil {
			return err
		}
		defer db.Close()

		return database.RollbackMigrations(db, steps, logger)
	},
}

func init() {
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func migrateUp(databaseURL string, logger *zap.Logger) error {
	db, err := database.OpenSQL(databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
