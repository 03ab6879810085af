package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/layer-3/passkey/adapters/store"
	"github.com/layer-3/passkey/internal/config"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(func(cfg *config.Config, logger *slog.Logger, pg *store.PostgresStore) error {
			if err := store.RunMigrations(pg.DB()); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(func(cfg *config.Config, logger *slog.Logger, pg *store.PostgresStore) error {
			if err := store.RollbackMigrations(pg.DB()); err != nil {
				return err
			}
			fmt.Println("rolled back one migration")
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPostgres(func(cfg *config.Config, logger *slog.Logger, pg *store.PostgresStore) error {
			version, dirty, err := store.MigrationVersion(pg.DB())
			if err != nil {
				return err
			}
			fmt.Printf("version %d (dirty: %t)\n", version, dirty)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

func withPostgres(fn func(cfg *config.Config, logger *slog.Logger, pg *store.PostgresStore) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.PostgresDSN == "" {
		return errors.New("postgres_dsn is required")
	}

	pg, err := store.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	return fn(cfg, logger, pg)
}
