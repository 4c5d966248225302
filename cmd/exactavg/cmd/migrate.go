package cmd

import (
	"database/sql"
	"fmt"
	"os"

	corecfg "github.com/aevon-lab/exactavg/internal/core/config"
	"github.com/aevon-lab/exactavg/internal/core/storage/postgres"
	"github.com/aevon-lab/exactavg/internal/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or inspect the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(func(db *sql.DB) error {
			return migrations.RunMigrations(db, true)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(func(db *sql.DB) error {
			version, dirty, err := migrations.Status(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d\ndirty:   %t\n", version, dirty)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withDatabase opens the configured database for fn. Rule files are not loaded.
func withDatabase(fn func(db *sql.DB) error) error {
	cfg, err := corecfg.LoadSettings(cfgFile)
	if err != nil {
		printError("failed to load config", err)
		return err
	}
	setupLogger(os.Stderr, cfg.Log)

	db, err := postgres.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		printError("failed to connect", err)
		return err
	}
	defer db.Close()

	if err := fn(db); err != nil {
		printError("migration failed", err)
		return err
	}
	return nil
}
