package main

import (
	"context"
	"fmt"

	"github.com/jonathan/workflow-engine/internal/db"
	"github.com/spf13/cobra"
)

var (
	migrateFlags commonFlags
	migratePrint bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database tables for runs and credit accounts",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateFlags.configPath, "config", "", "Path to a JSON or YAML config file")
	migrateCmd.Flags().StringVar(&migrateFlags.databaseURL, "db-url", "", "PostgreSQL connection URL (optional, defaults to DATABASE_URL env var)")
	migrateCmd.Flags().BoolVar(&migratePrint, "print", false, "Print the schema DDL instead of applying it")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if migratePrint {
		_, err := fmt.Fprint(cmd.OutOrStdout(), db.Schema())
		return err
	}

	cfg, err := resolveConfig(cmd, &migrateFlags)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database URL is required (set --db-url flag or DATABASE_URL env var)")
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "✓ Schema applied")
	return err
}
