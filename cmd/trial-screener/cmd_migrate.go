package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/trial-screening-engine/internal/database"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL audit schema (pgx backend)",
	}

	run := func(action func(cmd *cobra.Command, mr *database.MigrationRunner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.loadConfig(nil)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is required for migrations")
			}
			mr, err := database.NewMigrationRunner(cfg.Database.URL, cfg.Database.MigrationsPath, logger)
			if err != nil {
				return err
			}
			defer mr.Close()
			return action(cmd, mr)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Migrate the audit schema to the version this build expects",
		RunE: run(func(cmd *cobra.Command, mr *database.MigrationRunner) error {
			return mr.Up(cmd.Context())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back one migration",
		RunE: run(func(cmd *cobra.Command, mr *database.MigrationRunner) error {
			return mr.Down(cmd.Context())
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied and expected audit schema versions",
		RunE: run(func(cmd *cobra.Command, mr *database.MigrationRunner) error {
			status, err := mr.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d, expected %d (dirty: %t)\n",
				status.Current, status.Expected, status.Dirty)
			return status.Check()
		}),
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
