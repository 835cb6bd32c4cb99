package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/internal/postgres"
)

func newMigrateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(configPath)
			if err != nil {
				return err
			}
			if cfg.Workflow.Store.Driver != "postgres" {
				return fmt.Errorf("workflow.store.driver is %q; migrate needs postgres", cfg.Workflow.Store.Driver)
			}
			if err := cfg.ValidateStore(); err != nil {
				return fmt.Errorf("config: validation: %w", err)
			}

			pool, err := postgres.Connect(cmd.Context(), cfg.Workflow.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	return cmd
}
