package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/notifyd/internal/config"
	"github.com/alfredjeanlab/notifyd/internal/store/postgres"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the development database schema",
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create the tables notifyd reads in a development database",
	Long: `Create the tables notifyd reads in a development database.

In production these tables belong to the web application, which owns their
migrations. Use this only to bootstrap a local or test database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaApplyCmd)
}
