package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/insta-saver/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			store, err := postgres.NewRequestStore(cmd.Context(), postgres.Config{DSN: rt.cfg.Database.URL})
			if err != nil {
				return fmt.Errorf("connect record store: %w", err)
			}
			defer store.Close()

			if !status {
				if err := store.Migrate(cmd.Context()); err != nil {
					return err
				}
				rt.logger.Info("migrations applied")
			}
			version, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return err
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print the applied schema version without migrating")
	return cmd
}
