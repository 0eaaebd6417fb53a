package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/insta-saver/internal/app"
	"github.com/JakeFAU/insta-saver/internal/reconciler"
)

func newReconcileCmd() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a single reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			a, err := app.Connect(cmd.Context(), rt.cfg, rt.logger, rt.opts...)
			if err != nil {
				return err
			}
			defer a.Close()

			var res reconciler.Result
			if rebuild {
				res, err = a.Reconciler().Startup(cmd.Context())
			} else {
				res, err = a.Reconciler().ReconcileOnce(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pending=%d enqueued=%d evicted=%d\n", res.Pending, res.Enqueued, res.Evicted)
			return err
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "drain the queue and rebuild it from the store first")
	return cmd
}
