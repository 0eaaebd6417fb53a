package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/insta-saver/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, worker pool, maintenance loops and HTTP listener",
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
			return a.Serve(cmd.Context())
		},
	}
}
