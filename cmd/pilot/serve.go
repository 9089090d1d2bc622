package main

import (
	"github.com/spf13/cobra"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/cli"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only inspection API",
	Long:  `Serve exposes projects, branches and snapshots over HTTP, plus Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		addr := app.Config.HTTPAddr
		if cmd.Flags().Changed("addr") || addr == "" {
			addr, _ = cmd.Flags().GetString("addr")
		}
		return cli.Serve(ctx, app, addr, nil, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
}
