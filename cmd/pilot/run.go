package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/cli"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/console"
	pilothttp "github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/http"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new project or resume one from a snapshot",
	Long: `Run drives the build loop. Without a selection it starts a new project; with
--project or --branch it resumes from the latest step, or from --step, discarding
the steps after it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		branchID, _ := cmd.Flags().GetString("branch")
		step, _ := cmd.Flags().GetInt("step")
		name, _ := cmd.Flags().GetString("name")
		noBanner, _ := cmd.Flags().GetBool("no-banner")

		ctx := cli.NewSignalContext(cmd.Context())
		defer ctx.Cancel()

		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		maxTurns := app.Config.MaxTurns
		if cmd.Flags().Changed("max-turns") {
			maxTurns, _ = cmd.Flags().GetInt("max-turns")
		}
		addr := app.Config.HTTPAddr
		if cmd.Flags().Changed("http") {
			addr, _ = cmd.Flags().GetString("http")
		}

		out := cmd.OutOrStdout()
		ui := console.New(console.WithOutput(out))
		if ui.Interactive() && !noBanner {
			console.PrintBanner(out)
		}

		opts := cli.RunOptions{
			ProjectID: projectID,
			BranchID:  branchID,
			Step:      step,
			Name:      name,
			MaxTurns:  maxTurns,
			Out:       out,
		}
		if addr == "" {
			return cli.Run(ctx, app, ui, opts)
		}

		streams := pilothttp.NewStreamManager(app.Logger)
		opts.Hooks = streams.Hooks()

		serveCtx, stopServe := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(serveCtx)
		g.Go(func() error {
			return cli.Serve(gctx, app, addr, streams, out)
		})
		g.Go(func() error {
			defer stopServe()
			return cli.Run(gctx, app, ui, opts)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	selectionFlags(runCmd)
	runCmd.Flags().String("name", "", "name of the new project")
	runCmd.Flags().Int("max-turns", 0, "stop after this many turns (0 means no limit)")
	runCmd.Flags().String("http", "", "also serve the inspection API on this address")
	runCmd.Flags().Bool("no-banner", false, "do not print the banner")
}
