package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/cli"
	"github.com/Pythagora-io/gpt-pilot-sub000/internal/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Pilot builds software with a loop of workers over a versioned project state",
	Long: `Pilot keeps every step of a build as a snapshot of the project: its plan,
its specification and its files. Workers take turns on the latest snapshot and
each finished turn is committed, so a build can be resumed or rewound to any step.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./pilot.yaml or $HOME/.config/pilot/pilot.yaml)")
	flags.StringP("workspace", "w", ".", "project workspace directory")
	flags.String("db", "", "database file (default <workspace>/.pilot/pilot.db)")
	flags.String("workers", "", "worker bindings file (default <workspace>/workers.yaml)")
	flags.String("log-level", "warn", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")

	_ = v.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = v.BindPFlag("database", flags.Lookup("db"))
	_ = v.BindPFlag("workers_file", flags.Lookup("workers"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log_format", flags.Lookup("log-format"))
}

// openApp loads the configuration and opens the database and workspace.
func openApp(ctx context.Context) (*cli.App, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	return cli.OpenApp(ctx, cfg, cli.NewLogger(level, cfg.Format(), false))
}

// selectionFlags adds the snapshot selection flags to cmd.
func selectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("project", "", "project ID (uses its default branch)")
	cmd.Flags().String("branch", "", "branch ID")
	cmd.Flags().Int("step", 0, "step index (default latest)")
}
