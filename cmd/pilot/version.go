package main

import (
	"fmt"

	"github.com/spf13/cobra"

	pilot "github.com/Pythagora-io/gpt-pilot-sub000"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of pilot",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pilot version %s\n", pilot.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
