package main

import (
	"github.com/spf13/cobra"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/cli"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Work with projects",
}

var projectsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return cli.ListProjects(cmd.Context(), app.Repo, cmd.OutOrStdout())
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Work with the steps of a branch",
}

var snapshotsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List the steps of a branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return cli.ListSnapshots(cmd.Context(), app.Repo, selection(cmd), cmd.OutOrStdout())
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Look at a single step",
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a snapshot as JSON or YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		app, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return cli.InspectSnapshot(cmd.Context(), app.Repo, selection(cmd), format, cmd.OutOrStdout())
	},
}

var snapshotGraphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the plan of a snapshot as a Mermaid flowchart",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return cli.PlanGraph(cmd.Context(), app.Repo, selection(cmd), cmd.OutOrStdout())
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Work with the workspace files",
}

var filesRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Write a snapshot's files to the workspace",
	Long: `Restore overwrites the workspace with the files of the selected snapshot and
removes files it does not track. The project history is not changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()
		return cli.RestoreFiles(cmd.Context(), app, selection(cmd), cmd.OutOrStdout())
	},
}

func selection(cmd *cobra.Command) statestore.Selection {
	projectID, _ := cmd.Flags().GetString("project")
	branchID, _ := cmd.Flags().GetString("branch")
	step, _ := cmd.Flags().GetInt("step")
	return statestore.Selection{ProjectID: projectID, BranchID: branchID, StepIndex: step}
}

func init() {
	projectsCmd.AddCommand(projectsListCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotCmd.AddCommand(snapshotInspectCmd, snapshotGraphCmd)
	filesCmd.AddCommand(filesRestoreCmd)
	rootCmd.AddCommand(projectsCmd, snapshotsCmd, snapshotCmd, filesCmd)

	selectionFlags(snapshotsListCmd)
	selectionFlags(snapshotInspectCmd)
	selectionFlags(snapshotGraphCmd)
	selectionFlags(filesRestoreCmd)
	snapshotInspectCmd.Flags().StringP("format", "f", cli.FormatJSON, "output format: json or yaml")
}
