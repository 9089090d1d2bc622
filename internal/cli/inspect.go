package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/presentation/graph"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
)

// Output formats for structured commands.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ListProjects prints every project with its default branch and latest step.
func ListProjects(ctx context.Context, repo ports.Repository, w io.Writer) error {
	projects, err := repo.ListProjects(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBRANCH\tSTEPS\tCREATED")
	for _, p := range projects {
		branch, steps := "-", 0
		if b, err := repo.DefaultBranch(ctx, p.ID); err == nil {
			branch = b.Name
			if list, err := repo.ListSnapshots(ctx, b.ID); err == nil {
				steps = len(list)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, branch, steps, p.CreatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

// ListSnapshots prints the snapshots of the selected branch.
func ListSnapshots(ctx context.Context, repo ports.Repository, sel statestore.Selection, w io.Writer) error {
	branch, err := resolveBranch(ctx, repo, sel)
	if err != nil {
		return err
	}
	list, err := repo.ListSnapshots(ctx, branch.ID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tID\tCREATED\tACTION")
	for _, s := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.StepIndex, s.ID, s.CreatedAt.Format(time.DateTime), s.Action)
	}
	return tw.Flush()
}

// Inspection is the structured dump of one snapshot.
type Inspection struct {
	Project       domain.Project        `json:"project" yaml:"project"`
	Branch        domain.Branch         `json:"branch" yaml:"branch"`
	Snapshot      domain.SnapshotRecord `json:"snapshot" yaml:"snapshot"`
	Specification *domain.Specification `json:"specification" yaml:"specification"`
	Files         []domain.FileRecord   `json:"files" yaml:"files"`
}

// InspectSnapshot writes the selected snapshot as JSON or YAML.
func InspectSnapshot(ctx context.Context, repo ports.Repository, sel statestore.Selection, format string, w io.Writer) error {
	branch, err := resolveBranch(ctx, repo, sel)
	if err != nil {
		return err
	}
	project, err := repo.GetProject(ctx, branch.ProjectID)
	if err != nil {
		return err
	}
	stored, err := repo.LoadSnapshot(ctx, branch.ID, sel.StepIndex)
	if err != nil {
		return err
	}
	snap, err := domain.RestoreSnapshot(stored.Record, stored.Specification, stored.Files)
	if err != nil {
		return err
	}
	rec, files := snap.Record()
	out := Inspection{
		Project:       project,
		Branch:        branch,
		Snapshot:      rec,
		Specification: snap.Specification(),
		Files:         files,
	}

	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q, expected %s or %s", format, FormatJSON, FormatYAML)
	}
}

// PlanGraph writes the plan of the selected snapshot as a Mermaid flowchart.
func PlanGraph(ctx context.Context, repo ports.Repository, sel statestore.Selection, w io.Writer) error {
	branch, err := resolveBranch(ctx, repo, sel)
	if err != nil {
		return err
	}
	stored, err := repo.LoadSnapshot(ctx, branch.ID, sel.StepIndex)
	if err != nil {
		return err
	}
	snap, err := domain.RestoreSnapshot(stored.Record, stored.Specification, stored.Files)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, graph.GenerateMermaid(snap))
	return err
}

// RestoreFiles writes the selected snapshot's files to the workspace and removes
// files it does not track. History is left untouched.
func RestoreFiles(ctx context.Context, app *App, sel statestore.Selection, w io.Writer) error {
	branch, err := resolveBranch(ctx, app.Repo, sel)
	if err != nil {
		return err
	}
	stored, err := app.Repo.LoadSnapshot(ctx, branch.ID, sel.StepIndex)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(stored.Files))
	for _, f := range stored.Files {
		known[f.Path] = true
	}
	paths, err := app.Tree.List(ctx)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if !known[path] {
			if err := app.Tree.Remove(ctx, path); err != nil {
				return err
			}
		}
	}
	for _, f := range stored.Files {
		if err := app.Tree.Save(ctx, f.Path, f.Content.Content); err != nil {
			return fmt.Errorf("failed to restore %s: %w", f.Path, err)
		}
		fmt.Fprintln(w, f.Path)
	}
	printSystemMessage(w, "Restored %d files from step %d.", len(stored.Files), stored.Record.StepIndex)
	return nil
}

func resolveBranch(ctx context.Context, repo ports.Repository, sel statestore.Selection) (domain.Branch, error) {
	switch {
	case sel.BranchID != "":
		return repo.GetBranch(ctx, sel.BranchID)
	case sel.ProjectID != "":
		return repo.DefaultBranch(ctx, sel.ProjectID)
	default:
		return domain.Branch{}, statestore.ErrNoSelection
	}
}
