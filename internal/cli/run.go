package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/orchestrator"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
)

// RunOptions selects where the build starts.
type RunOptions struct {
	// ProjectID, BranchID and Step select a snapshot to resume from. When all are
	// empty a new project called Name is created.
	ProjectID string
	BranchID  string
	Step      int
	Name      string
	MaxTurns  int
	// Hooks are called in addition to the debug logging hooks.
	Hooks orchestrator.Hooks
	Out   io.Writer
}

// Selected reports whether the options point at an existing snapshot.
func (o RunOptions) Selected() bool {
	return o.ProjectID != "" || o.BranchID != "" || o.Step > 0
}

// Run opens or creates the project and drives the orchestrator until a worker exits,
// the turn limit is reached or ctx is cancelled.
func Run(ctx context.Context, app *App, ui ports.UI, opts RunOptions) error {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Step > 0 && opts.ProjectID == "" && opts.BranchID == "" {
		return fmt.Errorf("--step needs --project or --branch")
	}

	snap, err := start(ctx, app, ui, opts)
	if err != nil {
		return err
	}
	project := app.Store.Project()
	printSystemMessage(opts.Out, "Project %q (%s), branch %q, step %d.", project.Name, project.ID, app.Store.Branch().Name, snap.StepIndex)

	engine, err := app.Engine(ui, mergeHooks(debugHooks(app.Logger), opts.Hooks), opts.MaxTurns)
	if err != nil {
		return err
	}

	runErr := engine.Run(ctx)
	if current := app.Store.Current(); current != nil {
		logCompletion(opts.Out, current.StepIndex, runErr, signalOf(ctx))
	}
	return handleExecutionError(runErr)
}

func start(ctx context.Context, app *App, ui ports.UI, opts RunOptions) (*domain.Snapshot, error) {
	if !opts.Selected() {
		name := strings.TrimSpace(opts.Name)
		if name == "" {
			ans, err := ui.Ask(ctx, ports.Question{Text: "What is the project name?"})
			if err != nil {
				return nil, err
			}
			name = strings.TrimSpace(ans.Text)
		}
		if name == "" {
			return nil, fmt.Errorf("a project name is required to start a new project")
		}
		return app.Store.CreateProject(ctx, name)
	}

	snap, err := app.Store.LoadProject(ctx, statestore.Selection{
		ProjectID: opts.ProjectID,
		BranchID:  opts.BranchID,
		StepIndex: opts.Step,
	})
	if err != nil {
		return nil, err
	}
	if err := syncWorkspace(ctx, app, ui, opts.Step > 0); err != nil {
		return nil, err
	}
	return snap, nil
}

// syncWorkspace writes the loaded snapshot's files back to disk. When the workspace
// has local changes the user decides whether to keep them; kept changes are imported
// into the next snapshot. After going back to an earlier step the default is to
// restore, otherwise the abandoned steps' files would land in the next step.
func syncWorkspace(ctx context.Context, app *App, ui ports.UI, rewound bool) error {
	modified, err := app.Store.ModifiedFiles(ctx)
	if err != nil {
		return err
	}
	if len(modified) > 0 {
		def := "keep"
		if rewound {
			def = "restore"
		}
		ans, err := ui.Ask(ctx, ports.Question{
			Text:    fmt.Sprintf("These files differ from the loaded snapshot:\n\n- %s", strings.Join(modified, "\n- ")),
			Hint:    "restore overwrites them, keep imports them into the next step",
			Options: []string{"keep", "restore"},
			Default: def,
		})
		if err != nil {
			return err
		}
		if ans.Cancelled {
			return context.Canceled
		}
		if ans.Text == "keep" {
			_, _, err := app.Store.ImportFiles(ctx)
			return err
		}
	}
	written, err := app.Store.RestoreFiles(ctx)
	if err != nil {
		return err
	}
	app.Logger.Debug("Restored workspace", "files", len(written))
	return nil
}

func signalOf(ctx context.Context) os.Signal {
	if sc, ok := ctx.(*SignalContext); ok {
		return sc.Signal()
	}
	return nil
}
