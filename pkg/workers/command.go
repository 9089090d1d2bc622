package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/process"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// Command runs the current command step in the workspace.
type Command struct {
	deps   worker.Deps
	runner *process.Runner
}

// NewCommand returns a factory for Command workers.
func NewCommand(runner *process.Runner) worker.Factory {
	return func(d worker.Deps) (worker.Worker, error) {
		return &Command{deps: d, runner: runner}, nil
	}
}

func (w *Command) Kind() worker.Kind { return worker.KindCommand }

func (w *Command) Run(ctx context.Context) (worker.Result, error) {
	step, ok := currentStep(w.deps)
	if !ok {
		return worker.Errorf("no command step to run"), nil
	}
	payload, ok := step.Command()
	if !ok {
		return worker.Errorf("step %s is not a command", step.ID), nil
	}

	out, err := w.runner.Run(ctx, process.Request{
		Command: payload.Command,
		Timeout: time.Duration(payload.Timeout) * time.Second,
	})
	if ctx.Err() != nil {
		return worker.Result{}, ctx.Err()
	}

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case out.TimedOut:
		status = "timeout"
	case out.Failed():
		status = "failed"
	}
	w.deps.State.LogCommand(ctx, ports.CommandLog{
		Command:  payload.Command,
		Cwd:      w.runner.Dir(),
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Status:   status,
		Duration: out.Duration,
	})

	if err != nil {
		return worker.Error(err.Error(), map[string]any{"command": payload.Command}), nil
	}
	if out.Failed() {
		msg := fmt.Sprintf("command %q exited with code %d", payload.Command, out.ExitCode)
		if out.TimedOut {
			msg = fmt.Sprintf("command %q timed out", payload.Command)
		}
		return worker.Error(msg, map[string]any{
			"command":   payload.Command,
			"exit_code": out.ExitCode,
			"timed_out": out.TimedOut,
			"stdout":    out.Stdout,
			"stderr":    out.Stderr,
		}), nil
	}

	if err := w.deps.State.Next().CompleteStepByID(step.ID); err != nil {
		return worker.Result{}, err
	}
	if payload.SuccessMessage != "" {
		if err := w.deps.UI.Send(ctx, payload.SuccessMessage); err != nil {
			return worker.Result{}, err
		}
	}
	logger(w.deps).Debug("Command step completed", "command", payload.Command, "duration", out.Duration)
	return worker.Done(), nil
}

// currentStep returns the dispatched step, or the first unfinished one.
func currentStep(d worker.Deps) (domain.Step, bool) {
	if d.Step != nil {
		return *d.Step, true
	}
	return d.State.Current().CurrentStep()
}
