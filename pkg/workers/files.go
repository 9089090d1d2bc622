package workers

import (
	"context"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// FileWrite writes the content of one save_file step. Several run concurrently, one
// per distinct path.
type FileWrite struct {
	deps worker.Deps
}

// NewFileWrite returns a factory for FileWrite workers.
func NewFileWrite() worker.Factory {
	return func(d worker.Deps) (worker.Worker, error) {
		return &FileWrite{deps: d}, nil
	}
}

func (w *FileWrite) Kind() worker.Kind { return worker.KindFileWrite }

func (w *FileWrite) Run(ctx context.Context) (worker.Result, error) {
	step, ok := currentStep(w.deps)
	if !ok {
		return worker.Errorf("no save_file step to run"), nil
	}
	payload, ok := step.SaveFile()
	if !ok || payload.Path == "" {
		return worker.Error("save_file step has no path", map[string]any{"step_id": step.ID}), nil
	}

	if err := w.deps.State.SaveFile(ctx, payload.Path, []byte(payload.Content), nil); err != nil {
		return worker.Error(err.Error(), map[string]any{"path": payload.Path}), nil
	}
	if err := w.deps.State.Next().CompleteStepByID(step.ID); err != nil {
		return worker.Result{}, err
	}
	logger(w.deps).Debug("Wrote file", "path", payload.Path, "bytes", len(payload.Content))
	return worker.Done(), nil
}
