/*
Package workers provides the built-in workers.

The built-ins are mechanical: they run command steps, write files, relay human
intervention and complete tasks. Kinds that need judgement (planning, breakdown,
review and the rest) are bound to external programs in workers.yaml and run through
External. A kind with no binding gets Unconfigured, which stops the loop with a
message instead of failing.
*/
package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/process"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// Options configures Register.
type Options struct {
	Runner *process.Runner
	// Externals binds kinds to external programs, keyed by kind.
	Externals map[string]process.WorkerConfig
	// Retry wraps external calls. Nil means the default policy.
	Retry *retry.Loop
	// MaxRecoveries bounds the retries Recovery offers for one failing step.
	// Zero means DefaultMaxRecoveries.
	MaxRecoveries int
	Logger        *slog.Logger
}

// Register installs the built-in workers, the configured externals and an Unconfigured
// worker for every remaining kind. Externals take precedence over built-ins.
func Register(reg *worker.Registry, opts Options) error {
	if opts.Runner == nil {
		opts.Runner = process.NewRunner()
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewLoop()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	builtins := map[worker.Kind]worker.Factory{
		worker.KindCommand:           NewCommand(opts.Runner),
		worker.KindFileWrite:         NewFileWrite(),
		worker.KindHumanIntervention: NewHumanIntervention(),
		worker.KindRecovery:          NewRecovery(opts.MaxRecoveries),
		worker.KindTaskCompletion:    NewTaskCompletion(),
	}
	for kind, cfg := range opts.Externals {
		k := worker.Kind(kind)
		if !k.Valid() {
			return fmt.Errorf("workers: unknown kind %q in configuration", kind)
		}
		builtins[k] = NewExternal(k, cfg, opts.Runner, opts.Retry)
	}

	for _, kind := range worker.Kinds() {
		factory, ok := builtins[kind]
		if !ok {
			factory = NewUnconfigured(kind)
		}
		if err := reg.Register(kind, factory); err != nil {
			return err
		}
	}
	opts.Logger.Debug("Registered workers", "builtin", 5, "external", len(opts.Externals))
	return nil
}

// Unconfigured tells the user no program is bound to a kind and exits the loop.
type Unconfigured struct {
	kind worker.Kind
	deps worker.Deps
}

// NewUnconfigured returns a factory for kind.
func NewUnconfigured(kind worker.Kind) worker.Factory {
	return func(d worker.Deps) (worker.Worker, error) {
		return &Unconfigured{kind: kind, deps: d}, nil
	}
}

func (w *Unconfigured) Kind() worker.Kind { return w.kind }

func (w *Unconfigured) Run(ctx context.Context) (worker.Result, error) {
	msg := fmt.Sprintf("No worker is configured for **%s**. Bind it to a program in workers.yaml and run again.", w.kind)
	if err := w.deps.UI.Send(ctx, msg); err != nil {
		return worker.Result{}, err
	}
	return worker.Exit(), nil
}

// logger returns d.Logger or a no-op logger.
func logger(d worker.Deps) *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.NewNop()
}
