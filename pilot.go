package pilot

import (
	"context"
	"log/slog"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/metrics"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/orchestrator"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/workers"
)

// Version is the release of this module.
const Version = "0.4.0"

// Engine is the high-level entry point for embedding the build loop.
// It wires a state store, a worker registry and a UI into an orchestrator.
type Engine struct {
	store    *statestore.Store
	registry *worker.Registry
	ui       ports.UI

	workerOpts  workers.Options
	overrides   map[worker.Kind]worker.Factory
	hooks       orchestrator.Hooks
	metrics     *metrics.Metrics
	watch       ports.Watchable
	maxTurns    int
	concurrency int
	logger      *slog.Logger
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets the logger passed down to the orchestrator and workers.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHooks registers observability hooks.
func WithHooks(hooks orchestrator.Hooks) Option {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithMetrics records worker runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithWorkers configures the built-in and external workers.
func WithWorkers(opts workers.Options) Option {
	return func(e *Engine) {
		e.workerOpts = opts
	}
}

// WithWorker replaces the worker for one kind after the defaults are installed.
func WithWorker(kind worker.Kind, factory worker.Factory) Option {
	return func(e *Engine) {
		if e.overrides == nil {
			e.overrides = map[worker.Kind]worker.Factory{}
		}
		e.overrides[kind] = factory
	}
}

// WithWatcher re-imports the workspace when it changes between turns.
func WithWatcher(w ports.Watchable) Option {
	return func(e *Engine) {
		e.watch = w
	}
}

// WithMaxTurns stops Run after n turns. Zero means no limit.
func WithMaxTurns(n int) Option {
	return func(e *Engine) {
		e.maxTurns = n
	}
}

// WithConcurrency bounds how many fan-out workers run at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		e.concurrency = n
	}
}

// New creates an Engine over store. The store must have a project created or
// loaded before Run.
func New(store *statestore.Store, ui ports.UI, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    store,
		registry: worker.NewRegistry(),
		ui:       ui,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workerOpts.Logger == nil {
		e.workerOpts.Logger = e.logger
	}
	if err := workers.Register(e.registry, e.workerOpts); err != nil {
		return nil, err
	}
	for kind, factory := range e.overrides {
		if err := e.registry.Replace(kind, factory); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Registry returns the worker registry.
func (e *Engine) Registry() *worker.Registry { return e.registry }

// Store returns the state store.
func (e *Engine) Store() *statestore.Store { return e.store }

// Run drives the build loop until a worker exits, the turn limit is reached or
// ctx is cancelled. Anything but a clean exit or the turn limit rolls back the
// unfinished turn.
func (e *Engine) Run(ctx context.Context) error {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(e.logger),
		orchestrator.WithHooks(e.hooks),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithMaxTurns(e.maxTurns),
	}
	if e.watch != nil {
		opts = append(opts, orchestrator.WithWatcher(e.watch))
	}
	if e.concurrency > 0 {
		opts = append(opts, orchestrator.WithConcurrency(e.concurrency))
	}
	return orchestrator.New(e.store, e.registry, e.ui, opts...).Run(ctx)
}
