/*
Package orchestrator drives a build by repeatedly choosing and running workers.

Each turn the orchestrator derives the next worker from the committed snapshot and
the previous result (Dispatch), runs it (several at once for independent file
writes), and folds the outcome (Reduce). A Done result commits the turn; any other
tag is fed back into the next dispatch without committing.

# Lifecycle

  - Run loops until a worker returns Exit, the context is cancelled or a fatal error occurs.
  - On cancellation or fatal error the open unit of work is rolled back.
  - When the workspace can be watched, edits made outside the loop are imported
    before the next dispatch.
*/
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/metrics"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// ErrTurnLimit is returned when the loop stops because WithMaxTurns was reached.
var ErrTurnLimit = errors.New("turn limit reached")

// StateStore is the part of the state store the orchestrator needs.
type StateStore interface {
	worker.State
	Commit(ctx context.Context) (*domain.Snapshot, error)
	Rollback(ctx context.Context) error
	ImportFiles(ctx context.Context) (imported, removed []string, err error)
}

// Orchestrator runs the worker loop for one loaded project.
type Orchestrator struct {
	store       StateStore
	registry    *worker.Registry
	ui          ports.UI
	watch       ports.Watchable
	hooks       Hooks
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxTurns    int
	concurrency int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithHooks sets lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) {
		o.hooks = h
	}
}

// WithMetrics records worker runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithWatcher imports external workspace edits signaled by w.
func WithWatcher(w ports.Watchable) Option {
	return func(o *Orchestrator) {
		o.watch = w
	}
}

// WithMaxTurns stops the loop after n turns. Zero means no limit.
func WithMaxTurns(n int) Option {
	return func(o *Orchestrator) {
		o.maxTurns = n
	}
}

// WithConcurrency bounds how many fanned-out workers run at once. Values below one
// leave fan-out unbounded.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// New creates an Orchestrator.
func New(store StateStore, registry *worker.Registry, ui ports.UI, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		registry:    registry,
		ui:          ui,
		logger:      logging.NewNop(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes turns until a worker exits. Any error leaves the store rolled back.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if err == nil || errors.Is(err, ErrTurnLimit) {
			return
		}
		if rbErr := o.store.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			o.logger.Warn("Rollback failed", "err", rbErr)
		}
	}()

	var dirty atomic.Bool
	if o.watch != nil {
		changes, werr := o.watch.Watch(ctx)
		if werr != nil {
			o.logger.Warn("Workspace watching disabled", "err", werr)
		} else {
			go func() {
				for range changes {
					dirty.Store(true)
				}
			}()
		}
	}

	var prev *worker.Result
	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.maxTurns > 0 && turn > o.maxTurns {
			o.logger.Info("Turn limit reached", "turns", o.maxTurns)
			return ErrTurnLimit
		}

		if dirty.Swap(false) {
			if _, _, err := o.store.ImportFiles(ctx); err != nil {
				return fmt.Errorf("failed to import workspace changes: %w", err)
			}
		}

		current := o.store.Current()
		plan, err := Dispatch(current, prev)
		if err != nil {
			return err
		}
		phase := PhaseOf(current, prev)
		o.logger.Debug("Dispatching",
			"turn", turn,
			"phase", phase,
			"kind", plan.Kind,
			"workers", max(1, len(plan.Steps)),
		)

		results, err := o.runPlan(ctx, plan, prev, phase)
		if err != nil {
			return err
		}
		result := Reduce(results)

		switch result.Type {
		case worker.ResultExit:
			o.logger.Info("Exiting", "worker", result.Worker)
			return nil

		case worker.ResultDone:
			next, err := o.afterDone(ctx)
			if err != nil {
				return err
			}
			prev = next

		default:
			o.logger.Debug("Feeding back result", "result", result.String(), "worker", result.Worker)
			prev = &result
		}
	}
}

// afterDone commits the turn, imports the workspace and checks for unannotated files.
func (o *Orchestrator) afterDone(ctx context.Context) (*worker.Result, error) {
	committed, err := o.store.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if o.hooks.OnCommit != nil {
		o.hooks.OnCommit(ctx, &CommitEvent{
			EventBase: EventBase{Timestamp: time.Now(), Type: EventCommit, StateID: committed.ID},
			StepIndex: committed.StepIndex,
			Action:    committed.Action(),
		})
	}

	if _, _, err := o.store.ImportFiles(ctx); err != nil {
		return nil, fmt.Errorf("failed to import workspace: %w", err)
	}
	if missing := o.store.Next().FilesMissingDescription(); len(missing) > 0 {
		r := worker.DescribeFiles(missing...)
		return &r, nil
	}
	return nil, nil
}

func (o *Orchestrator) runPlan(ctx context.Context, plan Plan, prev *worker.Result, phase Phase) ([]worker.Result, error) {
	if len(plan.Steps) <= 1 {
		var step *domain.Step
		if len(plan.Steps) == 1 {
			step = &plan.Steps[0]
		}
		r, err := o.runOne(ctx, plan.Kind, prev, step, phase)
		if err != nil {
			return nil, err
		}
		return []worker.Result{r}, nil
	}

	results := make([]worker.Result, len(plan.Steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := range plan.Steps {
		step := plan.Steps[i]
		g.Go(func() error {
			r, err := o.runOne(gctx, plan.Kind, prev, &step, phase)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) runOne(ctx context.Context, kind worker.Kind, prev *worker.Result, step *domain.Step, phase Phase) (worker.Result, error) {
	logger := o.logger.With("worker", kind)
	var stepID string
	if step != nil {
		stepID = step.ID
		logger = logger.With("step_id", step.ID)
	}

	w, err := o.registry.Resolve(kind, worker.Deps{
		State:  o.store,
		UI:     o.ui,
		Prev:   prev,
		Step:   step,
		Logger: logger,
	})
	if err != nil {
		return worker.Result{}, err
	}

	stateID := ""
	if cur := o.store.Current(); cur != nil {
		stateID = cur.ID
	}
	if o.hooks.OnWorkerStart != nil {
		o.hooks.OnWorkerStart(ctx, &WorkerEvent{
			EventBase: EventBase{Timestamp: time.Now(), Type: EventWorkerStart, StateID: stateID},
			Kind:      kind,
			Phase:     phase,
			StepID:    stepID,
		})
	}

	start := time.Now()
	res, err := w.Run(ctx)
	elapsed := time.Since(start)
	if err == nil && !res.Type.Valid() {
		err = fmt.Errorf("worker %s returned %w %q", kind, ErrUnknownResultType, res.Type)
	}
	if res.Worker == "" {
		res = res.From(kind)
	}

	if o.hooks.OnWorkerFinish != nil {
		ev := &WorkerEvent{
			EventBase: EventBase{Timestamp: time.Now(), Type: EventWorkerFinish, StateID: stateID},
			Kind:      kind,
			Phase:     phase,
			StepID:    stepID,
			Duration:  elapsed,
			Err:       err,
		}
		if err == nil {
			ev.Result = &res
		}
		o.hooks.OnWorkerFinish(ctx, ev)
	}
	if err != nil {
		o.metrics.WorkerRun(string(kind), "fatal", elapsed)
		return worker.Result{}, fmt.Errorf("worker %s: %w", kind, err)
	}
	o.metrics.WorkerRun(string(kind), string(res.Type), elapsed)
	logger.Debug("Worker finished", "result", res.String(), "duration", elapsed)
	return res, nil
}
