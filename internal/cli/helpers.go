package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/orchestrator"
)

// SignalContext wraps a context and captures the signal that cancelled it.
type SignalContext struct {
	context.Context
	Cancel func()
	start  sync.Once
	stop   sync.Once
	sigCh  chan os.Signal
	sigVal os.Signal
	mu     sync.Mutex
}

// NewSignalContext creates a context that is cancelled on SIGINT or SIGTERM.
// It acts as a drop-in replacement for signal.NotifyContext but allows retrieving the signal.
func NewSignalContext(parent context.Context) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{
		Context: ctx,
		Cancel:  cancel,
		sigCh:   make(chan os.Signal, 1),
	}

	sc.start.Do(func() {
		signal.Notify(sc.sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sc.sigCh:
				sc.mu.Lock()
				sc.sigVal = sig
				sc.mu.Unlock()
				sc.Cancel()
			case <-sc.Context.Done():
			}
			sc.stop.Do(func() {
				signal.Stop(sc.sigCh)
			})
		}()
	})

	return sc
}

// Signal returns the signal that caused the context to be cancelled, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sigVal
}

// NewLogger creates the application logger on stderr. Quiet discards everything.
func NewLogger(level slog.Level, format logging.Format, quiet bool) *slog.Logger {
	if quiet {
		return logging.NewNop()
	}
	if format == logging.FormatJSON {
		return logging.NewWithWriter(os.Stderr, level, format)
	}
	return logging.New(level)
}

// printSystemMessage prints a standardized system message.
func printSystemMessage(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, ">>> %s\n", fmt.Sprintf(format, args...))
}

// debugHooks logs every orchestrator event.
func debugHooks(logger *slog.Logger) orchestrator.Hooks {
	return orchestrator.Hooks{
		OnWorkerStart: func(ctx context.Context, e *orchestrator.WorkerEvent) {
			logger.Debug("Worker start", "kind", e.Kind, "phase", e.Phase, "step_id", e.StepID)
		},
		OnWorkerFinish: func(ctx context.Context, e *orchestrator.WorkerEvent) {
			if e.Err != nil {
				logger.Debug("Worker failed", "kind", e.Kind, "duration", e.Duration, "err", e.Err)
				return
			}
			var result string
			if e.Result != nil {
				result = e.Result.String()
			}
			logger.Debug("Worker finish", "kind", e.Kind, "duration", e.Duration, "result", result)
		},
		OnCommit: func(ctx context.Context, e *orchestrator.CommitEvent) {
			logger.Debug("Committed", "state_id", e.StateID, "step_index", e.StepIndex, "action", e.Action)
		},
	}
}

// mergeHooks calls every non-nil hook in order.
func mergeHooks(hooks ...orchestrator.Hooks) orchestrator.Hooks {
	var out orchestrator.Hooks
	for _, h := range hooks {
		if h.OnWorkerStart != nil {
			prev := out.OnWorkerStart
			out.OnWorkerStart = func(ctx context.Context, e *orchestrator.WorkerEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				h.OnWorkerStart(ctx, e)
			}
		}
		if h.OnWorkerFinish != nil {
			prev := out.OnWorkerFinish
			out.OnWorkerFinish = func(ctx context.Context, e *orchestrator.WorkerEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				h.OnWorkerFinish(ctx, e)
			}
		}
		if h.OnCommit != nil {
			prev := out.OnCommit
			out.OnCommit = func(ctx context.Context, e *orchestrator.CommitEvent) {
				if prev != nil {
					prev(ctx, e)
				}
				h.OnCommit(ctx, e)
			}
		}
	}
	return out
}

func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

// handleExecutionError turns an interruption into a clean exit.
func handleExecutionError(err error) error {
	if err == nil || isInterrupted(err) || errors.Is(err, orchestrator.ErrTurnLimit) {
		return nil
	}
	return err
}

func logCompletion(w io.Writer, stepIndex int, err error, sig os.Signal) {
	switch {
	case err == nil:
		printSystemMessage(w, "Stopped after step %d.", stepIndex)
	case errors.Is(err, orchestrator.ErrTurnLimit):
		printSystemMessage(w, "Turn limit reached at step %d.", stepIndex)
	case sig == os.Interrupt:
		fmt.Fprintf(w, "[CTRL+C]\n")
		printSystemMessage(w, "Interrupted at step %d; the unfinished turn was discarded.", stepIndex)
	case sig != nil:
		fmt.Fprintln(w)
		printSystemMessage(w, "Terminated at step %d; the unfinished turn was discarded.", stepIndex)
	case isInterrupted(err):
		printSystemMessage(w, "Interrupted at step %d.", stepIndex)
	default:
		printSystemMessage(w, "Failed at step %d: %v", stepIndex, err)
	}
}
