package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/process"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// Exit codes an external program uses to ask for a retry.
const (
	ExitTempFail    = 75 // EX_TEMPFAIL: retried with backoff
	ExitAuthExpired = 77 // EX_NOPERM: retried once the user confirms
)

// Envelope is written as JSON to an external program's stdin.
type Envelope struct {
	Kind          worker.Kind           `json:"kind"`
	Prev          *worker.Result        `json:"prev,omitempty"`
	StepID        string                `json:"step_id,omitempty"`
	Attempt       int                   `json:"attempt"`
	Feedback      []string              `json:"feedback,omitempty"`
	Snapshot      domain.SnapshotRecord `json:"snapshot"`
	Specification *domain.Specification `json:"specification"`
	Files         []EnvelopeFile        `json:"files"`
}

// EnvelopeFile lists a tracked file without its content; the program reads the
// workspace directly.
type EnvelopeFile struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Response is what an external program prints on stdout.
type Response struct {
	Result worker.Result    `json:"result"`
	Ops    []map[string]any `json:"ops"`
}

// External runs a configured program for one kind.
type External struct {
	kind   worker.Kind
	cfg    process.WorkerConfig
	runner *process.Runner
	loop   *retry.Loop
	deps   worker.Deps
}

// NewExternal returns a factory for kind backed by cfg.
func NewExternal(kind worker.Kind, cfg process.WorkerConfig, runner *process.Runner, loop *retry.Loop) worker.Factory {
	return func(d worker.Deps) (worker.Worker, error) {
		return &External{kind: kind, cfg: cfg, runner: runner, loop: loop, deps: d}, nil
	}
}

func (w *External) Kind() worker.Kind { return w.kind }

type decoded struct {
	result worker.Result
	ops    []Op
}

func (w *External) Run(ctx context.Context) (worker.Result, error) {
	log := logger(w.deps).With("command", w.cfg.Command)
	reqLog, _ := w.deps.State.(interface {
		LogRequest(ctx context.Context, l ports.RequestLog)
	})

	out, err := retry.Do(ctx, w.loop, func(ctx context.Context, a retry.Attempt) (decoded, error) {
		start := time.Now()
		d, err := w.call(ctx, a)
		if reqLog != nil {
			entry := ports.RequestLog{Worker: string(w.kind), Attempt: a.Number, Duration: time.Since(start)}
			if err != nil {
				entry.Class = retry.Classify(err).String()
				entry.Error = err.Error()
			}
			reqLog.LogRequest(ctx, entry)
		}
		return d, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return worker.Result{}, ctx.Err()
		}
		log.Warn("External worker failed", "err", err)
		return retry.ToResult(w.kind, err), nil
	}

	if err := Apply(ctx, w.deps.State, w.deps.Step, out.ops); err != nil {
		return worker.Error(err.Error(), map[string]any{"worker": string(w.kind)}), nil
	}
	if out.result.Type == "" {
		out.result.Type = worker.ResultDone
	}
	log.Debug("External worker finished", "result", out.result.String(), "ops", len(out.ops))
	return out.result, nil
}

func (w *External) call(ctx context.Context, a retry.Attempt) (decoded, error) {
	stdin, err := json.Marshal(w.envelope(a))
	if err != nil {
		return decoded{}, retry.NewFatal(fmt.Errorf("failed to encode envelope: %w", err))
	}

	res, err := w.runner.Run(ctx, process.Request{
		Argv:    w.cfg.Argv(),
		Stdin:   stdin,
		Timeout: time.Duration(w.cfg.Timeout),
		Env:     w.cfg.Env(),
	})
	if err != nil {
		return decoded{}, err
	}
	switch {
	case res.TimedOut:
		return decoded{}, retry.NewTransient(fmt.Errorf("%s timed out", w.cfg.Command))
	case res.ExitCode == ExitTempFail:
		return decoded{}, retry.NewTransient(exitError(res))
	case res.ExitCode == ExitAuthExpired:
		return decoded{}, retry.NewAuthExpired(exitError(res))
	case res.Failed():
		return decoded{}, retry.NewFatal(exitError(res))
	}

	var resp Response
	if err := res.JSON(&resp); err != nil {
		return decoded{}, retry.NewValidationFailed(err, "stdout must be a single JSON object with \"result\" and \"ops\"")
	}
	if resp.Result.Type != "" && !resp.Result.Type.Valid() {
		err := fmt.Errorf("unknown result type %q", resp.Result.Type)
		return decoded{}, retry.NewValidationFailed(err, err.Error())
	}
	ops, err := DecodeOps(resp.Ops)
	if err != nil {
		return decoded{}, retry.NewValidationFailed(err, err.Error())
	}
	return decoded{result: resp.Result, ops: ops}, nil
}

func (w *External) envelope(a retry.Attempt) Envelope {
	next := w.deps.State.Next()
	rec, _ := next.Record()
	env := Envelope{
		Kind:          w.kind,
		Prev:          w.deps.Prev,
		Attempt:       a.Number,
		Feedback:      a.Feedback,
		Snapshot:      rec,
		Specification: next.Specification(),
	}
	if w.deps.Step != nil {
		env.StepID = w.deps.Step.ID
	}
	for _, f := range next.Files() {
		env.Files = append(env.Files, EnvelopeFile{Path: f.Path, Description: f.Description()})
	}
	return env
}

func exitError(res process.Output) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = "no output on stderr"
	}
	return fmt.Errorf("exit code %d: %s", res.ExitCode, msg)
}
