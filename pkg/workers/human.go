package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

const (
	answerContinue = "continue"
	answerRetry    = "retry"
	answerQuit     = "quit"
)

// HumanIntervention asks the user to do something by hand: either a
// human_intervention step or the locations of an InputRequired result.
type HumanIntervention struct {
	deps worker.Deps
}

// NewHumanIntervention returns a factory for HumanIntervention workers.
func NewHumanIntervention() worker.Factory {
	return func(d worker.Deps) (worker.Worker, error) {
		return &HumanIntervention{deps: d}, nil
	}
}

func (w *HumanIntervention) Kind() worker.Kind { return worker.KindHumanIntervention }

func (w *HumanIntervention) Run(ctx context.Context) (worker.Result, error) {
	var (
		text string
		step *domain.Step
	)
	if prev := w.deps.Prev; prev != nil && prev.Is(worker.ResultInputRequired) {
		text = inputRequiredText(*prev)
	} else {
		st, ok := currentStep(w.deps)
		if !ok {
			return worker.Errorf("nothing requires human intervention"), nil
		}
		payload, _ := st.HumanIntervention()
		text = "I need human intervention:\n\n" + payload.Description
		step = &st
	}

	answer, err := w.deps.UI.Ask(ctx, ports.Question{
		Text:    text,
		Options: []string{answerContinue},
		Default: answerContinue,
		Hint:    "Press enter when you are done.",
	})
	if err != nil {
		return worker.Result{}, err
	}
	if answer.Cancelled {
		return worker.Cancel(), nil
	}

	if step != nil {
		if err := w.deps.State.Next().CompleteStepByID(step.ID); err != nil {
			return worker.Result{}, err
		}
	}
	return worker.Done(), nil
}

func inputRequiredText(r worker.Result) string {
	var b strings.Builder
	if r.Message != "" {
		b.WriteString(r.Message)
		b.WriteString("\n\n")
	}
	b.WriteString("Please check these locations and edit them if needed:\n")
	for _, loc := range r.Locations {
		if loc.Line > 0 {
			fmt.Fprintf(&b, "\n- `%s:%d`", loc.File, loc.Line)
		} else {
			fmt.Fprintf(&b, "\n- `%s`", loc.File)
		}
	}
	return b.String()
}

// DefaultMaxRecoveries is the number of retries Recovery offers for one failing
// step before it gives up.
const DefaultMaxRecoveries = 3

// recoveryKey is the knowledge base entry counting consecutive recoveries.
const recoveryKey = "recovery"

// Recovery handles Error and Cancel results. Cancel exits; an error is shown and the
// user decides between retrying and quitting. Retries of the same step are counted
// in the knowledge base and the loop exits once the bound is exceeded. Without a
// person at the UI the default answer is to quit.
type Recovery struct {
	deps worker.Deps
	max  int
}

// NewRecovery returns a factory for Recovery workers allowing limit retries per step.
func NewRecovery(limit int) worker.Factory {
	if limit <= 0 {
		limit = DefaultMaxRecoveries
	}
	return func(d worker.Deps) (worker.Worker, error) {
		return &Recovery{deps: d, max: limit}, nil
	}
}

func (w *Recovery) Kind() worker.Kind { return worker.KindRecovery }

func (w *Recovery) Run(ctx context.Context) (worker.Result, error) {
	prev := w.deps.Prev
	if prev == nil || prev.Is(worker.ResultCancel) {
		return worker.Exit(), nil
	}

	text := fmt.Sprintf("**%s** failed: %s", prev.Worker, prev.Message)
	if stderr, _ := prev.Details["stderr"].(string); strings.TrimSpace(stderr) != "" {
		text += "\n\n```\n" + strings.TrimSpace(stderr) + "\n```"
	}

	next := w.deps.State.Next()
	target := w.target(next)
	attempts := recoveryAttempts(next.Knowledge(), target) + 1
	if attempts > w.max {
		logger(w.deps).Warn("Giving up after repeated failures", "worker", prev.Worker, "target", target, "retries", w.max)
		msg := fmt.Sprintf("%s\n\nGiving up after %d retries.", text, w.max)
		if err := w.deps.UI.Send(ctx, msg); err != nil {
			return worker.Result{}, err
		}
		return worker.Exit(), nil
	}

	def := answerRetry
	if ui, ok := w.deps.UI.(ports.Interactive); ok && !ui.Interactive() {
		def = answerQuit
	}
	answer, err := w.deps.UI.Ask(ctx, ports.Question{
		Text:    text,
		Options: []string{answerRetry, answerQuit},
		Default: def,
		Hint:    fmt.Sprintf("retry %d of %d", attempts, w.max),
	})
	if err != nil {
		return worker.Result{}, err
	}
	if answer.Cancelled || answer.Text == answerQuit {
		return worker.Exit(), nil
	}
	if err := next.SetKnowledge(recoveryKey, map[string]any{"target": target, "attempts": attempts}); err != nil {
		return worker.Result{}, err
	}
	logger(w.deps).Info("Retrying after failure", "worker", prev.Worker, "attempt", attempts)
	return worker.Done(), nil
}

// target names what is being retried: the current step, else the current task,
// else the failing worker.
func (w *Recovery) target(next *domain.Snapshot) string {
	if w.deps.Step != nil && w.deps.Step.ID != "" {
		return "step:" + w.deps.Step.ID
	}
	if st, ok := next.CurrentStep(); ok {
		return "step:" + st.ID
	}
	if task, ok := next.CurrentTask(); ok {
		return "task:" + task.ID
	}
	return "worker:" + string(w.deps.Prev.Worker)
}

// recoveryAttempts reads the counter for target. Counters survive a round trip
// through JSON, so numbers may come back as float64.
func recoveryAttempts(knowledge map[string]any, target string) int {
	entry, ok := knowledge[recoveryKey].(map[string]any)
	if !ok || entry["target"] != target {
		return 0
	}
	switch n := entry["attempts"].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// TaskCompletion marks the current task done; the last task also completes its epic.
type TaskCompletion struct {
	deps worker.Deps
}

// NewTaskCompletion returns a factory for TaskCompletion workers.
func NewTaskCompletion() worker.Factory {
	return func(d worker.Deps) (worker.Worker, error) {
		return &TaskCompletion{deps: d}, nil
	}
}

func (w *TaskCompletion) Kind() worker.Kind { return worker.KindTaskCompletion }

func (w *TaskCompletion) Run(ctx context.Context) (worker.Result, error) {
	next := w.deps.State.Next()
	task, ok := next.CurrentTask()
	if !ok {
		return worker.Errorf("no task to complete"), nil
	}
	number := 1
	for i, t := range next.Tasks() {
		if t.ID == task.ID {
			number = i + 1
		}
	}
	if err := next.CompleteTask(); err != nil {
		return worker.Result{}, err
	}
	if err := next.SetAction(fmt.Sprintf("Task #%d complete", number)); err != nil {
		return worker.Result{}, err
	}
	if err := w.deps.UI.Send(ctx, fmt.Sprintf("Task completed: %s", task.Description)); err != nil {
		return worker.Result{}, err
	}
	return worker.Done(), nil
}
