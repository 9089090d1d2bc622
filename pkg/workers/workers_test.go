package workers_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/file"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/memory"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/process"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedUI struct {
	mu      sync.Mutex
	sent    []string
	asked   []ports.Question
	answers []ports.Answer
}

func (u *scriptedUI) Send(_ context.Context, msg string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, msg)
	return nil
}

func (u *scriptedUI) Ask(_ context.Context, q ports.Question) (ports.Answer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.asked = append(u.asked, q)
	if len(u.answers) == 0 {
		return ports.Answer{Text: q.Default}, nil
	}
	a := u.answers[0]
	u.answers = u.answers[1:]
	return a, nil
}

type fixture struct {
	repo  *memory.Repository
	store *statestore.Store
	dir   string
	ui    *scriptedUI
}

// newFixture commits a project positioned at the given steps.
func newFixture(t *testing.T, tasks []domain.Task, steps ...domain.Step) *fixture {
	t.Helper()
	dir := t.TempDir()
	tree, err := file.New(dir)
	require.NoError(t, err)
	repo := memory.NewRepository()
	store := statestore.New(repo, tree)
	ctx := context.Background()
	_, err = store.CreateProject(ctx, "workers")
	require.NoError(t, err)

	if tasks == nil {
		tasks = []domain.Task{{Description: "first"}}
	}
	next := store.Next()
	require.NoError(t, next.SetEpics([]domain.Epic{{Name: "Initial", Source: "app"}}))
	require.NoError(t, next.SetTasks(tasks))
	require.NoError(t, next.SetSteps(steps))
	_, err = store.Commit(ctx)
	require.NoError(t, err)
	return &fixture{repo: repo, store: store, dir: dir, ui: &scriptedUI{}}
}

func (f *fixture) deps(prev *worker.Result) worker.Deps {
	d := worker.Deps{State: f.store, UI: f.ui, Prev: prev}
	if st, ok := f.store.Current().CurrentStep(); ok {
		d.Step = &st
	}
	return d
}

func run(t *testing.T, factory worker.Factory, d worker.Deps) worker.Result {
	t.Helper()
	w, err := factory(d)
	require.NoError(t, err)
	res, err := w.Run(context.Background())
	require.NoError(t, err)
	return res
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
}

func TestRegister(t *testing.T) {
	reg := worker.NewRegistry()
	err := workers.Register(reg, workers.Options{
		Externals: map[string]process.WorkerConfig{
			"breakdown": {Kind: "breakdown", Command: "true"},
			"command":   {Kind: "command", Command: "true"},
		},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, worker.Kinds(), reg.Kinds(), "every kind has a worker")

	for kind, want := range map[worker.Kind]any{
		worker.KindBreakdown:      &workers.External{},
		worker.KindCommand:        &workers.External{},
		worker.KindFileWrite:      &workers.FileWrite{},
		worker.KindRecovery:       &workers.Recovery{},
		worker.KindTaskCompletion: &workers.TaskCompletion{},
		worker.KindPlanning:       &workers.Unconfigured{},
	} {
		w, err := reg.Resolve(kind, worker.Deps{})
		require.NoError(t, err)
		assert.IsType(t, want, w, string(kind))
		assert.Equal(t, kind, w.Kind())
	}

	err = workers.Register(worker.NewRegistry(), workers.Options{
		Externals: map[string]process.WorkerConfig{"astrology": {Kind: "astrology", Command: "true"}},
	})
	assert.ErrorContains(t, err, "astrology")
}

func TestCommand(t *testing.T) {
	skipOnWindows(t)

	t.Run("success completes the step", func(t *testing.T) {
		f := newFixture(t, nil, domain.Step{Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "echo ok > built.txt", SuccessMessage: "Built"}})
		factory := workers.NewCommand(process.NewRunner(process.WithBaseDir(f.dir)))

		res := run(t, factory, f.deps(nil))
		assert.Equal(t, worker.ResultDone, res.Type)
		_, pending := f.store.Next().CurrentStep()
		assert.False(t, pending)
		assert.Equal(t, []string{"Built"}, f.ui.sent)
		_, err := os.Stat(filepath.Join(f.dir, "built.txt"))
		assert.NoError(t, err)

		logs := f.repo.CommandLogs()
		require.Len(t, logs, 1)
		assert.Equal(t, "success", logs[0].Status)
		assert.Equal(t, f.dir, logs[0].Cwd)
	})

	t.Run("failure is an error result", func(t *testing.T) {
		f := newFixture(t, nil, domain.Step{Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "echo broken >&2; exit 2"}})
		res := run(t, workers.NewCommand(process.NewRunner()), f.deps(nil))

		assert.Equal(t, worker.ResultError, res.Type)
		assert.Equal(t, 2, res.Details["exit_code"])
		assert.Equal(t, "broken\n", res.Details["stderr"])
		_, pending := f.store.Next().CurrentStep()
		assert.True(t, pending, "a failed command stays pending")
		assert.Equal(t, "failed", f.repo.CommandLogs()[0].Status)
	})

	t.Run("timeout is an error result", func(t *testing.T) {
		f := newFixture(t, nil, domain.Step{Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "sleep 10", Timeout: 1}})
		runner := process.NewRunner(process.WithGracePeriod(100 * time.Millisecond))
		res := run(t, workers.NewCommand(runner), f.deps(nil))

		assert.Equal(t, worker.ResultError, res.Type)
		assert.Equal(t, true, res.Details["timed_out"])
		assert.Equal(t, "timeout", f.repo.CommandLogs()[0].Status)
	})
}

func TestFileWrite(t *testing.T) {
	f := newFixture(t, nil,
		domain.Step{Kind: domain.StepSaveFile, Payload: domain.SaveFilePayload{Path: "src/app.js", Content: "console.log('hi')"}},
	)
	res := run(t, workers.NewFileWrite(), f.deps(nil))
	assert.Equal(t, worker.ResultDone, res.Type)

	data, err := os.ReadFile(filepath.Join(f.dir, "src", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(data))
	_, ok := f.store.Next().FileByPath("src/app.js")
	assert.True(t, ok)
	_, pending := f.store.Next().CurrentStep()
	assert.False(t, pending)

	empty := domain.Step{ID: "s1", Kind: domain.StepSaveFile, Payload: domain.SaveFilePayload{}}
	d := f.deps(nil)
	d.Step = &empty
	res = run(t, workers.NewFileWrite(), d)
	assert.Equal(t, worker.ResultError, res.Type)
}

func TestHumanIntervention(t *testing.T) {
	t.Run("input required lists the locations", func(t *testing.T) {
		f := newFixture(t, nil)
		prev := worker.InputRequired("Add your API key", worker.Location{File: "a.py", Line: 4}, worker.Location{File: ".env"})
		res := run(t, workers.NewHumanIntervention(), f.deps(&prev))

		assert.Equal(t, worker.ResultDone, res.Type)
		require.Len(t, f.ui.asked, 1)
		assert.Contains(t, f.ui.asked[0].Text, "Add your API key")
		assert.Contains(t, f.ui.asked[0].Text, "`a.py:4`")
		assert.Contains(t, f.ui.asked[0].Text, "`.env`")
	})

	t.Run("step is completed", func(t *testing.T) {
		f := newFixture(t, nil, domain.Step{Kind: domain.StepHumanIntervention, Payload: domain.HumanInterventionPayload{Description: "Create a database"}})
		res := run(t, workers.NewHumanIntervention(), f.deps(nil))

		assert.Equal(t, worker.ResultDone, res.Type)
		assert.Contains(t, f.ui.asked[0].Text, "Create a database")
		_, pending := f.store.Next().CurrentStep()
		assert.False(t, pending)
	})

	t.Run("cancelled answer cancels", func(t *testing.T) {
		f := newFixture(t, nil, domain.Step{Kind: domain.StepHumanIntervention})
		f.ui.answers = []ports.Answer{{Cancelled: true}}
		res := run(t, workers.NewHumanIntervention(), f.deps(nil))

		assert.Equal(t, worker.ResultCancel, res.Type)
		_, pending := f.store.Next().CurrentStep()
		assert.True(t, pending)
	})
}

type batchUI struct {
	scriptedUI
}

func (*batchUI) Interactive() bool { return false }

func TestRecovery(t *testing.T) {
	f := newFixture(t, nil)

	cancel := worker.Cancel()
	assert.Equal(t, worker.ResultExit, run(t, workers.NewRecovery(0), f.deps(&cancel)).Type)

	failed := worker.Error("npm install failed", map[string]any{"stderr": "ENOENT"}).From(worker.KindCommand)
	res := run(t, workers.NewRecovery(0), f.deps(&failed))
	assert.Equal(t, worker.ResultDone, res.Type, "the default answer retries")
	assert.Contains(t, f.ui.asked[0].Text, "ENOENT")

	f.ui.answers = []ports.Answer{{Text: "quit"}}
	assert.Equal(t, worker.ResultExit, run(t, workers.NewRecovery(0), f.deps(&failed)).Type)
}

func TestRecovery_GivesUpAfterBound(t *testing.T) {
	f := newFixture(t, nil, domain.Step{Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "false"}})
	failed := worker.Error("command failed", nil).From(worker.KindCommand)
	factory := workers.NewRecovery(2)

	for i := 0; i < 2; i++ {
		require.Equal(t, worker.ResultDone, run(t, factory, f.deps(&failed)).Type, "retry %d", i+1)
		_, err := f.store.Commit(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, f.ui.asked, 2)
	assert.Equal(t, "retry 2 of 2", f.ui.asked[1].Hint)

	assert.Equal(t, worker.ResultExit, run(t, factory, f.deps(&failed)).Type)
	assert.Len(t, f.ui.asked, 2, "no question once the bound is reached")
	require.NotEmpty(t, f.ui.sent)
	assert.Contains(t, f.ui.sent[len(f.ui.sent)-1], "Giving up after 2 retries")
}

func TestRecovery_CountsPerStep(t *testing.T) {
	f := newFixture(t, nil,
		domain.Step{ID: "s1", Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "false"}},
		domain.Step{ID: "s2", Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "false"}},
	)
	failed := worker.Error("command failed", nil).From(worker.KindCommand)
	factory := workers.NewRecovery(1)

	assert.Equal(t, worker.ResultDone, run(t, factory, f.deps(&failed)).Type)
	require.NoError(t, f.store.Next().CompleteStepByID("s1"))
	_, err := f.store.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, worker.ResultDone, run(t, factory, f.deps(&failed)).Type, "a new step starts a new count")
}

func TestRecovery_QuitsWithoutPerson(t *testing.T) {
	f := newFixture(t, nil)
	ui := &batchUI{}
	d := f.deps(nil)
	d.UI = ui
	failed := worker.Error("command failed", nil).From(worker.KindCommand)
	d.Prev = &failed

	assert.Equal(t, worker.ResultExit, run(t, workers.NewRecovery(0), d).Type)
	require.Len(t, ui.asked, 1)
	assert.Equal(t, "quit", ui.asked[0].Default)
}

func TestTaskCompletion(t *testing.T) {
	f := newFixture(t, []domain.Task{{ID: "t1", Description: "first"}, {ID: "t2", Description: "second"}},
		domain.Step{Kind: domain.StepCommand, Completed: true, Payload: domain.CommandPayload{Command: "true"}},
	)
	res := run(t, workers.NewTaskCompletion(), f.deps(nil))
	assert.Equal(t, worker.ResultDone, res.Type)

	next := f.store.Next()
	task, ok := next.CurrentTask()
	require.True(t, ok)
	assert.Equal(t, "t2", task.ID)
	assert.Empty(t, next.Steps())
	assert.Equal(t, "Task #1 complete", next.Action())
	assert.Equal(t, []string{"Task completed: first"}, f.ui.sent)
}

func TestUnconfigured(t *testing.T) {
	f := newFixture(t, nil)
	res := run(t, workers.NewUnconfigured(worker.KindPlanning), f.deps(nil))
	assert.Equal(t, worker.ResultExit, res.Type)
	require.Len(t, f.ui.sent, 1)
	assert.True(t, strings.Contains(f.ui.sent[0], "planning"))
}

func noSleep(context.Context, time.Duration) error { return nil }

func external(f *fixture, kind worker.Kind, script string, opts ...retry.Option) worker.Factory {
	cfg := process.WorkerConfig{Kind: string(kind), Command: "sh", Args: []string{"-c", script}}
	loop := retry.NewLoop(append([]retry.Option{retry.WithSleep(noSleep)}, opts...)...)
	return workers.NewExternal(kind, cfg, process.NewRunner(process.WithBaseDir(f.dir)), loop)
}

func TestExternal_AppliesOps(t *testing.T) {
	skipOnWindows(t)
	f := newFixture(t, nil)
	script := `cat > envelope.json
cat <<'EOF'
{"result": {"type": "done"}, "ops": [
  {"op": "set_specification", "specification": {"description": "A todo app", "complexity": "simple"}},
  {"op": "save_file", "path": "README.md", "content": "# Todo", "description": "readme"},
  {"op": "set_steps", "steps": [{"type": "command", "command": {"command": "npm test", "timeout": 30}}]},
  {"op": "set_knowledge", "key": "pages", "value": ["home"]},
  {"op": "set_action", "action": "Planned"}
]}
EOF`
	res := run(t, external(f, worker.KindPlanning, script), f.deps(nil))
	assert.Equal(t, worker.ResultDone, res.Type)

	next := f.store.Next()
	assert.Equal(t, "A todo app", next.Specification().Description)
	assert.Equal(t, "Planned", next.Action())
	readme, ok := next.FileByPath("README.md")
	require.True(t, ok)
	assert.Equal(t, "readme", readme.Description())
	step, ok := next.CurrentStep()
	require.True(t, ok)
	cmd, ok := step.Command()
	require.True(t, ok)
	assert.Equal(t, domain.CommandPayload{Command: "npm test", Timeout: 30}, cmd)
	assert.Equal(t, []any{"home"}, next.Knowledge()["pages"])

	// The program saw the state it was asked to work on.
	envelope, err := os.ReadFile(filepath.Join(f.dir, "envelope.json"))
	require.NoError(t, err)
	assert.Contains(t, string(envelope), `"kind":"planning"`)
	assert.Len(t, f.repo.RequestLogs(), 1)
}

func TestExternal_RetriesInvalidOutput(t *testing.T) {
	skipOnWindows(t)
	f := newFixture(t, nil)
	script := `if [ -f seen ]; then
  cat > second.json
  echo '{"result": {"type": "input_required", "locations": [{"file": "a.py", "line": 4}]}}'
else
  touch seen
  echo 'not json'
fi`
	res := run(t, external(f, worker.KindCodeReview, script), f.deps(nil))
	assert.Equal(t, worker.ResultInputRequired, res.Type)
	assert.Equal(t, []worker.Location{{File: "a.py", Line: 4}}, res.Locations)

	second, err := os.ReadFile(filepath.Join(f.dir, "second.json"))
	require.NoError(t, err)
	assert.Contains(t, string(second), `"attempt":2`)
	assert.Contains(t, string(second), `"feedback":[`)

	logs := f.repo.RequestLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "validation_failed", logs[0].Class)
}

func TestExternal_Failures(t *testing.T) {
	skipOnWindows(t)

	t.Run("temporary failures are retried then reported", func(t *testing.T) {
		f := newFixture(t, nil)
		policy := retry.DefaultPolicy()
		policy.MaxAttempts = 2
		res := run(t, external(f, worker.KindBugHunt, "echo busy >&2; exit 75", retry.WithPolicy(policy)), f.deps(nil))

		assert.Equal(t, worker.ResultError, res.Type)
		assert.Equal(t, true, res.Details["exhausted"])
		assert.Len(t, f.repo.RequestLogs(), 2)
	})

	t.Run("other exit codes are not retried", func(t *testing.T) {
		f := newFixture(t, nil)
		res := run(t, external(f, worker.KindBugHunt, "echo crash >&2; exit 1"), f.deps(nil))

		assert.Equal(t, worker.ResultError, res.Type)
		assert.Contains(t, res.Message, "crash")
		assert.Len(t, f.repo.RequestLogs(), 1)
	})

	t.Run("invalid ops leave the snapshot alone", func(t *testing.T) {
		f := newFixture(t, nil)
		policy := retry.DefaultPolicy()
		policy.MaxValidationRetries = 0
		script := `echo '{"ops": [{"op": "set_action", "action": "x"}, {"op": "teleport"}]}'`
		res := run(t, external(f, worker.KindBugHunt, script, retry.WithPolicy(policy)), f.deps(nil))

		assert.Equal(t, worker.ResultError, res.Type)
		assert.Equal(t, "", f.store.Next().Action())
	})
}
