package cli

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/config"
	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/orchestrator"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
)

type recordUI struct {
	mu    sync.Mutex
	sent  []string
	asked []ports.Question
	// answer replaces the default whenever it is one of the options.
	answer string
}

func (u *recordUI) Send(_ context.Context, msg string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, msg)
	return nil
}

func (u *recordUI) Ask(_ context.Context, q ports.Question) (ports.Answer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.asked = append(u.asked, q)
	for _, o := range q.Options {
		if o == u.answer {
			return ports.Answer{Text: o}, nil
		}
	}
	return ports.Answer{Text: q.Default}, nil
}

// newApp opens an app over a fresh workspace. The database lives outside it.
func newApp(t *testing.T, workersYAML string) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Workspace:      t.TempDir(),
		Database:       filepath.Join(dir, "pilot.db"),
		WorkersFile:    filepath.Join(dir, "workers.yaml"),
		LogLevel:       "warn",
		CommitRetries:  1,
		CommandTimeout: 10 * time.Second,
		Retry:          retry.DefaultPolicy(),
	}
	if workersYAML != "" {
		require.NoError(t, os.WriteFile(cfg.WorkersFile, []byte(workersYAML), 0644))
	}
	app, err := OpenApp(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

// seedTwoSteps commits a.txt at step 1, then a changed a.txt plus b.txt at step 2.
func seedTwoSteps(t *testing.T, app *App) domain.Project {
	t.Helper()
	ctx := context.Background()
	_, err := app.Store.CreateProject(ctx, "todo")
	require.NoError(t, err)
	require.NoError(t, app.Store.Next().SetEpics([]domain.Epic{{Name: "Initial", Source: "app"}}))
	require.NoError(t, app.Store.SaveFile(ctx, "a.txt", []byte("one"), nil))
	_, err = app.Store.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, app.Store.SaveFile(ctx, "a.txt", []byte("two"), nil))
	require.NoError(t, app.Store.SaveFile(ctx, "b.txt", []byte("bee"), nil))
	_, err = app.Store.Commit(ctx)
	require.NoError(t, err)
	return app.Store.Project()
}

func snapshotCount(t *testing.T, app *App, projectID string) int {
	t.Helper()
	branch, err := app.Repo.DefaultBranch(context.Background(), projectID)
	require.NoError(t, err)
	list, err := app.Repo.ListSnapshots(context.Background(), branch.ID)
	require.NoError(t, err)
	return len(list)
}

func TestRun_NewProjectWithExternalBootstrap(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	app := newApp(t, `
workers:
  - kind: bootstrap
    command: sh
    args:
      - -c
      - |
        cat > /dev/null
        echo '{"result": {"type": "done"}, "ops": [{"op": "set_epics", "epics": [{"name": "Initial", "source": "app"}]}]}'
`)
	ui := &recordUI{}
	var out bytes.Buffer

	err := Run(context.Background(), app, ui, RunOptions{Name: "todo", Out: &out})
	require.NoError(t, err)

	assert.Contains(t, out.String(), `>>> Project "todo"`)
	assert.Contains(t, out.String(), ">>> Stopped after step 1.")
	assert.Contains(t, strings.Join(ui.sent, "\n"), "spec_writer", "the first unbound kind ends the run")

	projects, err := app.Repo.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, 1, snapshotCount(t, app, projects[0].ID))

	stored, err := app.Repo.LoadSnapshot(context.Background(), app.Store.Branch().ID, 0)
	require.NoError(t, err)
	snap, err := domain.RestoreSnapshot(stored.Record, stored.Specification, stored.Files)
	require.NoError(t, err)
	require.Len(t, snap.Epics(), 1)
	assert.Equal(t, "Initial", snap.Epics()[0].Name)
}

func TestRun_AsksForName(t *testing.T) {
	app := newApp(t, "")
	ui := &recordUI{}
	err := Run(context.Background(), app, ui, RunOptions{})
	assert.ErrorContains(t, err, "project name")
	require.Len(t, ui.asked, 1)
	assert.Equal(t, "What is the project name?", ui.asked[0].Text)
}

func TestRun_StepNeedsSelection(t *testing.T) {
	app := newApp(t, "")
	err := Run(context.Background(), app, &recordUI{}, RunOptions{Step: 2})
	assert.ErrorContains(t, err, "--step")
}

func TestRun_ResumeKeepsLocalChanges(t *testing.T) {
	app := newApp(t, "")
	project := seedTwoSteps(t, app)
	require.NoError(t, os.WriteFile(filepath.Join(app.Config.Workspace, "notes.md"), []byte("mine"), 0644))

	ui := &recordUI{}
	var out bytes.Buffer
	err := Run(context.Background(), app, ui, RunOptions{ProjectID: project.ID, Out: &out})
	require.NoError(t, err)

	require.NotEmpty(t, ui.asked)
	assert.Contains(t, ui.asked[0].Text, "notes.md")
	assert.Equal(t, "keep", ui.asked[0].Default)

	notes, ok := app.Store.Next().FileByPath("notes.md")
	require.True(t, ok, "kept changes are imported into the next step")
	assert.Equal(t, "notes.md", notes.Path)
}

func TestRun_StepRestoresSnapshotFiles(t *testing.T) {
	app := newApp(t, "")
	project := seedTwoSteps(t, app)
	ws := app.Config.Workspace

	ui := &recordUI{}
	var out bytes.Buffer
	err := Run(context.Background(), app, ui, RunOptions{ProjectID: project.ID, Step: 1, Out: &out})
	require.NoError(t, err)

	require.NotEmpty(t, ui.asked)
	assert.Equal(t, "restore", ui.asked[0].Default)
	assert.Equal(t, 1, snapshotCount(t, app, project.ID), "later steps are discarded")

	a, err := os.ReadFile(filepath.Join(ws, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(a))
	assert.NoFileExists(t, filepath.Join(ws, "b.txt"))

	_, ok := app.Store.Next().FileByPath("b.txt")
	assert.False(t, ok, "files of discarded steps stay out of the next step")
	next, ok := app.Store.Next().FileByPath("a.txt")
	require.True(t, ok)
	assert.Equal(t, "one", string(next.Content.Content))
}

func TestRun_StepCanKeepLocalChanges(t *testing.T) {
	app := newApp(t, "")
	project := seedTwoSteps(t, app)

	ui := &recordUI{answer: "keep"}
	var out bytes.Buffer
	err := Run(context.Background(), app, ui, RunOptions{ProjectID: project.ID, Step: 1, Out: &out})
	require.NoError(t, err)

	b, ok := app.Store.Next().FileByPath("b.txt")
	require.True(t, ok, "an explicit keep imports the workspace")
	assert.Equal(t, "bee", string(b.Content.Content))
}

func TestInspectSnapshot(t *testing.T) {
	app := newApp(t, "")
	project := seedTwoSteps(t, app)
	ctx := context.Background()

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, InspectSnapshot(ctx, app.Repo, statestore.Selection{ProjectID: project.ID, StepIndex: 1}, FormatJSON, &buf))
		var got Inspection
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "todo", got.Project.Name)
		assert.Equal(t, 1, got.Snapshot.StepIndex)
		require.Len(t, got.Files, 1)
		assert.Equal(t, "a.txt", got.Files[0].Path)
	})
	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, InspectSnapshot(ctx, app.Repo, statestore.Selection{ProjectID: project.ID}, FormatYAML, &buf))
		assert.Contains(t, buf.String(), "name: todo")
		assert.Contains(t, buf.String(), "path: b.txt")
	})
	t.Run("unknown format", func(t *testing.T) {
		err := InspectSnapshot(ctx, app.Repo, statestore.Selection{ProjectID: project.ID}, "toml", &bytes.Buffer{})
		assert.ErrorContains(t, err, "toml")
	})
	t.Run("no selection", func(t *testing.T) {
		err := InspectSnapshot(ctx, app.Repo, statestore.Selection{}, FormatJSON, &bytes.Buffer{})
		assert.ErrorIs(t, err, statestore.ErrNoSelection)
	})
}

func TestPlanGraph(t *testing.T) {
	app := newApp(t, "")
	project := seedTwoSteps(t, app)

	var buf bytes.Buffer
	require.NoError(t, PlanGraph(context.Background(), app.Repo, statestore.Selection{ProjectID: project.ID}, &buf))
	assert.Contains(t, buf.String(), `epic0(("Initial"))`)
	assert.Contains(t, buf.String(), "class epic0 current;")
}

func TestListings(t *testing.T) {
	app := newApp(t, "")
	project := seedTwoSteps(t, app)
	ctx := context.Background()

	var projects bytes.Buffer
	require.NoError(t, ListProjects(ctx, app.Repo, &projects))
	lines := strings.Split(strings.TrimSpace(projects.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], project.ID)
	assert.Contains(t, lines[1], "todo")

	var snapshots bytes.Buffer
	require.NoError(t, ListSnapshots(ctx, app.Repo, statestore.Selection{ProjectID: project.ID}, &snapshots))
	lines = strings.Split(strings.TrimSpace(snapshots.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "1 "))
	assert.True(t, strings.HasPrefix(lines[2], "2 "))
}

func TestRestoreFiles_LeavesHistory(t *testing.T) {
	app := newApp(t, "")
	project := seedTwoSteps(t, app)
	ws := app.Config.Workspace
	require.NoError(t, os.WriteFile(filepath.Join(ws, "stray.txt"), []byte("x"), 0644))

	var out bytes.Buffer
	require.NoError(t, RestoreFiles(context.Background(), app, statestore.Selection{ProjectID: project.ID, StepIndex: 1}, &out))

	a, err := os.ReadFile(filepath.Join(ws, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(a))
	assert.NoFileExists(t, filepath.Join(ws, "b.txt"))
	assert.NoFileExists(t, filepath.Join(ws, "stray.txt"))
	assert.Contains(t, out.String(), ">>> Restored 1 files from step 1.")
	assert.Equal(t, 2, snapshotCount(t, app, project.ID))
}

func TestServeListener(t *testing.T) {
	app := newApp(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- serveListener(ctx, app, ln, nil, &out)
	}()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
	assert.Contains(t, out.String(), ">>> Serving inspection API on http://127.0.0.1:")
	assert.Contains(t, out.String(), ">>> Server stopped.")
}

func TestMergeHooks(t *testing.T) {
	var calls []string
	first := orchestrator.Hooks{
		OnCommit: func(context.Context, *orchestrator.CommitEvent) { calls = append(calls, "first commit") },
	}
	second := orchestrator.Hooks{
		OnWorkerStart: func(context.Context, *orchestrator.WorkerEvent) { calls = append(calls, "second start") },
		OnCommit:      func(context.Context, *orchestrator.CommitEvent) { calls = append(calls, "second commit") },
	}

	merged := mergeHooks(first, orchestrator.Hooks{}, second)
	assert.Nil(t, merged.OnWorkerFinish)
	merged.OnWorkerStart(context.Background(), &orchestrator.WorkerEvent{})
	merged.OnCommit(context.Background(), &orchestrator.CommitEvent{})
	assert.Equal(t, []string{"second start", "first commit", "second commit"}, calls)
}

func TestHandleExecutionError(t *testing.T) {
	boom := errors.New("boom")
	assert.NoError(t, handleExecutionError(nil))
	assert.NoError(t, handleExecutionError(context.Canceled))
	assert.NoError(t, handleExecutionError(orchestrator.ErrTurnLimit))
	assert.ErrorIs(t, handleExecutionError(boom), boom)
}

func TestLogCompletion(t *testing.T) {
	tests := []struct {
		name string
		err  error
		sig  os.Signal
		want string
	}{
		{"clean exit", nil, nil, ">>> Stopped after step 3."},
		{"turn limit", orchestrator.ErrTurnLimit, nil, ">>> Turn limit reached at step 3."},
		{"ctrl c", context.Canceled, os.Interrupt, "[CTRL+C]\n>>> Interrupted at step 3"},
		{"cancelled", context.Canceled, nil, ">>> Interrupted at step 3."},
		{"failure", errors.New("disk full"), nil, ">>> Failed at step 3: disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logCompletion(&buf, 3, tt.err, tt.sig)
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
