package statestore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/file"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/memory"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newStore(t testing.TB, repo ports.Repository) (*statestore.Store, string) {
	dir, err := os.MkdirTemp("", "pilot-workspace-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	tree, err := file.New(dir)
	require.NoError(t, err)
	return statestore.New(repo, tree, statestore.WithSleep(noSleep)), dir
}

func TestStore_CreateAndCommit(t *testing.T) {
	repo := memory.NewRepository()
	store, _ := newStore(t, repo)
	ctx := context.Background()

	initial, err := store.CreateProject(ctx, "Todo App")
	require.NoError(t, err)
	assert.Same(t, initial, store.Current())
	assert.Same(t, initial, store.Next())

	projects, err := repo.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects, "nothing is persisted before the first commit")

	committed, err := store.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, committed.Frozen())
	assert.Equal(t, 1, committed.StepIndex)

	next := store.Next()
	assert.Equal(t, 2, next.StepIndex)
	assert.Equal(t, committed.ID, next.PrevID)

	projects, err = repo.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "todo-app", projects[0].FolderName)
}

func TestStore_CommitChain(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		repo := memory.NewRepository()
		store, _ := newStore(t, repo)
		ctx := context.Background()
		_, err := store.CreateProject(ctx, "chain")
		require.NoError(rt, err)

		n := rapid.IntRange(1, 8).Draw(rt, "commits")
		for i := 0; i < n; i++ {
			require.NoError(rt, store.Next().SetAction(rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "action")))
			_, err := store.Commit(ctx)
			require.NoError(rt, err)
		}

		list, err := repo.ListSnapshots(ctx, store.Branch().ID)
		require.NoError(rt, err)
		require.Len(rt, list, n)
		for i, s := range list {
			assert.Equal(rt, i+1, s.StepIndex)
		}

		// Every snapshot points at the one before it.
		prev := ""
		for i := 1; i <= n; i++ {
			stored, err := repo.LoadSnapshot(ctx, store.Branch().ID, i)
			require.NoError(rt, err)
			assert.Equal(rt, prev, stored.Record.PrevID)
			prev = stored.Record.ID
		}
	})
}

func TestStore_LoadTruncatesFuture(t *testing.T) {
	repo := memory.NewRepository()
	store, _ := newStore(t, repo)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "travel")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveFile(ctx, "step.txt", []byte{byte('a' + i)}, nil))
		_, err := store.Commit(ctx)
		require.NoError(t, err)
	}
	branchID := store.Branch().ID
	projectID := store.Project().ID

	loaded, err := store.LoadProject(ctx, statestore.Selection{ProjectID: projectID, StepIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.StepIndex)
	assert.True(t, loaded.Frozen())

	list, err := repo.ListSnapshots(ctx, branchID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 2, repo.ContentCount(), "contents of deleted snapshots are swept")

	committed, err := store.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, committed.StepIndex)
	assert.Equal(t, loaded.ID, committed.PrevID)

	_, err = store.LoadProject(ctx, statestore.Selection{BranchID: branchID, StepIndex: 9})
	assert.ErrorIs(t, err, ports.ErrSnapshotNotFound)
	_, err = store.LoadProject(ctx, statestore.Selection{})
	assert.ErrorIs(t, err, statestore.ErrNoSelection)
}

func TestStore_LoadSweepsDroppedSpecifications(t *testing.T) {
	repo := memory.NewRepository()
	store, _ := newStore(t, repo)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "specs")
	require.NoError(t, err)
	for _, desc := range []string{"first", "second", "third"} {
		require.NoError(t, store.Next().UpdateSpecification(func(s *domain.Specification) { s.Description = desc }))
		_, err := store.Commit(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 3, repo.SpecificationCount())

	loaded, err := store.LoadProject(ctx, statestore.Selection{ProjectID: store.Project().ID, StepIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, "first", loaded.Specification().Description)
	assert.Equal(t, 1, repo.SpecificationCount(), "specifications of deleted snapshots are swept")

	_, err = store.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.SpecificationCount(), "an unchanged specification is shared")
}

func TestStore_IdenticalBytesStoredOnce(t *testing.T) {
	repo := memory.NewRepository()
	store, _ := newStore(t, repo)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "dedup")
	require.NoError(t, err)
	require.NoError(t, store.SaveFile(ctx, "x.txt", []byte("hello"), nil))
	_, err = store.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, store.SaveFile(ctx, "x.txt", []byte("hello"), nil))
	require.NoError(t, store.SaveFile(ctx, "y.txt", []byte("hello"), nil))
	_, err = store.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.ContentCount())
}

func TestStore_DraftContentsAreNotPersisted(t *testing.T) {
	repo := memory.NewRepository()
	store, _ := newStore(t, repo)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "drafts")
	require.NoError(t, err)
	require.NoError(t, store.SaveFile(ctx, "a.txt", []byte("draft"), nil))
	require.NoError(t, store.SaveFile(ctx, "a.txt", []byte("final"), nil))
	_, err = store.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.ContentCount())
	exists, err := repo.ContentExists(ctx, domain.HashContent([]byte("final")))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_Rollback(t *testing.T) {
	repo := memory.NewRepository()
	store, _ := newStore(t, repo)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "undo")
	require.NoError(t, err)
	_, err = store.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Next().SetAction("discard me"))

	require.NoError(t, store.Rollback(ctx))
	require.NoError(t, store.Rollback(ctx), "rollback twice is safe")
	assert.Nil(t, store.Next())

	_, err = store.Commit(ctx)
	assert.ErrorIs(t, err, statestore.ErrNoUnitOfWork)
	assert.ErrorIs(t, store.SaveFile(ctx, "a.txt", nil, nil), statestore.ErrNoUnitOfWork)

	list, err := repo.ListSnapshots(ctx, store.Branch().ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Loading reopens a unit of work.
	_, err = store.LoadProject(ctx, statestore.Selection{BranchID: store.Branch().ID})
	require.NoError(t, err)
	assert.Equal(t, "", store.Next().Action())
}

func TestStore_WorkspaceSync(t *testing.T) {
	repo := memory.NewRepository()
	store, dir := newStore(t, repo)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "sync")
	require.NoError(t, err)
	empty, err := store.WorkspaceIsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, store.SaveFile(ctx, "main.go", []byte("package main"), map[string]any{domain.MetaDescription: "entry"}))
	require.NoError(t, store.SaveFile(ctx, "util.go", []byte("package main // util"), nil))
	_, err = store.Commit(ctx)
	require.NoError(t, err)

	// Edit by hand: change one, delete one, add one.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n// edited"), 0644))
	require.NoError(t, os.Remove(filepath.Join(dir, "util.go")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package main // new"), 0644))

	modified, err := store.ModifiedFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "new.go", "util.go"}, modified)

	imported, removed, err := store.ImportFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "new.go"}, imported)
	assert.Equal(t, []string{"util.go"}, removed)
	next := store.Next()
	f, ok := next.FileByPath("main.go")
	require.True(t, ok)
	assert.Equal(t, "entry", f.Description(), "metadata survives an external edit")
	assert.NotContains(t, next.ModifiedFiles(), "new.go", "external changes are not recorded as task modifications")

	// Restore brings the workspace back to the committed state.
	written, err := store.RestoreFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "util.go"}, written)
	modified, err = store.ModifiedFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, modified)
	_, err = os.Stat(filepath.Join(dir, "new.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Logs(t *testing.T) {
	repo := memory.NewRepository()
	store, _ := newStore(t, repo)
	ctx := context.Background()

	_, err := store.CreateProject(ctx, "logs")
	require.NoError(t, err)
	current, err := store.Commit(ctx)
	require.NoError(t, err)

	store.LogCommand(ctx, ports.CommandLog{Command: "npm test", ExitCode: 1, Status: "failed"})
	store.LogRequest(ctx, ports.RequestLog{Worker: "breakdown", Attempt: 2, Class: "transient"})

	cmds := repo.CommandLogs()
	require.Len(t, cmds, 1)
	assert.Equal(t, current.ID, cmds[0].StateID)
	assert.NotEmpty(t, cmds[0].ID)
	assert.False(t, cmds[0].CreatedAt.IsZero())
	require.Len(t, repo.RequestLogs(), 1)
}

// flakyRepo fails Begin with a transient error a fixed number of times.
type flakyRepo struct {
	*memory.Repository
	failures int
	err      error
}

func (r *flakyRepo) Begin(ctx context.Context) (ports.Transaction, error) {
	if r.failures > 0 {
		r.failures--
		return nil, r.err
	}
	return r.Repository.Begin(ctx)
}

func TestStore_CommitRetries(t *testing.T) {
	ctx := context.Background()

	repo := &flakyRepo{Repository: memory.NewRepository(), err: retry.NewTransient(errors.New("database is locked"))}
	store, _ := newStore(t, repo)
	_, err := store.CreateProject(ctx, "busy")
	require.NoError(t, err)

	repo.failures = 2
	_, err = store.Commit(ctx)
	require.NoError(t, err, "two transient failures fit in the default budget")

	repo.failures = 10
	_, err = store.Commit(ctx)
	assert.ErrorIs(t, err, retry.ErrRetriesExhausted)
	assert.NotNil(t, store.Next(), "a failed commit keeps the unit of work")

	repo.failures = 1
	repo.err = errors.New("disk full")
	_, err = store.Commit(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, retry.ErrRetriesExhausted, "fatal errors are not retried")
}
