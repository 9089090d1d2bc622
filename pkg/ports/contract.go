package ports

import (
	"context"
	"testing"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunRepositoryContract runs a suite of tests to verify that a Repository implementation
// adheres to the defined interface contract.
func RunRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	// seed persists a project with a chain of n snapshots and returns them.
	seed := func(t *testing.T, n int) (domain.Project, domain.Branch, []*domain.Snapshot) {
		t.Helper()
		p := domain.NewProject("contract")
		b := domain.NewBranch(p.ID, "")
		snaps := []*domain.Snapshot{domain.NewSnapshot(b.ID)}
		for len(snaps) < n {
			snaps = append(snaps, snaps[len(snaps)-1].Fork())
		}

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveProject(ctx, p))
		require.NoError(t, tx.SaveBranch(ctx, b))
		for _, s := range snaps {
			require.NoError(t, tx.SaveSpecification(ctx, s.Specification()))
			for _, c := range s.FileContents() {
				require.NoError(t, tx.StoreContent(ctx, c))
			}
			rec, files := s.Record()
			require.NoError(t, tx.SaveSnapshot(ctx, rec, files))
		}
		require.NoError(t, tx.Commit())
		return p, b, snaps
	}

	t.Run("Projects And Branches", func(t *testing.T) {
		p, b, _ := seed(t, 1)

		got, err := repo.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Name, got.Name)

		projects, err := repo.ListProjects(ctx)
		require.NoError(t, err)
		var ids []string
		for _, pr := range projects {
			ids = append(ids, pr.ID)
		}
		assert.Contains(t, ids, p.ID)

		def, err := repo.DefaultBranch(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, b.ID, def.ID)
		assert.Equal(t, domain.DefaultBranchName, def.Name)

		branches, err := repo.ListBranches(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, branches, 1)

		_, err = repo.GetProject(ctx, "missing")
		assert.ErrorIs(t, err, ErrProjectNotFound)
		_, err = repo.GetBranch(ctx, "missing")
		assert.ErrorIs(t, err, ErrBranchNotFound)
		_, err = repo.DefaultBranch(ctx, "missing")
		assert.ErrorIs(t, err, ErrBranchNotFound)
	})

	t.Run("Load Latest And By Step", func(t *testing.T) {
		_, b, snaps := seed(t, 3)

		latest, err := repo.LoadSnapshot(ctx, b.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, snaps[2].ID, latest.Record.ID)
		assert.Equal(t, 3, latest.Record.StepIndex)
		assert.Equal(t, snaps[1].ID, latest.Record.PrevID)
		require.NotNil(t, latest.Specification)
		assert.Equal(t, snaps[2].Specification().ID, latest.Specification.ID)

		first, err := repo.LoadSnapshot(ctx, b.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, snaps[0].ID, first.Record.ID)
		assert.Empty(t, first.Record.PrevID)

		_, err = repo.LoadSnapshot(ctx, b.ID, 9)
		assert.ErrorIs(t, err, ErrSnapshotNotFound)

		list, err := repo.ListSnapshots(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{list[0].StepIndex, list[1].StepIndex, list[2].StepIndex})
	})

	t.Run("Hierarchy Round Trip", func(t *testing.T) {
		p := domain.NewProject("roundtrip")
		b := domain.NewBranch(p.ID, "")
		s := domain.NewSnapshot(b.ID)
		require.NoError(t, s.SetEpics([]domain.Epic{{ID: "e1", Name: "Initial", Extra: map[string]any{"complexity": "simple"}}}))
		require.NoError(t, s.SetTasks([]domain.Task{{ID: "t1", Status: domain.TaskInProgress}}))
		require.NoError(t, s.SetSteps([]domain.Step{{ID: "st1", Kind: domain.StepCommand, Payload: domain.CommandPayload{Command: "make", Timeout: 30}}}))
		require.NoError(t, s.SetKnowledge("pages", []any{"home"}))
		require.NoError(t, s.UpdateSpecification(func(spec *domain.Specification) { spec.Description = "A todo app" }))

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveProject(ctx, p))
		require.NoError(t, tx.SaveBranch(ctx, b))
		require.NoError(t, tx.SaveSpecification(ctx, s.Specification()))
		rec, files := s.Record()
		require.NoError(t, tx.SaveSnapshot(ctx, rec, files))
		require.NoError(t, tx.Commit())

		stored, err := repo.LoadSnapshot(ctx, b.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, "A todo app", stored.Specification.Description)

		restored, err := domain.RestoreSnapshot(stored.Record, stored.Specification, stored.Files)
		require.NoError(t, err)
		step, ok := restored.CurrentStep()
		require.True(t, ok)
		cmd, _ := step.Command()
		assert.Equal(t, 30, cmd.Timeout)
		assert.Equal(t, "simple", restored.Epics()[0].Extra["complexity"])
		assert.Equal(t, []any{"home"}, restored.Knowledge()["pages"])
	})

	t.Run("Identical Content Stored Once", func(t *testing.T) {
		p := domain.NewProject("dedup")
		b := domain.NewBranch(p.ID, "")
		hello := []byte("hello")
		c := &domain.FileContent{ID: domain.HashContent(hello), Content: hello}

		s1 := domain.NewSnapshot(b.ID)
		require.NoError(t, s1.SaveFile("x.txt", c, false))
		s2 := s1.Fork()
		require.NoError(t, s2.SaveFile("copy.txt", &domain.FileContent{ID: c.ID, Content: []byte("hello")}, false))

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveProject(ctx, p))
		require.NoError(t, tx.SaveBranch(ctx, b))
		for _, s := range []*domain.Snapshot{s1, s2} {
			require.NoError(t, tx.SaveSpecification(ctx, s.Specification()))
			for _, fc := range s.FileContents() {
				require.NoError(t, tx.StoreContent(ctx, fc))
			}
			rec, files := s.Record()
			require.NoError(t, tx.SaveSnapshot(ctx, rec, files))
		}
		require.NoError(t, tx.Commit())

		exists, err := repo.ContentExists(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, exists)

		stored, err := repo.LoadSnapshot(ctx, b.ID, 0)
		require.NoError(t, err)
		require.Len(t, stored.Files, 2)
		for _, f := range stored.Files {
			assert.Equal(t, c.ID, f.Content.ID)
			assert.Equal(t, "hello", string(f.Content.Content))
		}
	})

	t.Run("Delete After Truncates Future", func(t *testing.T) {
		_, b, snaps := seed(t, 4)

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		n, err := tx.DeleteAfter(ctx, b.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.NoError(t, tx.Commit())

		latest, err := repo.LoadSnapshot(ctx, b.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, snaps[1].ID, latest.Record.ID)

		// The freed step index can be reused by a new child of step 2.
		next := snaps[1].Fork()
		tx, err = repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveSpecification(ctx, next.Specification()))
		rec, files := next.Record()
		require.NoError(t, tx.SaveSnapshot(ctx, rec, files))
		require.NoError(t, tx.Commit())
	})

	t.Run("History Cannot Branch", func(t *testing.T) {
		_, _, snaps := seed(t, 2)
		rival := snaps[0].Fork()

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		rec, files := rival.Record()
		err = tx.SaveSnapshot(ctx, rec, files)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("Orphan Contents Are Swept", func(t *testing.T) {
		orphan := []byte("orphan-" + domain.NewProject("x").ID)
		c := &domain.FileContent{ID: domain.HashContent(orphan), Content: orphan}

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.StoreContent(ctx, c))
		require.NoError(t, tx.Commit())

		tx, err = repo.Begin(ctx)
		require.NoError(t, err)
		removed, err := tx.DeleteOrphanContents(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Contains(t, removed, c.ID)

		exists, err := repo.ContentExists(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Orphan Specifications Are Swept", func(t *testing.T) {
		_, b, snaps := seed(t, 1)
		kept := snaps[0].Specification().ID
		next := snaps[0].Fork()
		require.NoError(t, next.UpdateSpecification(func(s *domain.Specification) { s.Description = "rewritten" }))
		dropped := next.Specification().ID
		require.NotEqual(t, kept, dropped)

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveSpecification(ctx, next.Specification()))
		rec, files := next.Record()
		require.NoError(t, tx.SaveSnapshot(ctx, rec, files))
		require.NoError(t, tx.Commit())

		tx, err = repo.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.DeleteAfter(ctx, b.ID, 1)
		require.NoError(t, err)
		removed, err := tx.DeleteOrphanSpecifications(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Contains(t, removed, dropped)
		assert.NotContains(t, removed, kept)

		latest, err := repo.LoadSnapshot(ctx, b.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, kept, latest.Specification.ID)

		tx, err = repo.Begin(ctx)
		require.NoError(t, err)
		removed, err = tx.DeleteOrphanSpecifications(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.NotContains(t, removed, dropped, "the sweep already deleted it")
	})

	t.Run("Rollback Discards Writes", func(t *testing.T) {
		p := domain.NewProject("rolled-back")
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SaveProject(ctx, p))
		require.NoError(t, tx.Rollback())

		_, err = repo.GetProject(ctx, p.ID)
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})

	t.Run("Logs", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.InsertRequestLog(ctx, RequestLog{ID: domain.NewProject("l").ID, Worker: "spec_writer", Attempt: 1}))
		require.NoError(t, tx.InsertCommandLog(ctx, CommandLog{ID: domain.NewProject("l").ID, Command: "ls", Status: "success"}))
		require.NoError(t, tx.Commit())
	})
}
