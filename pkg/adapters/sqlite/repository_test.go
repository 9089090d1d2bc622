package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/sqlite"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "pilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepository_Contract(t *testing.T) {
	ports.RunRepositoryContract(t, openTemp(t))
}

func TestSQLiteRepository_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pilot.db")
	ctx := context.Background()

	repo, err := sqlite.Open(path)
	require.NoError(t, err)

	p := domain.NewProject("persisted")
	b := domain.NewBranch(p.ID, "")
	s := domain.NewSnapshot(b.ID)
	data := []byte("package main")
	require.NoError(t, s.SaveFile("main.go", &domain.FileContent{ID: domain.HashContent(data), Content: data}, false))
	require.NoError(t, s.SetFileMeta("main.go", domain.MetaDescription, "entry point"))

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveProject(ctx, p))
	require.NoError(t, tx.SaveBranch(ctx, b))
	require.NoError(t, tx.SaveSpecification(ctx, s.Specification()))
	for _, c := range s.FileContents() {
		require.NoError(t, tx.StoreContent(ctx, c))
	}
	rec, files := s.Record()
	require.NoError(t, tx.SaveSnapshot(ctx, rec, files))
	require.NoError(t, tx.Commit())
	require.NoError(t, repo.Close())

	// Schema creation is idempotent.
	repo, err = sqlite.Open(path)
	require.NoError(t, err)
	defer repo.Close()

	stored, err := repo.LoadSnapshot(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored.Files, 1)
	assert.Equal(t, "entry point", stored.Files[0].Meta[domain.MetaDescription])
	assert.Equal(t, data, stored.Files[0].Content.Content)
	assert.Equal(t, []string{"main.go"}, stored.Record.RelevantFiles)
	assert.Nil(t, stored.Record.Docs)
}
