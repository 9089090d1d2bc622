package statestore

import (
	"context"
	"fmt"
	"sort"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
)

// SaveFile writes content to the workspace and records it in Next.
func (s *Store) SaveFile(ctx context.Context, path string, content []byte, meta map[string]any) error {
	next, err := s.nextSnapshot()
	if err != nil {
		return err
	}
	if err := s.tree.Save(ctx, path, content); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	ref := s.files.Store(s.tree.Hash(content), content)
	if err := next.SaveFile(path, ref, false); err != nil {
		return err
	}
	for k, v := range meta {
		if err := next.SetFileMeta(path, k, v); err != nil {
			return err
		}
	}
	s.logger.Debug("Saved file", "path", path, "hash", ref.ID)
	return nil
}

// ImportFiles reconciles the workspace into Next: changed or new files are saved as
// external changes, files missing on disk are removed.
func (s *Store) ImportFiles(ctx context.Context) (imported, removed []string, err error) {
	next, err := s.nextSnapshot()
	if err != nil {
		return nil, nil, err
	}
	paths, err := s.tree.List(ctx)
	if err != nil {
		return nil, nil, err
	}

	onDisk := make(map[string]bool, len(paths))
	for _, path := range paths {
		onDisk[path] = true
		data, err := s.tree.Read(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		hash := s.tree.Hash(data)
		if f, ok := next.FileByPath(path); ok && f.Content.ID == hash {
			continue
		}
		if err := next.SaveFile(path, s.files.Store(hash, data), true); err != nil {
			return nil, nil, err
		}
		imported = append(imported, path)
	}
	for _, f := range next.Files() {
		if onDisk[f.Path] {
			continue
		}
		if err := next.RemoveFile(f.Path); err != nil {
			return nil, nil, err
		}
		removed = append(removed, f.Path)
	}

	if len(imported) > 0 || len(removed) > 0 {
		s.logger.Info("Imported workspace changes", "imported", len(imported), "removed", len(removed))
	}
	return imported, removed, nil
}

// RestoreFiles makes the workspace match Current: unknown files are deleted and every
// tracked file is written back. It returns the paths written.
func (s *Store) RestoreFiles(ctx context.Context) ([]string, error) {
	current := s.Current()
	if current == nil {
		return nil, ErrNoUnitOfWork
	}
	paths, err := s.tree.List(ctx)
	if err != nil {
		return nil, err
	}
	files := current.Files()
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f.Path] = true
	}
	for _, path := range paths {
		if known[path] {
			continue
		}
		if err := s.tree.Remove(ctx, path); err != nil {
			return nil, err
		}
		s.logger.Debug("Removed untracked file", "path", path)
	}

	written := make([]string, 0, len(files))
	for _, f := range files {
		if err := s.tree.Save(ctx, f.Path, f.Content.Content); err != nil {
			return written, fmt.Errorf("failed to restore %s: %w", f.Path, err)
		}
		written = append(written, f.Path)
	}
	return written, nil
}

// ModifiedFiles returns the sorted paths whose workspace content differs from Current:
// changed files, files deleted on disk and new files.
func (s *Store) ModifiedFiles(ctx context.Context) ([]string, error) {
	current := s.Current()
	if current == nil {
		return nil, ErrNoUnitOfWork
	}
	paths, err := s.tree.List(ctx)
	if err != nil {
		return nil, err
	}

	tracked := map[string]domain.File{}
	for _, f := range current.Files() {
		tracked[f.Path] = f
	}
	onDisk := make(map[string]bool, len(paths))
	var out []string
	for _, path := range paths {
		onDisk[path] = true
		f, ok := tracked[path]
		if !ok {
			out = append(out, path)
			continue
		}
		data, err := s.tree.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		if s.tree.Hash(data) != f.Content.ID {
			out = append(out, path)
		}
	}
	for path := range tracked {
		if !onDisk[path] {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// WorkspaceIsEmpty reports whether the workspace has no tracked files.
func (s *Store) WorkspaceIsEmpty(ctx context.Context) (bool, error) {
	paths, err := s.tree.List(ctx)
	if err != nil {
		return false, err
	}
	return len(paths) == 0, nil
}
