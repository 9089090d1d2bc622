// Package file implements ports.FileTree over a local workspace directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
)

// ErrOutsideRoot is returned for paths that would escape the workspace.
var ErrOutsideRoot = errors.New("path is outside the workspace")

// DefaultIgnore lists the names skipped when walking the workspace.
var DefaultIgnore = []string{
	".git", ".gpt-pilot", ".pilot", ".idea", ".vscode", ".DS_Store",
	"node_modules", "__pycache__", "venv", ".venv", "dist", "build",
	"*.log", "*.csv", "*.lock", "package-lock.json",
}

// DefaultMaxFileSize is the size above which files are not tracked.
const DefaultMaxFileSize = 50 * 1024

// Tree is a workspace directory on the local filesystem.
type Tree struct {
	root        string
	ignore      []string
	maxFileSize int64
	debounce    time.Duration
	logger      *slog.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithIgnore replaces the ignore patterns. Patterns match a single path element
// (filepath.Match syntax).
func WithIgnore(patterns ...string) Option {
	return func(t *Tree) {
		t.ignore = patterns
	}
}

// WithMaxFileSize sets the size limit for tracked files. Zero disables the limit.
func WithMaxFileSize(n int64) Option {
	return func(t *Tree) {
		t.maxFileSize = n
	}
}

// WithDebounce sets how long Watch waits for events to settle before signaling.
func WithDebounce(d time.Duration) Option {
	return func(t *Tree) {
		t.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tree) {
		t.logger = logger
	}
}

// New creates a Tree rooted at dir. The directory is created if needed.
func New(dir string, opts ...Option) (*Tree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure workspace directory: %w", err)
	}
	t := &Tree{
		root:        abs,
		ignore:      DefaultIgnore,
		maxFileSize: DefaultMaxFileSize,
		debounce:    300 * time.Millisecond,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Root returns the absolute workspace path.
func (t *Tree) Root() string {
	return t.root
}

// Hash returns the content address used by the state store.
func (t *Tree) Hash(content []byte) string {
	return domain.HashContent(content)
}

// Ignored reports whether a slash-separated relative path is skipped.
func (t *Tree) Ignored(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		for _, pattern := range t.ignore {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

// List walks the workspace and returns every tracked file, sorted.
func (t *Tree) List(ctx context.Context) ([]string, error) {
	var out []string
	err := filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == t.root {
			return nil
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if t.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if t.maxFileSize > 0 {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.Size() > t.maxFileSize {
				t.logger.Debug("Skipping large file", "path", rel, "size", info.Size())
				return nil
			}
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workspace: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Read returns the content of a workspace file.
func (t *Tree) Read(ctx context.Context, rel string) ([]byte, error) {
	abs, err := t.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Save writes a workspace file atomically.
// It writes to a temporary file first, syncs via fsync, and then renames it to the destination.
func (t *Tree) Save(ctx context.Context, rel string, content []byte) error {
	destPath, err := t.resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure directory for %s: %w", rel, err)
	}

	// Same directory keeps the rename on one filesystem.
	tmpFile, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(destPath)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(content); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Cannot rename an open file on Windows.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", rel, err)
	}
	return nil
}

// Remove deletes a workspace file. Missing files are ignored.
func (t *Tree) Remove(ctx context.Context, rel string) error {
	abs, err := t.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

func (t *Tree) resolve(rel string) (string, error) {
	clean := path.Clean(filepath.ToSlash(rel))
	if rel == "" || clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.Join(t.root, filepath.FromSlash(clean)), nil
}
