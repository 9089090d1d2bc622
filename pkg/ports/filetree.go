package ports

import "context"

// FileTree is the external mirror of a snapshot's files (usually the workspace on disk).
// It may be stale: the state store reconciles it on load and after every commit.
type FileTree interface {
	// Root returns a human-readable location of the tree.
	Root() string
	// List returns every tracked path, slash-separated and relative to the root.
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Save(ctx context.Context, path string, content []byte) error
	// Remove deletes a path. Removing a missing path is not an error.
	Remove(ctx context.Context, path string) error
	Hash(content []byte) string
}

// Watchable defines an interface for trees that can notify about external changes.
type Watchable interface {
	// Watch returns a channel that is signaled when the underlying tree changes.
	// It abstracts away the specific event details, signaling only that a re-import is required.
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Question is something a worker asks the user.
type Question struct {
	Text    string
	Options []string
	Default string
	Hint    string
}

// Answer is the user's reply. Cancelled is set when the user aborted the prompt.
type Answer struct {
	Text      string
	Cancelled bool
}

// UI is the user-facing channel available to workers.
type UI interface {
	Send(ctx context.Context, message string) error
	Ask(ctx context.Context, q Question) (Answer, error)
}

// Interactive is implemented by UIs that know whether a person answers their
// questions. A UI without it is treated as interactive.
type Interactive interface {
	Interactive() bool
}
