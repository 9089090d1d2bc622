package ports

import (
	"context"
	"errors"
	"time"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
)

var (
	// ErrProjectNotFound is returned when a project ID is unknown.
	ErrProjectNotFound = errors.New("project not found")
	// ErrBranchNotFound is returned when a branch ID is unknown or a project has no branch.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrSnapshotNotFound is returned when no snapshot exists at the requested coordinate.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrConflict is returned when a write would fork history: a second snapshot at the
	// same step index, or a second child of the same snapshot.
	ErrConflict = errors.New("snapshot conflict")
)

// StoredSnapshot is a snapshot as read back from persistence, with its
// specification and file contents resolved.
type StoredSnapshot struct {
	Record        domain.SnapshotRecord
	Specification *domain.Specification
	Files         []domain.File
}

// SnapshotSummary is a lightweight listing entry.
type SnapshotSummary struct {
	ID        string    `json:"id" yaml:"id"`
	StepIndex int       `json:"step_index" yaml:"step_index"`
	Action    string    `json:"action,omitempty" yaml:"action,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// RequestLog records one attempt of an outbound request.
type RequestLog struct {
	ID        string
	StateID   string
	Worker    string
	Attempt   int
	Class     string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// CommandLog records one subprocess run.
type CommandLog struct {
	ID        string
	StateID   string
	Command   string
	Cwd       string
	ExitCode  int
	Stdout    string
	Stderr    string
	Status    string
	Duration  time.Duration
	CreatedAt time.Time
}

// Repository is the persistence backend for projects, branches and snapshots.
// Reads are independent; all writes go through a short-lived Transaction.
type Repository interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	GetBranch(ctx context.Context, id string) (domain.Branch, error)
	// DefaultBranch returns the project's branch named domain.DefaultBranchName,
	// or its oldest branch when none has that name.
	DefaultBranch(ctx context.Context, projectID string) (domain.Branch, error)
	ListBranches(ctx context.Context, projectID string) ([]domain.Branch, error)

	// LoadSnapshot returns the snapshot at stepIndex, or the latest one when stepIndex <= 0.
	// Returns ErrSnapshotNotFound if the branch has no such snapshot.
	LoadSnapshot(ctx context.Context, branchID string, stepIndex int) (*StoredSnapshot, error)
	ListSnapshots(ctx context.Context, branchID string) ([]SnapshotSummary, error)
	ContentExists(ctx context.Context, hash string) (bool, error)

	Begin(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction groups writes that must become visible atomically.
type Transaction interface {
	// SaveProject and SaveBranch insert or update by ID.
	SaveProject(ctx context.Context, p domain.Project) error
	SaveBranch(ctx context.Context, b domain.Branch) error
	// SaveSpecification inserts a specification; specifications are immutable, so an
	// existing ID is left untouched.
	SaveSpecification(ctx context.Context, spec *domain.Specification) error
	// SaveSnapshot inserts a snapshot and its file entries. It returns ErrConflict if
	// the step index or the previous snapshot is already taken in the branch.
	SaveSnapshot(ctx context.Context, rec domain.SnapshotRecord, files []domain.FileRecord) error
	// StoreContent inserts content unless its hash already exists.
	StoreContent(ctx context.Context, c *domain.FileContent) error
	// DeleteAfter removes every snapshot of the branch with a step index above stepIndex.
	DeleteAfter(ctx context.Context, branchID string, stepIndex int) (int, error)
	// DeleteOrphanContents removes contents no file references and returns their hashes.
	DeleteOrphanContents(ctx context.Context) ([]string, error)
	// DeleteOrphanSpecifications removes specifications no snapshot references and
	// returns their IDs.
	DeleteOrphanSpecifications(ctx context.Context) ([]string, error)

	InsertRequestLog(ctx context.Context, l RequestLog) error
	InsertCommandLog(ctx context.Context, l CommandLog) error

	Commit() error
	Rollback() error
}
