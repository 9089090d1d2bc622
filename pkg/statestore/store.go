/*
Package statestore manages the two-slot project state that workers operate on.

At any time the store holds the last committed snapshot (Current, frozen) and the
snapshot being built (Next, mutable). Commit persists Next in one transaction,
promotes it to Current and forks a fresh Next. Rollback discards Next.

Loading an older snapshot truncates the branch: every snapshot after it is deleted,
so history stays linear.
*/
package statestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/filestore"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/lock"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/metrics"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
)

var (
	// ErrNoUnitOfWork is returned by writes when no project is loaded or after Rollback.
	ErrNoUnitOfWork = errors.New("no open unit of work")
	// ErrNoSelection is returned by LoadProject when neither a project nor a branch is given.
	ErrNoSelection = errors.New("a project or branch must be selected")
)

// DefaultCommitRetries is how often a commit is retried after a transient failure.
const DefaultCommitRetries = 3

// Selection identifies the snapshot to load. BranchID wins over ProjectID; a zero
// StepIndex selects the latest snapshot.
type Selection struct {
	ProjectID string
	BranchID  string
	StepIndex int
}

// Store is the transactional façade over a repository and a workspace tree.
type Store struct {
	repo  ports.Repository
	tree  ports.FileTree
	files *filestore.Store
	locks *lock.Keyed

	metrics       *metrics.Metrics
	logger        *slog.Logger
	commitRetries int
	policy        retry.Policy
	sleep         func(context.Context, time.Duration) error

	// mu serializes Commit, Rollback, loads and log writes.
	mu        sync.Mutex
	project   domain.Project
	branch    domain.Branch
	persisted bool // project and branch rows exist
	open      bool
	current   *domain.Snapshot
	next      *domain.Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithLocks sets the keyed lock used to serialize writes per branch.
func WithLocks(k *lock.Keyed) Option {
	return func(s *Store) {
		s.locks = k
	}
}

// WithMetrics records commits, retries and rollbacks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithCommitRetries sets how many times a transient commit failure is retried.
func WithCommitRetries(n int) Option {
	return func(s *Store) {
		s.commitRetries = n
	}
}

// WithRetryPolicy sets the backoff used between commit attempts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// WithSleep replaces the pause between commit attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Store) {
		s.sleep = fn
	}
}

// New creates a Store.
func New(repo ports.Repository, tree ports.FileTree, opts ...Option) *Store {
	s := &Store{
		repo:          repo,
		tree:          tree,
		files:         filestore.New(),
		logger:        logging.NewNop(),
		commitRetries: DefaultCommitRetries,
		policy:        retry.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = lock.NewKeyed(lock.WithLogger(s.logger))
	}
	return s
}

// Repository returns the underlying repository.
func (s *Store) Repository() ports.Repository { return s.repo }

// Tree returns the workspace tree.
func (s *Store) Tree() ports.FileTree { return s.tree }

// Current returns the last committed snapshot.
func (s *Store) Current() *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Next returns the snapshot being built, or nil when no unit of work is open.
func (s *Store) Next() *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Project returns the loaded project.
func (s *Store) Project() domain.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// Branch returns the loaded branch.
func (s *Store) Branch() domain.Branch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.branch
}

// CreateProject starts a new project with an empty first snapshot. Nothing is
// persisted until the first Commit.
func (s *Store) CreateProject(ctx context.Context, name string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeOpenLocked("create project")

	project := domain.NewProject(name)
	branch := domain.NewBranch(project.ID, "")
	initial := domain.NewSnapshot(branch.ID)

	s.files.Reset()
	s.project = project
	s.branch = branch
	s.persisted = false
	s.current = initial
	s.next = initial
	s.open = true

	s.logger.Info("Created project", "project", project.Name, "project_id", project.ID, "branch_id", branch.ID)
	return initial, nil
}

// LoadProject loads a snapshot, deletes every later snapshot of its branch, and
// opens a unit of work on top of it.
func (s *Store) LoadProject(ctx context.Context, sel Selection) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeOpenLocked("load project")

	branch, err := s.resolveBranch(ctx, sel)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.GetProject(ctx, branch.ProjectID)
	if err != nil {
		return nil, err
	}

	var stored *ports.StoredSnapshot
	err = s.locks.WithLock(ctx, branch.ID, func(ctx context.Context) error {
		stored, err = s.repo.LoadSnapshot(ctx, branch.ID, sel.StepIndex)
		if err != nil {
			return err
		}
		return s.truncate(ctx, branch.ID, stored.Record.StepIndex)
	})
	if err != nil {
		return nil, err
	}

	snap, err := domain.RestoreSnapshot(stored.Record, stored.Specification, stored.Files)
	if err != nil {
		return nil, err
	}
	snap.Freeze()

	s.files.Adopt(snap.FileContents()...)
	s.project = project
	s.branch = branch
	s.persisted = true
	s.current = snap
	s.next = snap.Fork()
	s.open = true

	s.logger.Info("Loaded project",
		"project", project.Name,
		"branch", branch.Name,
		"step_index", snap.StepIndex,
	)
	return snap, nil
}

func (s *Store) resolveBranch(ctx context.Context, sel Selection) (domain.Branch, error) {
	switch {
	case sel.BranchID != "":
		return s.repo.GetBranch(ctx, sel.BranchID)
	case sel.ProjectID != "":
		return s.repo.DefaultBranch(ctx, sel.ProjectID)
	default:
		return domain.Branch{}, ErrNoSelection
	}
}

// truncate deletes the snapshots after stepIndex and sweeps unreferenced contents
// and specifications.
func (s *Store) truncate(ctx context.Context, branchID string, stepIndex int) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	deleted, err := tx.DeleteAfter(ctx, branchID, stepIndex)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to truncate branch: %w", err)
	}
	s.files.Reset()
	swept, err := s.files.DeleteOrphans(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete orphan contents: %w", err)
	}
	specs, err := tx.DeleteOrphanSpecifications(ctx)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete orphan specifications: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info("Deleted later snapshots", "branch_id", branchID, "after_step", stepIndex,
			"snapshots", deleted, "contents", swept, "specifications", len(specs))
	}
	return nil
}

// Commit persists Next, promotes it to Current and forks a new Next.
func (s *Store) Commit(ctx context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.next == nil {
		return nil, ErrNoUnitOfWork
	}

	next := s.next
	loop := retry.NewLoop(
		retry.WithPolicy(retry.Policy{
			MaxAttempts: s.commitRetries + 1,
			BaseDelay:   s.policy.BaseDelay,
			MaxDelay:    s.policy.MaxDelay,
			Multiplier:  s.policy.Multiplier,
		}),
		retry.WithSleep(s.sleepFunc()),
		retry.WithLogger(s.logger),
		retry.WithOnAttempt(func(info retry.AttemptInfo) {
			if info.Class == retry.Transient || info.Class == retry.RateLimited {
				s.metrics.CommitRetry()
			}
		}),
	)
	err := s.locks.WithLock(ctx, s.branch.ID, func(ctx context.Context) error {
		_, err := retry.Do(ctx, loop, func(ctx context.Context, _ retry.Attempt) (struct{}, error) {
			return struct{}{}, s.persist(ctx, next)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit snapshot %d: %w", next.StepIndex, err)
	}

	next.Freeze()
	s.persisted = true
	s.current = next
	s.next = next.Fork()
	s.metrics.Commit()

	s.logger.Debug("Committed snapshot",
		"step_index", next.StepIndex,
		"id", next.ID,
		"action", next.Action(),
	)
	return next, nil
}

func (s *Store) sleepFunc() func(context.Context, time.Duration) error {
	if s.sleep != nil {
		return s.sleep
	}
	return func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// persist writes next and everything it references in one transaction.
func (s *Store) persist(ctx context.Context, next *domain.Snapshot) (err error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if !s.persisted {
		if err := tx.SaveProject(ctx, s.project); err != nil {
			return err
		}
		if err := tx.SaveBranch(ctx, s.branch); err != nil {
			return err
		}
	}
	if err := tx.SaveSpecification(ctx, next.Specification()); err != nil {
		return err
	}

	referenced := map[string]bool{}
	for _, c := range next.FileContents() {
		referenced[c.ID] = true
	}
	var stored, unused []*domain.FileContent
	for _, c := range s.files.Staged() {
		if !referenced[c.ID] {
			unused = append(unused, c)
			continue
		}
		if err := tx.StoreContent(ctx, c); err != nil {
			return err
		}
		stored = append(stored, c)
	}

	rec, files := next.Record()
	if err := tx.SaveSnapshot(ctx, rec, files); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.files.MarkPersisted(stored)
	s.files.Discard(unused)
	return nil
}

// Rollback discards Next. It is safe to call more than once.
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.next = nil
	s.open = false
	s.metrics.Rollback()
	s.logger.Debug("Rolled back unit of work", "branch_id", s.branch.ID)
	return nil
}

// Close discards any open unit of work.
func (s *Store) Close(ctx context.Context) error {
	return s.Rollback(ctx)
}

func (s *Store) closeOpenLocked(op string) {
	if !s.open {
		return
	}
	s.logger.Warn("Unit of work still open, rolling back", "op", op, "branch_id", s.branch.ID)
	s.next = nil
	s.open = false
	s.metrics.Rollback()
}

// nextSnapshot returns Next or ErrNoUnitOfWork.
func (s *Store) nextSnapshot() (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.next == nil {
		return nil, ErrNoUnitOfWork
	}
	return s.next, nil
}

// LogRequest records an outbound request attempt. Failures are logged, not returned.
func (s *Store) LogRequest(ctx context.Context, l ports.RequestLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.StateID == "" && s.current != nil {
		l.StateID = s.current.ID
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.writeLog(ctx, "request", func(tx ports.Transaction) error {
		return tx.InsertRequestLog(ctx, l)
	})
}

// LogCommand records a subprocess run. Failures are logged, not returned.
func (s *Store) LogCommand(ctx context.Context, l ports.CommandLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.StateID == "" && s.current != nil {
		l.StateID = s.current.ID
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.writeLog(ctx, "command", func(tx ports.Transaction) error {
		return tx.InsertCommandLog(ctx, l)
	})
}

func (s *Store) writeLog(ctx context.Context, kind string, fn func(ports.Transaction) error) {
	tx, err := s.repo.Begin(ctx)
	if err == nil {
		if err = fn(tx); err == nil {
			err = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
	}
	if err != nil {
		s.logger.Warn("Failed to write log", "kind", kind, "err", err)
	}
}
