package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
)

var errTxDone = errors.New("transaction already finished")

type storedState struct {
	record    []byte
	branchID  string
	prevID    string
	specID    string
	stepIndex int
	files     []domain.FileRecord
}

type db struct {
	projects    map[string]domain.Project
	branches    map[string]domain.Branch
	specs       map[string][]byte
	states      map[string]storedState
	contents    map[string][]byte
	requestLogs []ports.RequestLog
	commandLogs []ports.CommandLog
}

func newDB() *db {
	return &db{
		projects: map[string]domain.Project{},
		branches: map[string]domain.Branch{},
		specs:    map[string][]byte{},
		states:   map[string]storedState{},
		contents: map[string][]byte{},
	}
}

// clone copies the maps; stored values are never mutated in place.
func (d *db) clone() *db {
	out := newDB()
	for k, v := range d.projects {
		out.projects[k] = v
	}
	for k, v := range d.branches {
		out.branches[k] = v
	}
	for k, v := range d.specs {
		out.specs[k] = v
	}
	for k, v := range d.states {
		out.states[k] = v
	}
	for k, v := range d.contents {
		out.contents[k] = v
	}
	out.requestLogs = append([]ports.RequestLog(nil), d.requestLogs...)
	out.commandLogs = append([]ports.CommandLog(nil), d.commandLogs...)
	return out
}

// Repository implements ports.Repository in memory.
// Records are stored serialized, so loads behave like a real database round trip.
// Safe for concurrent use; transactions are serialized.
type Repository struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *db
}

// NewRepository creates a new in-memory repository.
func NewRepository() *Repository {
	return &Repository{data: newDB()}
}

// Close is a no-op.
func (r *Repository) Close() error { return nil }

// GetProject returns a project by ID.
func (r *Repository) GetProject(ctx context.Context, id string) (domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.data.projects[id]
	if !ok {
		return domain.Project{}, ports.ErrProjectNotFound
	}
	return p, nil
}

// ListProjects returns all projects, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Project, 0, len(r.data.projects))
	for _, p := range r.data.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetBranch returns a branch by ID.
func (r *Repository) GetBranch(ctx context.Context, id string) (domain.Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.data.branches[id]
	if !ok {
		return domain.Branch{}, ports.ErrBranchNotFound
	}
	return b, nil
}

// ListBranches returns the project's branches, oldest first.
func (r *Repository) ListBranches(ctx context.Context, projectID string) ([]domain.Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.branchesOf(projectID), nil
}

func (r *Repository) branchesOf(projectID string) []domain.Branch {
	var out []domain.Branch
	for _, b := range r.data.branches {
		if b.ProjectID == projectID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DefaultBranch returns the project's default branch.
func (r *Repository) DefaultBranch(ctx context.Context, projectID string) (domain.Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	branches := r.branchesOf(projectID)
	if len(branches) == 0 {
		return domain.Branch{}, ports.ErrBranchNotFound
	}
	for _, b := range branches {
		if b.Name == domain.DefaultBranchName {
			return b, nil
		}
	}
	return branches[0], nil
}

// LoadSnapshot returns the snapshot at stepIndex, or the latest when stepIndex <= 0.
func (r *Repository) LoadSnapshot(ctx context.Context, branchID string, stepIndex int) (*ports.StoredSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *storedState
	for _, st := range r.data.states {
		if st.branchID != branchID {
			continue
		}
		if stepIndex > 0 && st.stepIndex == stepIndex {
			found = &st
			break
		}
		if stepIndex <= 0 && (found == nil || st.stepIndex > found.stepIndex) {
			found = &st
		}
	}
	if found == nil {
		return nil, ports.ErrSnapshotNotFound
	}

	out := &ports.StoredSnapshot{}
	if err := json.Unmarshal(found.record, &out.Record); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %d: %w", found.stepIndex, err)
	}
	if raw, ok := r.data.specs[found.specID]; ok {
		var spec domain.Specification
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode specification: %w", err)
		}
		out.Specification = &spec
	}

	contents := map[string]*domain.FileContent{}
	for _, fr := range found.files {
		c, ok := contents[fr.ContentID]
		if !ok {
			data, exists := r.data.contents[fr.ContentID]
			if !exists {
				return nil, fmt.Errorf("file %s references missing content %s", fr.Path, fr.ContentID)
			}
			c = &domain.FileContent{ID: fr.ContentID, Content: append([]byte(nil), data...)}
			contents[fr.ContentID] = c
		}
		var meta map[string]any
		if fr.Meta != nil {
			raw, _ := json.Marshal(fr.Meta)
			_ = json.Unmarshal(raw, &meta)
		}
		out.Files = append(out.Files, domain.File{Path: fr.Path, Content: c, Meta: meta})
	}
	return out, nil
}

// ListSnapshots returns the branch's snapshots by step index.
func (r *Repository) ListSnapshots(ctx context.Context, branchID string) ([]ports.SnapshotSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ports.SnapshotSummary
	for _, st := range r.data.states {
		if st.branchID != branchID {
			continue
		}
		var rec domain.SnapshotRecord
		if err := json.Unmarshal(st.record, &rec); err != nil {
			return nil, err
		}
		out = append(out, ports.SnapshotSummary{ID: rec.ID, StepIndex: rec.StepIndex, Action: rec.Action, CreatedAt: rec.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// ContentExists reports whether content with the given hash is stored.
func (r *Repository) ContentExists(ctx context.Context, hash string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.data.contents[hash]
	return ok, nil
}

// ContentCount returns the number of stored contents.
func (r *Repository) ContentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data.contents)
}

// SpecificationCount returns the number of stored specifications.
func (r *Repository) SpecificationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data.specs)
}

// RequestLogs returns the committed request logs.
func (r *Repository) RequestLogs() []ports.RequestLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ports.RequestLog(nil), r.data.requestLogs...)
}

// CommandLogs returns the committed command logs.
func (r *Repository) CommandLogs() []ports.CommandLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ports.CommandLog(nil), r.data.commandLogs...)
}

// Begin starts a transaction. Writes are applied to a private copy that replaces
// the live data on Commit. Only one transaction is open at a time.
func (r *Repository) Begin(ctx context.Context) (ports.Transaction, error) {
	r.txMu.Lock()
	r.mu.RLock()
	work := r.data.clone()
	r.mu.RUnlock()
	return &tx{repo: r, work: work}, nil
}

type tx struct {
	repo *Repository
	work *db
	done bool
}

func (t *tx) check() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *tx) SaveProject(ctx context.Context, p domain.Project) error {
	if err := t.check(); err != nil {
		return err
	}
	t.work.projects[p.ID] = p
	return nil
}

func (t *tx) SaveBranch(ctx context.Context, b domain.Branch) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.work.projects[b.ProjectID]; !ok {
		return fmt.Errorf("branch %s: %w", b.ID, ports.ErrProjectNotFound)
	}
	t.work.branches[b.ID] = b
	return nil
}

func (t *tx) SaveSpecification(ctx context.Context, spec *domain.Specification) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.work.specs[spec.ID]; ok {
		return nil
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode specification: %w", err)
	}
	t.work.specs[spec.ID] = raw
	return nil
}

func (t *tx) SaveSnapshot(ctx context.Context, rec domain.SnapshotRecord, files []domain.FileRecord) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.work.branches[rec.BranchID]; !ok {
		return fmt.Errorf("snapshot %s: %w", rec.ID, ports.ErrBranchNotFound)
	}
	if _, ok := t.work.specs[rec.SpecificationID]; !ok {
		return fmt.Errorf("snapshot %s references unknown specification %s", rec.ID, rec.SpecificationID)
	}
	for _, st := range t.work.states {
		if st.branchID == rec.BranchID && st.stepIndex == rec.StepIndex {
			return fmt.Errorf("step %d: %w", rec.StepIndex, ports.ErrConflict)
		}
		if rec.PrevID != "" && st.prevID == rec.PrevID {
			return fmt.Errorf("second child of %s: %w", rec.PrevID, ports.ErrConflict)
		}
	}
	for _, f := range files {
		if _, ok := t.work.contents[f.ContentID]; !ok {
			return fmt.Errorf("file %s references unknown content %s", f.Path, f.ContentID)
		}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	t.work.states[rec.ID] = storedState{
		record:    raw,
		branchID:  rec.BranchID,
		prevID:    rec.PrevID,
		specID:    rec.SpecificationID,
		stepIndex: rec.StepIndex,
		files:     append([]domain.FileRecord(nil), files...),
	}
	return nil
}

func (t *tx) StoreContent(ctx context.Context, c *domain.FileContent) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.work.contents[c.ID]; !ok {
		t.work.contents[c.ID] = append([]byte(nil), c.Content...)
	}
	return nil
}

func (t *tx) DeleteAfter(ctx context.Context, branchID string, stepIndex int) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	n := 0
	for id, st := range t.work.states {
		if st.branchID == branchID && st.stepIndex > stepIndex {
			delete(t.work.states, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) DeleteOrphanContents(ctx context.Context) ([]string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	used := map[string]bool{}
	for _, st := range t.work.states {
		for _, f := range st.files {
			used[f.ContentID] = true
		}
	}
	var removed []string
	for id := range t.work.contents {
		if !used[id] {
			delete(t.work.contents, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (t *tx) DeleteOrphanSpecifications(ctx context.Context) ([]string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	used := map[string]bool{}
	for _, st := range t.work.states {
		used[st.specID] = true
	}
	var removed []string
	for id := range t.work.specs {
		if !used[id] {
			delete(t.work.specs, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (t *tx) InsertRequestLog(ctx context.Context, l ports.RequestLog) error {
	if err := t.check(); err != nil {
		return err
	}
	t.work.requestLogs = append(t.work.requestLogs, l)
	return nil
}

func (t *tx) InsertCommandLog(ctx context.Context, l ports.CommandLog) error {
	if err := t.check(); err != nil {
		return err
	}
	t.work.commandLogs = append(t.work.commandLogs, l)
	return nil
}

func (t *tx) Commit() error {
	if err := t.check(); err != nil {
		return err
	}
	t.repo.mu.Lock()
	t.repo.data = t.work
	t.repo.mu.Unlock()
	t.finish()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.work = nil
	t.repo.txMu.Unlock()
}
