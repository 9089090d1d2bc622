// Package sqlite implements ports.Repository on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/retry"
)

// Repository provides persistence on a SQLite database file.
type Repository struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cannot apply schema: %w", err)
		}
	}
	return &Repository{db: db, path: path}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (r *Repository) Path() string { return r.path }

// GetProject returns a project by ID.
func (r *Repository) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, folder_name, created_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Project{}, ports.ErrProjectNotFound
	}
	return p, err
}

// ListProjects returns all projects, oldest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, folder_name, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetBranch returns a branch by ID.
func (r *Repository) GetBranch(ctx context.Context, id string) (domain.Branch, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, project_id, name, created_at FROM branches WHERE id = ?`, id)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Branch{}, ports.ErrBranchNotFound
	}
	return b, err
}

// DefaultBranch returns the project's default branch, or its oldest one.
func (r *Repository) DefaultBranch(ctx context.Context, projectID string) (domain.Branch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, created_at FROM branches
		WHERE project_id = ?
		ORDER BY (name = ?) DESC, created_at
		LIMIT 1`, projectID, domain.DefaultBranchName)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Branch{}, ports.ErrBranchNotFound
	}
	return b, err
}

// ListBranches returns the project's branches, oldest first.
func (r *Repository) ListBranches(ctx context.Context, projectID string) ([]domain.Branch, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, project_id, name, created_at FROM branches WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var out []domain.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const stateColumns = `id, branch_id, prev_state_id, specification_id, step_index, epics, tasks, steps,
	iterations, knowledge_base, relevant_files, modified_files, docs, run_command, action, created_at`

// LoadSnapshot returns the snapshot at stepIndex, or the latest when stepIndex <= 0.
func (r *Repository) LoadSnapshot(ctx context.Context, branchID string, stepIndex int) (*ports.StoredSnapshot, error) {
	var row *sql.Row
	if stepIndex > 0 {
		row = r.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM project_states WHERE branch_id = ? AND step_index = ?`, branchID, stepIndex)
	} else {
		row = r.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM project_states WHERE branch_id = ? ORDER BY step_index DESC LIMIT 1`, branchID)
	}

	rec, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	out := &ports.StoredSnapshot{Record: rec}

	var specData string
	err = r.db.QueryRowContext(ctx, `SELECT data FROM specifications WHERE id = ?`, rec.SpecificationID).Scan(&specData)
	if err != nil {
		return nil, fmt.Errorf("load specification %s: %w", rec.SpecificationID, err)
	}
	var spec domain.Specification
	if err := json.Unmarshal([]byte(specData), &spec); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	out.Specification = &spec

	rows, err := r.db.QueryContext(ctx, `
		SELECT f.path, f.meta, c.id, c.content
		FROM files f JOIN file_contents c ON c.id = f.content_id
		WHERE f.project_state_id = ?
		ORDER BY f.path`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	contents := map[string]*domain.FileContent{}
	for rows.Next() {
		var (
			path, contentID string
			meta            sql.NullString
			data            []byte
		)
		if err := rows.Scan(&path, &meta, &contentID, &data); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		c, ok := contents[contentID]
		if !ok {
			c = &domain.FileContent{ID: contentID, Content: data}
			contents[contentID] = c
		}
		f := domain.File{Path: path, Content: c}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &f.Meta); err != nil {
				return nil, fmt.Errorf("decode meta of %s: %w", path, err)
			}
		}
		out.Files = append(out.Files, f)
	}
	return out, rows.Err()
}

// ListSnapshots returns the branch's snapshots by step index.
func (r *Repository) ListSnapshots(ctx context.Context, branchID string) ([]ports.SnapshotSummary, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, step_index, action, created_at FROM project_states WHERE branch_id = ? ORDER BY step_index`, branchID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []ports.SnapshotSummary
	for rows.Next() {
		var (
			s       ports.SnapshotSummary
			created string
		)
		if err := rows.Scan(&s.ID, &s.StepIndex, &s.Action, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = parseTime(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ContentExists reports whether content with the given hash is stored.
func (r *Repository) ContentExists(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_contents WHERE id = ?`, hash).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Begin starts a transaction.
func (r *Repository) Begin(ctx context.Context) (ports.Transaction, error) {
	t, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", classify(err))
	}
	return &tx{tx: t}, nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) SaveProject(ctx context.Context, p domain.Project) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, folder_name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, folder_name = excluded.folder_name`,
		p.ID, p.Name, p.FolderName, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}

func (t *tx) SaveBranch(ctx context.Context, b domain.Branch) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO branches (id, project_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		b.ID, b.ProjectID, b.Name, formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("save branch %s: %w", b.ID, err)
	}
	return nil
}

func (t *tx) SaveSpecification(ctx context.Context, spec *domain.Specification) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode specification: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO specifications (id, data) VALUES (?, ?)`, spec.ID, string(data)); err != nil {
		return fmt.Errorf("save specification %s: %w", spec.ID, err)
	}
	return nil
}

func (t *tx) SaveSnapshot(ctx context.Context, rec domain.SnapshotRecord, files []domain.FileRecord) error {
	cols := []any{}
	for _, v := range []any{rec.Epics, rec.Tasks, rec.Steps, rec.Iterations} {
		s, err := encodeJSON(v, "[]")
		if err != nil {
			return err
		}
		cols = append(cols, s)
	}
	kb, err := encodeJSON(rec.KnowledgeBase, "{}")
	if err != nil {
		return err
	}
	cols = append(cols, kb)
	relevant, err := encodeNullable(rec.RelevantFiles == nil, rec.RelevantFiles)
	if err != nil {
		return err
	}
	modified, err := encodeJSON(rec.ModifiedFiles, "{}")
	if err != nil {
		return err
	}
	docs, err := encodeNullable(rec.Docs == nil, rec.Docs)
	if err != nil {
		return err
	}

	var prev any
	if rec.PrevID != "" {
		prev = rec.PrevID
	}
	args := []any{rec.ID, rec.BranchID, prev, rec.SpecificationID, rec.StepIndex}
	args = append(args, cols...)
	args = append(args, relevant, modified, docs, rec.RunCommand, rec.Action, formatTime(rec.CreatedAt))

	_, err = t.tx.ExecContext(ctx, `INSERT INTO project_states (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save snapshot %d: %v: %w", rec.StepIndex, err, ports.ErrConflict)
		}
		return fmt.Errorf("save snapshot %d: %w", rec.StepIndex, classify(err))
	}

	stmt, err := t.tx.PrepareContext(ctx, `INSERT INTO files (project_state_id, content_id, path, meta) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		meta, err := encodeNullable(len(f.Meta) == 0, f.Meta)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, f.ContentID, f.Path, meta); err != nil {
			return fmt.Errorf("save file %s: %w", f.Path, err)
		}
	}
	return nil
}

func (t *tx) StoreContent(ctx context.Context, c *domain.FileContent) error {
	if _, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO file_contents (id, content) VALUES (?, ?)`, c.ID, c.Content); err != nil {
		return fmt.Errorf("store content %s: %w", c.ID, err)
	}
	return nil
}

func (t *tx) DeleteAfter(ctx context.Context, branchID string, stepIndex int) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM project_states WHERE branch_id = ? AND step_index > ?`, branchID, stepIndex)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots after %d: %w", stepIndex, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const orphanPredicate = `NOT EXISTS (SELECT 1 FROM files WHERE files.content_id = file_contents.id)`

func (t *tx) DeleteOrphanContents(ctx context.Context) ([]string, error) {
	ids, err := t.deleteWhere(ctx, "file_contents", orphanPredicate)
	if err != nil {
		return nil, fmt.Errorf("delete orphan contents: %w", err)
	}
	return ids, nil
}

const orphanSpecPredicate = `NOT EXISTS (SELECT 1 FROM project_states WHERE project_states.specification_id = specifications.id)`

func (t *tx) DeleteOrphanSpecifications(ctx context.Context) ([]string, error) {
	ids, err := t.deleteWhere(ctx, "specifications", orphanSpecPredicate)
	if err != nil {
		return nil, fmt.Errorf("delete orphan specifications: %w", err)
	}
	return ids, nil
}

// deleteWhere deletes the rows of table matching predicate and returns their sorted IDs.
func (t *tx) deleteWhere(ctx context.Context, table, predicate string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id FROM `+table+` WHERE `+predicate+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+predicate); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *tx) InsertRequestLog(ctx context.Context, l ports.RequestLog) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO request_logs (id, project_state_id, worker, attempt, class, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.StateID, l.Worker, l.Attempt, l.Class, l.Error, l.Duration.Milliseconds(), formatTime(l.CreatedAt))
	return err
}

func (t *tx) InsertCommandLog(ctx context.Context, l ports.CommandLog) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO command_logs (id, project_state_id, command, cwd, exit_code, stdout, stderr, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.StateID, l.Command, l.Cwd, l.ExitCode, l.Stdout, l.Stderr, l.Status, l.Duration.Milliseconds(), formatTime(l.CreatedAt))
	return err
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (domain.Project, error) {
	var (
		p       domain.Project
		created string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.FolderName, &created); err != nil {
		return domain.Project{}, err
	}
	p.CreatedAt = parseTime(created)
	return p, nil
}

func scanBranch(s scanner) (domain.Branch, error) {
	var (
		b       domain.Branch
		created string
	)
	if err := s.Scan(&b.ID, &b.ProjectID, &b.Name, &created); err != nil {
		return domain.Branch{}, err
	}
	b.CreatedAt = parseTime(created)
	return b, nil
}

func scanState(s scanner) (domain.SnapshotRecord, error) {
	var (
		rec                                 domain.SnapshotRecord
		prev, relevant, docs                sql.NullString
		epics, tasks, steps, iterations, kb string
		modified, created                   string
	)
	err := s.Scan(&rec.ID, &rec.BranchID, &prev, &rec.SpecificationID, &rec.StepIndex,
		&epics, &tasks, &steps, &iterations, &kb, &relevant, &modified, &docs,
		&rec.RunCommand, &rec.Action, &created)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	rec.PrevID = prev.String
	rec.CreatedAt = parseTime(created)

	decode := []struct {
		raw string
		out any
	}{
		{epics, &rec.Epics},
		{tasks, &rec.Tasks},
		{steps, &rec.Steps},
		{iterations, &rec.Iterations},
		{kb, &rec.KnowledgeBase},
		{modified, &rec.ModifiedFiles},
	}
	if relevant.Valid {
		decode = append(decode, struct {
			raw string
			out any
		}{relevant.String, &rec.RelevantFiles})
	}
	if docs.Valid {
		decode = append(decode, struct {
			raw string
			out any
		}{docs.String, &rec.Docs})
	}
	for _, d := range decode {
		if err := json.Unmarshal([]byte(d.raw), d.out); err != nil {
			return domain.SnapshotRecord{}, fmt.Errorf("decode snapshot %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func encodeJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func encodeNullable(isNull bool, v any) (any, error) {
	if isNull {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode column: %w", err)
	}
	return string(data), nil
}

// classify marks lock contention as transient so callers can retry.
func classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return retry.NewTransient(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
