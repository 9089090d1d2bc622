package sqlite

// schema is applied idempotently on open. It is never migrated: the hierarchy
// columns hold schema-less JSON so their payloads can evolve in code.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		folder_name TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS branches (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS specifications (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS project_states (
		id               TEXT PRIMARY KEY,
		branch_id        TEXT NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
		prev_state_id    TEXT UNIQUE REFERENCES project_states(id) DEFERRABLE INITIALLY DEFERRED,
		specification_id TEXT NOT NULL REFERENCES specifications(id),
		step_index       INTEGER NOT NULL,
		epics            TEXT NOT NULL,
		tasks            TEXT NOT NULL,
		steps            TEXT NOT NULL,
		iterations       TEXT NOT NULL,
		knowledge_base   TEXT NOT NULL,
		relevant_files   TEXT,
		modified_files   TEXT NOT NULL,
		docs             TEXT,
		run_command      TEXT NOT NULL DEFAULT '',
		action           TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		UNIQUE (branch_id, step_index)
	)`,
	`CREATE TABLE IF NOT EXISTS file_contents (
		id      TEXT PRIMARY KEY,
		content BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		project_state_id TEXT NOT NULL REFERENCES project_states(id) ON DELETE CASCADE,
		content_id       TEXT NOT NULL REFERENCES file_contents(id),
		path             TEXT NOT NULL,
		meta             TEXT,
		PRIMARY KEY (project_state_id, path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_content ON files(content_id)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id               TEXT PRIMARY KEY,
		project_state_id TEXT,
		worker           TEXT NOT NULL,
		attempt          INTEGER NOT NULL,
		class            TEXT NOT NULL DEFAULT '',
		error            TEXT NOT NULL DEFAULT '',
		duration_ms      INTEGER NOT NULL,
		created_at       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS command_logs (
		id               TEXT PRIMARY KEY,
		project_state_id TEXT,
		command          TEXT NOT NULL,
		cwd              TEXT NOT NULL DEFAULT '',
		exit_code        INTEGER NOT NULL,
		stdout           TEXT NOT NULL DEFAULT '',
		stderr           TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		duration_ms      INTEGER NOT NULL,
		created_at       TEXT NOT NULL
	)`,
}
