package store

import (
	"database/sql"
	"fmt"

	"loom/internal/logging"
)

// Schema versions:
// v1: initial tables
// v2: escalations.incorporated flag for retrospective bookkeeping
const currentSchemaVersion = 2

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS outcomes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		brief TEXT NOT NULL DEFAULT '',
		intent TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		capability_ready TEXT NOT NULL,
		working_dir TEXT NOT NULL DEFAULT '',
		work_branch TEXT NOT NULL DEFAULT '',
		git_mode TEXT NOT NULL DEFAULT 'none',
		parallel INTEGER NOT NULL DEFAULT 0,
		consecutive_zero_issues INTEGER NOT NULL DEFAULT 0,
		last_cycle_index INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_parent ON outcomes(parent_id)`,

	`CREATE TABLE IF NOT EXISTS design_docs (
		id TEXT PRIMARY KEY,
		outcome_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		approach TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(outcome_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		outcome_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		task_intent TEXT NOT NULL DEFAULT '',
		task_approach TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 100,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		phase TEXT NOT NULL,
		capability_type TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '[]',
		required_capabilities TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		claimed_by TEXT NOT NULL DEFAULT '',
		from_review INTEGER NOT NULL DEFAULT 0,
		review_cycle INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_outcome_status ON tasks(outcome_id, status)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		outcome_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		current_task_id TEXT NOT NULL DEFAULT '',
		iteration INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		progress_summary TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL DEFAULT '',
		stopped_at TEXT,
		last_observation_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_outcome ON workers(outcome_id, status)`,

	`CREATE TABLE IF NOT EXISTS progress_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		raw_output TEXT NOT NULL DEFAULT '',
		observation_id TEXT NOT NULL DEFAULT '',
		compacted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_worker ON progress_entries(worker_id, id)`,

	`CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		alignment_score INTEGER NOT NULL,
		quality TEXT NOT NULL,
		on_track INTEGER NOT NULL,
		task_complete INTEGER NOT NULL DEFAULT 0,
		discoveries TEXT NOT NULL DEFAULT '[]',
		drift TEXT NOT NULL DEFAULT '[]',
		issues TEXT NOT NULL DEFAULT '[]',
		has_ambiguity INTEGER NOT NULL DEFAULT 0,
		ambiguity TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_observations_worker ON observations(worker_id, iteration)`,
	`CREATE INDEX IF NOT EXISTS idx_observations_task ON observations(task_id, iteration)`,

	`CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		outcome_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		question TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		affected_tasks TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		selected_option TEXT NOT NULL DEFAULT '',
		user_context TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_escalations_outcome ON escalations(outcome_id, status)`,

	`CREATE TABLE IF NOT EXISTS review_cycles (
		id TEXT PRIMARY KEY,
		outcome_id TEXT NOT NULL,
		cycle_index INTEGER NOT NULL,
		criteria_only INTEGER NOT NULL DEFAULT 0,
		item_results TEXT NOT NULL DEFAULT '[]',
		criteria_results TEXT NOT NULL DEFAULT '[]',
		issues TEXT NOT NULL DEFAULT '[]',
		issues_found INTEGER NOT NULL DEFAULT 0,
		remediation_tasks TEXT NOT NULL DEFAULT '[]',
		all_criteria_pass INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE(outcome_id, cycle_index)
	)`,

	`CREATE TABLE IF NOT EXISTS analysis_jobs (
		id TEXT PRIMARY KEY,
		outcome_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_outcome ON analysis_jobs(outcome_id, status)`,

	`CREATE TABLE IF NOT EXISTS merge_requests (
		id TEXT PRIMARY KEY,
		outcome_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		state TEXT NOT NULL,
		conflicts TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_merges_outcome ON merge_requests(outcome_id, state)`,
}

// columnMigration adds a column to an existing table. These handle databases
// created before the column existed.
type columnMigration struct {
	table  string
	column string
	def    string
}

var pendingColumnMigrations = []columnMigration{
	// v2: retrospective incorporation flag
	{"escalations", "incorporated", "INTEGER NOT NULL DEFAULT 0"},
}

// migrate creates the schema and applies pending column migrations.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w\n%s", err, stmt)
		}
	}

	applied := 0
	for _, m := range pendingColumnMigrations {
		if !tableExists(s.db, m.table) {
			continue
		}
		if columnExists(s.db, m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
		applied++
	}
	if applied > 0 {
		logging.Get(logging.CategoryStore).Info("applied %d column migrations", applied)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_info").Scan(&count); err != nil {
		return fmt.Errorf("reading schema_info: %w", err)
	}
	if count == 0 {
		_, err := s.db.Exec("INSERT INTO schema_info (version) VALUES (?)", currentSchemaVersion)
		return err
	}
	_, err := s.db.Exec("UPDATE schema_info SET version = ?", currentSchemaVersion)
	return err
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
