package store

import (
	"database/sql"
	"errors"
	"strings"

	"loom/internal/types"
)

const workerColumns = `id, outcome_id, name, status, current_task_id, iteration,
	cost_usd, progress_summary, branch_name, started_at, stopped_at,
	last_observation_id, created_at, updated_at`

// CreateWorker persists a new worker.
func (s *Store) CreateWorker(w *types.Worker) error {
	return createWorker(s.db, w)
}

// CreateWorker persists a new worker inside the transaction.
func (t *Tx) CreateWorker(w *types.Worker) error {
	return createWorker(t.tx, w)
}

func createWorker(q dbtx, w *types.Worker) error {
	if strings.TrimSpace(w.Name) == "" {
		return types.E(types.KindValidation, "worker name required")
	}
	if w.OutcomeID == "" {
		return types.E(types.KindValidation, "worker outcome_id required")
	}
	if w.ID == "" {
		w.ID = types.NewID(types.PrefixWorker)
	}
	if w.Status == "" {
		w.Status = types.WorkerIdle
	}
	w.CreatedAt = now()
	w.UpdatedAt = w.CreatedAt
	if w.StartedAt.IsZero() {
		w.StartedAt = w.CreatedAt
	}

	_, err := q.Exec(`INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OutcomeID, w.Name, w.Status, w.CurrentTaskID, w.Iteration,
		w.CostUSD, w.ProgressSummary, w.BranchName, fmtTime(w.StartedAt),
		fmtTimePtr(w.StoppedAt), w.LastObservationID,
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
	return types.Wrap(types.KindInternal, err, "insert worker %s", w.ID)
}

// GetWorker fetches one worker by ID.
func (s *Store) GetWorker(id string) (*types.Worker, error) {
	return getWorker(s.db, id)
}

// GetWorker fetches one worker inside the transaction.
func (t *Tx) GetWorker(id string) (*types.Worker, error) {
	return getWorker(t.tx, id)
}

func getWorker(q dbtx, id string) (*types.Worker, error) {
	row := q.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "worker %s", id)
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan worker %s", id)
	}
	return w, nil
}

func scanWorker(row rowScanner) (*types.Worker, error) {
	var w types.Worker
	var startedAt, createdAt, updatedAt string
	var stoppedAt sql.NullString
	if err := row.Scan(&w.ID, &w.OutcomeID, &w.Name, &w.Status, &w.CurrentTaskID,
		&w.Iteration, &w.CostUSD, &w.ProgressSummary, &w.BranchName, &startedAt,
		&stoppedAt, &w.LastObservationID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.StartedAt = parseTime(startedAt)
	w.StoppedAt = parseTimePtr(stoppedAt)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

// UpdateWorker rewrites a worker row.
func (s *Store) UpdateWorker(w *types.Worker) error {
	return updateWorker(s.db, w)
}

// UpdateWorker rewrites a worker row inside the transaction.
func (t *Tx) UpdateWorker(w *types.Worker) error {
	return updateWorker(t.tx, w)
}

func updateWorker(q dbtx, w *types.Worker) error {
	w.UpdatedAt = now()
	res, err := q.Exec(`UPDATE workers SET name = ?, status = ?, current_task_id = ?,
		iteration = ?, cost_usd = ?, progress_summary = ?, branch_name = ?,
		started_at = ?, stopped_at = ?, last_observation_id = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, w.Status, w.CurrentTaskID, w.Iteration, w.CostUSD,
		w.ProgressSummary, w.BranchName, fmtTime(w.StartedAt),
		fmtTimePtr(w.StoppedAt), w.LastObservationID, fmtTime(w.UpdatedAt), w.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "update worker %s", w.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "worker %s", w.ID)
	}
	return nil
}

// ListWorkers returns an outcome's workers, optionally filtered by status.
func (s *Store) ListWorkers(outcomeID string, status types.WorkerStatus) ([]*types.Worker, error) {
	return listWorkers(s.db, outcomeID, status)
}

// ListWorkers returns an outcome's workers inside the transaction.
func (t *Tx) ListWorkers(outcomeID string, status types.WorkerStatus) ([]*types.Worker, error) {
	return listWorkers(t.tx, outcomeID, status)
}

func listWorkers(q dbtx, outcomeID string, status types.WorkerStatus) ([]*types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE outcome_id = ?`
	args := []interface{}{outcomeID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list workers for %s", outcomeID)
	}
	defer rows.Close()

	var out []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan worker")
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// =============================================================================
// PROGRESS ENTRIES (append-only)
// =============================================================================

// AppendProgress writes one progress entry and returns its monotonic ID.
// Entries are never mutated after write.
func (s *Store) AppendProgress(e *types.ProgressEntry) (int64, error) {
	e.CreatedAt = now()
	res, err := s.db.Exec(`INSERT INTO progress_entries
		(worker_id, iteration, task_id, content, raw_output, observation_id, compacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkerID, e.Iteration, e.TaskID, e.Content, e.RawOutput,
		e.ObservationID, boolInt(e.Compacted), fmtTime(e.CreatedAt))
	if err != nil {
		return 0, types.Wrap(types.KindInternal, err, "append progress for %s", e.WorkerID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, types.Wrap(types.KindInternal, err, "progress id for %s", e.WorkerID)
	}
	e.ID = id
	return id, nil
}

// ListProgress returns a worker's progress entries in insertion order,
// optionally only those after a given entry ID.
func (s *Store) ListProgress(workerID string, afterID int64) ([]*types.ProgressEntry, error) {
	rows, err := s.db.Query(`SELECT id, worker_id, iteration, task_id, content,
		raw_output, observation_id, compacted, created_at
		FROM progress_entries WHERE worker_id = ? AND id > ? ORDER BY id`,
		workerID, afterID)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list progress for %s", workerID)
	}
	defer rows.Close()

	var out []*types.ProgressEntry
	for rows.Next() {
		var e types.ProgressEntry
		var compacted int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.Iteration, &e.TaskID, &e.Content,
			&e.RawOutput, &e.ObservationID, &compacted, &createdAt); err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan progress entry")
		}
		e.Compacted = compacted != 0
		e.CreatedAt = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LatestCompactedEntry returns the most recent compacted summary entry for a
// worker, or nil when none exists. Prompt building reads from here forward.
func (s *Store) LatestCompactedEntry(workerID string) (*types.ProgressEntry, error) {
	row := s.db.QueryRow(`SELECT id, worker_id, iteration, task_id, content,
		raw_output, observation_id, compacted, created_at
		FROM progress_entries WHERE worker_id = ? AND compacted = 1
		ORDER BY id DESC LIMIT 1`, workerID)
	var e types.ProgressEntry
	var compacted int
	var createdAt string
	err := row.Scan(&e.ID, &e.WorkerID, &e.Iteration, &e.TaskID, &e.Content,
		&e.RawOutput, &e.ObservationID, &compacted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "latest compacted entry for %s", workerID)
	}
	e.Compacted = true
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// =============================================================================
// OBSERVATIONS (write once per iteration)
// =============================================================================

// SaveObservation writes one observation.
func (s *Store) SaveObservation(o *types.Observation) error {
	if o.ID == "" {
		o.ID = types.NewID(types.PrefixObservation)
	}
	o.CreatedAt = now()
	discoveries, err := marshal(o.Discoveries)
	if err != nil {
		return err
	}
	drift, err := marshal(emptyIfNil(o.Drift))
	if err != nil {
		return err
	}
	issues, err := marshal(emptyIfNil(o.Issues))
	if err != nil {
		return err
	}
	ambiguity := ""
	if o.Ambiguity != nil {
		if ambiguity, err = marshal(o.Ambiguity); err != nil {
			return err
		}
	}
	_, err = s.db.Exec(`INSERT INTO observations (id, worker_id, task_id, iteration,
		alignment_score, quality, on_track, task_complete, discoveries, drift,
		issues, has_ambiguity, ambiguity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.WorkerID, o.TaskID, o.Iteration, o.AlignmentScore, o.Quality,
		boolInt(o.OnTrack), boolInt(o.TaskComplete), discoveries, drift, issues,
		boolInt(o.HasAmbiguity), ambiguity, fmtTime(o.CreatedAt))
	return types.Wrap(types.KindInternal, err, "insert observation %s", o.ID)
}

// GetObservation fetches one observation by ID.
func (s *Store) GetObservation(id string) (*types.Observation, error) {
	row := s.db.QueryRow(`SELECT id, worker_id, task_id, iteration, alignment_score,
		quality, on_track, task_complete, discoveries, drift, issues,
		has_ambiguity, ambiguity, created_at FROM observations WHERE id = ?`, id)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "observation %s", id)
	}
	return o, err
}

// ListObservationsForTask returns a task's observations ordered by iteration.
func (s *Store) ListObservationsForTask(taskID string) ([]*types.Observation, error) {
	rows, err := s.db.Query(`SELECT id, worker_id, task_id, iteration, alignment_score,
		quality, on_track, task_complete, discoveries, drift, issues,
		has_ambiguity, ambiguity, created_at
		FROM observations WHERE task_id = ? ORDER BY iteration`, taskID)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list observations for %s", taskID)
	}
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanObservation(row rowScanner) (*types.Observation, error) {
	var o types.Observation
	var onTrack, taskComplete, hasAmbiguity int
	var discoveries, drift, issues, ambiguity, createdAt string
	if err := row.Scan(&o.ID, &o.WorkerID, &o.TaskID, &o.Iteration,
		&o.AlignmentScore, &o.Quality, &onTrack, &taskComplete, &discoveries,
		&drift, &issues, &hasAmbiguity, &ambiguity, &createdAt); err != nil {
		return nil, err
	}
	o.OnTrack = onTrack != 0
	o.TaskComplete = taskComplete != 0
	o.HasAmbiguity = hasAmbiguity != 0
	if err := unmarshal(discoveries, &o.Discoveries); err != nil {
		return nil, err
	}
	if err := unmarshal(drift, &o.Drift); err != nil {
		return nil, err
	}
	if err := unmarshal(issues, &o.Issues); err != nil {
		return nil, err
	}
	if ambiguity != "" {
		o.Ambiguity = &types.Ambiguity{}
		if err := unmarshal(ambiguity, o.Ambiguity); err != nil {
			return nil, err
		}
	}
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}
