package store

import (
	"database/sql"
	"errors"
	"strings"

	"loom/internal/types"
)

const taskColumns = `id, outcome_id, title, description, task_intent, task_approach,
	priority, attempts, max_attempts, phase, capability_type, depends_on,
	required_capabilities, status, claimed_by, from_review, review_cycle,
	created_at, updated_at`

func validateTask(t *types.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return types.E(types.KindValidation, "task title required")
	}
	if t.OutcomeID == "" {
		return types.E(types.KindValidation, "task outcome_id required")
	}
	switch t.Phase {
	case types.PhaseCapability, types.PhaseExecution:
	default:
		return types.E(types.KindValidation, "invalid task phase %q", t.Phase)
	}
	if t.Phase == types.PhaseCapability {
		switch t.CapabilityType {
		case types.CapabilitySkill, types.CapabilityTool:
		default:
			return types.E(types.KindValidation, "capability task needs capability_type skill or tool")
		}
	}
	for _, ref := range t.RequiredCapabilities {
		if _, _, ok := types.ParseCapabilityRef(ref); !ok {
			return types.E(types.KindValidation, "malformed capability reference %q", ref)
		}
	}
	return nil
}

// CreateTask persists one task inside the transaction. Dependency and cycle
// validation happens in the engine before this is called.
func (t *Tx) CreateTask(task *types.Task) error {
	return createTask(t.tx, task)
}

// CreateTask persists one task.
func (s *Store) CreateTask(task *types.Task) error {
	return createTask(s.db, task)
}

func createTask(q dbtx, task *types.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = types.NewID(types.PrefixTask)
	}
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = types.DefaultMaxAttempts
	}
	task.CreatedAt = now()
	task.UpdatedAt = task.CreatedAt

	deps, err := marshal(emptyIfNil(task.DependsOn))
	if err != nil {
		return err
	}
	caps, err := marshal(emptyIfNil(task.RequiredCapabilities))
	if err != nil {
		return err
	}
	_, err = q.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OutcomeID, task.Title, task.Description, task.Intent,
		task.Approach, task.Priority, task.Attempts, task.MaxAttempts,
		task.Phase, string(task.CapabilityType), deps, caps, task.Status,
		task.ClaimedBy, boolInt(task.FromReview), task.ReviewCycle,
		fmtTime(task.CreatedAt), fmtTime(task.UpdatedAt))
	return types.Wrap(types.KindInternal, err, "insert task %s", task.ID)
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(id string) (*types.Task, error) {
	return getTask(s.db, id)
}

// GetTask fetches one task inside the transaction.
func (t *Tx) GetTask(id string) (*types.Task, error) {
	return getTask(t.tx, id)
}

func getTask(q dbtx, id string) (*types.Task, error) {
	row := q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "task %s", id)
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan task %s", id)
	}
	return task, nil
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var deps, caps, capType, createdAt, updatedAt string
	var fromReview int
	if err := row.Scan(&t.ID, &t.OutcomeID, &t.Title, &t.Description, &t.Intent,
		&t.Approach, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.Phase,
		&capType, &deps, &caps, &t.Status, &t.ClaimedBy, &fromReview,
		&t.ReviewCycle, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.CapabilityType = types.CapabilityType(capType)
	t.FromReview = fromReview != 0
	if err := unmarshal(deps, &t.DependsOn); err != nil {
		return nil, err
	}
	if err := unmarshal(caps, &t.RequiredCapabilities); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// UpdateTask rewrites a task row.
func (s *Store) UpdateTask(task *types.Task) error {
	return updateTask(s.db, task)
}

// UpdateTask rewrites a task row inside the transaction.
func (t *Tx) UpdateTask(task *types.Task) error {
	return updateTask(t.tx, task)
}

func updateTask(q dbtx, task *types.Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	task.UpdatedAt = now()
	deps, err := marshal(emptyIfNil(task.DependsOn))
	if err != nil {
		return err
	}
	caps, err := marshal(emptyIfNil(task.RequiredCapabilities))
	if err != nil {
		return err
	}
	res, err := q.Exec(`UPDATE tasks SET title = ?, description = ?, task_intent = ?,
		task_approach = ?, priority = ?, attempts = ?, max_attempts = ?, phase = ?,
		capability_type = ?, depends_on = ?, required_capabilities = ?, status = ?,
		claimed_by = ?, from_review = ?, review_cycle = ?, updated_at = ?
		WHERE id = ?`,
		task.Title, task.Description, task.Intent, task.Approach, task.Priority,
		task.Attempts, task.MaxAttempts, task.Phase, string(task.CapabilityType),
		deps, caps, task.Status, task.ClaimedBy, boolInt(task.FromReview),
		task.ReviewCycle, fmtTime(task.UpdatedAt), task.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "update task %s", task.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "task %s", task.ID)
	}
	return nil
}

// DeleteTask removes a task. Claimed and running tasks cannot be deleted.
func (s *Store) DeleteTask(id string) error {
	task, err := getTask(s.db, id)
	if err != nil {
		return err
	}
	if task.Status == types.TaskClaimed || task.Status == types.TaskRunning {
		return types.E(types.KindConflict, "task %s is %s", id, task.Status)
	}
	_, err = s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return types.Wrap(types.KindInternal, err, "delete task %s", id)
}

// DeleteTask removes a task inside the transaction without lifecycle
// checks; the engine guards the states that reach here.
func (t *Tx) DeleteTask(id string) error {
	_, err := t.tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return types.Wrap(types.KindInternal, err, "delete task %s", id)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status types.TaskStatus
	Phase  types.TaskPhase
}

// ListTasks returns an outcome's tasks ordered by (priority, created_at).
func (s *Store) ListTasks(outcomeID string, f TaskFilter) ([]*types.Task, error) {
	return listTasks(s.db, outcomeID, f)
}

// ListTasks returns an outcome's tasks inside the transaction.
func (t *Tx) ListTasks(outcomeID string, f TaskFilter) ([]*types.Task, error) {
	return listTasks(t.tx, outcomeID, f)
}

func listTasks(q dbtx, outcomeID string, f TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE outcome_id = ?`
	args := []interface{}{outcomeID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, f.Phase)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list tasks for %s", outcomeID)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan task")
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// TaskStats summarizes an outcome's tasks by status and phase.
func (s *Store) TaskStats(outcomeID string) (*types.TaskStats, error) {
	tasks, err := s.ListTasks(outcomeID, TaskFilter{})
	if err != nil {
		return nil, err
	}
	stats := &types.TaskStats{
		Total:    len(tasks),
		ByStatus: make(map[types.TaskStatus]int),
		ByPhase:  make(map[types.TaskPhase]int),
	}
	for _, t := range tasks {
		stats.ByStatus[t.Status]++
		stats.ByPhase[t.Phase]++
		if t.Status == types.TaskFailed && t.Attempts >= t.MaxAttempts {
			stats.DeadLetter++
		}
	}
	return stats, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
