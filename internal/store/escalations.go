package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"loom/internal/types"
)

const escalationColumns = `id, outcome_id, trigger_type, question, options,
	affected_tasks, status, selected_option, user_context, confidence,
	incorporated, created_at, resolved_at`

// CreateEscalation persists a new pending escalation. Questions need at
// least two labeled options so the user always has a real choice.
func (s *Store) CreateEscalation(e *types.Escalation) error {
	if strings.TrimSpace(e.Question) == "" {
		return types.E(types.KindValidation, "escalation question required")
	}
	if e.TriggerType == "" {
		return types.E(types.KindValidation, "escalation trigger_type required")
	}
	if len(e.Options) < 2 {
		return types.E(types.KindValidation, "escalation needs at least two options")
	}
	if e.ID == "" {
		e.ID = types.NewID(types.PrefixEscalation)
	}
	if e.Status == "" {
		e.Status = types.EscalationPending
	}
	e.CreatedAt = now()

	options, err := marshal(e.Options)
	if err != nil {
		return err
	}
	affected, err := marshal(emptyIfNil(e.AffectedTasks))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO escalations (`+escalationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OutcomeID, e.TriggerType, e.Question, options, affected,
		e.Status, e.SelectedOption, e.UserContext, e.Confidence,
		boolInt(e.Incorporated), fmtTime(e.CreatedAt), fmtTimePtr(e.ResolvedAt))
	return types.Wrap(types.KindInternal, err, "insert escalation %s", e.ID)
}

// GetEscalation fetches one escalation by ID.
func (s *Store) GetEscalation(id string) (*types.Escalation, error) {
	return getEscalation(s.db, id)
}

// GetEscalation fetches one escalation inside the transaction.
func (t *Tx) GetEscalation(id string) (*types.Escalation, error) {
	return getEscalation(t.tx, id)
}

func getEscalation(q dbtx, id string) (*types.Escalation, error) {
	row := q.QueryRow(`SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "escalation %s", id)
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "scan escalation %s", id)
	}
	return e, nil
}

func scanEscalation(row rowScanner) (*types.Escalation, error) {
	var e types.Escalation
	var options, affected, createdAt string
	var resolvedAt sql.NullString
	var incorporated int
	if err := row.Scan(&e.ID, &e.OutcomeID, &e.TriggerType, &e.Question, &options,
		&affected, &e.Status, &e.SelectedOption, &e.UserContext, &e.Confidence,
		&incorporated, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := unmarshal(options, &e.Options); err != nil {
		return nil, err
	}
	if err := unmarshal(affected, &e.AffectedTasks); err != nil {
		return nil, err
	}
	e.Incorporated = incorporated != 0
	e.CreatedAt = parseTime(createdAt)
	e.ResolvedAt = parseTimePtr(resolvedAt)
	return &e, nil
}

// UpdateEscalation rewrites an escalation row inside the transaction.
// Resolution paths mutate escalation and task rows together.
func (t *Tx) UpdateEscalation(e *types.Escalation) error {
	return updateEscalation(t.tx, e)
}

// UpdateEscalation rewrites an escalation row.
func (s *Store) UpdateEscalation(e *types.Escalation) error {
	return updateEscalation(s.db, e)
}

func updateEscalation(q dbtx, e *types.Escalation) error {
	options, err := marshal(e.Options)
	if err != nil {
		return err
	}
	affected, err := marshal(emptyIfNil(e.AffectedTasks))
	if err != nil {
		return err
	}
	res, err := q.Exec(`UPDATE escalations SET trigger_type = ?, question = ?,
		options = ?, affected_tasks = ?, status = ?, selected_option = ?,
		user_context = ?, confidence = ?, incorporated = ?, resolved_at = ?
		WHERE id = ?`,
		e.TriggerType, e.Question, options, affected, e.Status,
		e.SelectedOption, e.UserContext, e.Confidence, boolInt(e.Incorporated),
		fmtTimePtr(e.ResolvedAt), e.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "update escalation %s", e.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "escalation %s", e.ID)
	}
	return nil
}

// ListEscalations returns an outcome's escalations, newest first, optionally
// restricted to pending ones.
func (s *Store) ListEscalations(outcomeID string, pendingOnly bool) ([]*types.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE outcome_id = ?`
	args := []interface{}{outcomeID}
	if pendingOnly {
		query += ` AND status = ?`
		args = append(args, types.EscalationPending)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list escalations for %s", outcomeID)
	}
	defer rows.Close()

	var out []*types.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan escalation")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEscalationsSince returns all escalations (any status) created after the
// cutoff, oldest first. Used by the retrospective engine.
func (s *Store) ListEscalationsSince(outcomeID string, cutoff time.Time) ([]*types.Escalation, error) {
	rows, err := s.db.Query(`SELECT `+escalationColumns+` FROM escalations
		WHERE outcome_id = ? AND created_at >= ? ORDER BY created_at`,
		outcomeID, fmtTime(cutoff))
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list escalations since for %s", outcomeID)
	}
	defer rows.Close()

	var out []*types.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan escalation")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BlockedTaskIDs returns the set of task IDs referenced by any pending
// escalation of the outcome. Claim excludes these.
func (t *Tx) BlockedTaskIDs(outcomeID string) (map[string]bool, error) {
	return blockedTaskIDs(t.tx, outcomeID)
}

// BlockedTaskIDs returns the pending-escalation task block set.
func (s *Store) BlockedTaskIDs(outcomeID string) (map[string]bool, error) {
	return blockedTaskIDs(s.db, outcomeID)
}

func blockedTaskIDs(q dbtx, outcomeID string) (map[string]bool, error) {
	rows, err := q.Query(`SELECT affected_tasks FROM escalations
		WHERE outcome_id = ? AND status = ?`, outcomeID, types.EscalationPending)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "blocked tasks for %s", outcomeID)
	}
	defer rows.Close()

	blocked := make(map[string]bool)
	for rows.Next() {
		var affected string
		if err := rows.Scan(&affected); err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan affected_tasks")
		}
		var ids []string
		if err := unmarshal(affected, &ids); err != nil {
			return nil, err
		}
		for _, id := range ids {
			blocked[id] = true
		}
	}
	return blocked, rows.Err()
}

// MarkIncorporated flags escalations as absorbed into an improvement outcome.
func (s *Store) MarkIncorporated(ids []string) error {
	return s.WithTx(func(tx *Tx) error {
		for _, id := range ids {
			if _, err := tx.tx.Exec(`UPDATE escalations SET incorporated = 1 WHERE id = ?`, id); err != nil {
				return types.Wrap(types.KindInternal, err, "mark incorporated %s", id)
			}
		}
		return nil
	})
}
