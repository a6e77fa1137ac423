package store

import (
	"database/sql"
	"errors"
	"strings"

	"loom/internal/logging"
	"loom/internal/types"
)

const outcomeColumns = `id, name, parent_id, brief, intent, status, capability_ready,
	working_dir, work_branch, git_mode, parallel, consecutive_zero_issues,
	last_cycle_index, created_at, updated_at`

// ValidateIntent rejects malformed intent values at the store boundary.
func ValidateIntent(in types.Intent) error {
	seen := make(map[string]bool, len(in.Items))
	for _, item := range in.Items {
		if strings.TrimSpace(item.Title) == "" {
			return types.E(types.KindValidation, "intent item %q has empty title", item.ID)
		}
		if item.ID != "" && seen[item.ID] {
			return types.E(types.KindValidation, "duplicate intent item id %q", item.ID)
		}
		seen[item.ID] = true
	}
	for _, c := range in.SuccessCriteria {
		if strings.TrimSpace(c) == "" {
			return types.E(types.KindValidation, "empty success criterion")
		}
	}
	return nil
}

// CreateOutcome persists a new outcome. Name is required; the parent, when
// set, must exist.
func (s *Store) CreateOutcome(o *types.Outcome) error {
	if strings.TrimSpace(o.Name) == "" {
		return types.E(types.KindValidation, "outcome name required")
	}
	if err := ValidateIntent(o.Intent); err != nil {
		return err
	}
	if o.ParentID != "" {
		if _, err := getOutcome(s.db, o.ParentID); err != nil {
			return err
		}
	}
	if o.ID == "" {
		o.ID = types.NewID(types.PrefixOutcome)
	}
	if o.Status == "" {
		o.Status = types.OutcomeActive
	}
	if o.CapabilityReady == "" {
		o.CapabilityReady = types.CapabilityNotStarted
	}
	if o.GitMode == "" {
		o.GitMode = types.GitModeNone
	}
	o.CreatedAt = now()
	o.UpdatedAt = o.CreatedAt

	intent, err := marshal(o.Intent)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO outcomes (`+outcomeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.ParentID, o.Brief, intent, o.Status, o.CapabilityReady,
		o.WorkingDir, o.WorkBranch, o.GitMode, boolInt(o.Parallel),
		o.Convergence.ConsecutiveZeroIssues, o.Convergence.LastCycleIndex,
		fmtTime(o.CreatedAt), fmtTime(o.UpdatedAt))
	if err != nil {
		return types.Wrap(types.KindInternal, err, "insert outcome %s", o.ID)
	}
	logging.Get(logging.CategoryStore).Info("outcome created: %s (%s)", o.ID, o.Name)
	return nil
}

// GetOutcome fetches one outcome by ID.
func (s *Store) GetOutcome(id string) (*types.Outcome, error) {
	return getOutcome(s.db, id)
}

// GetOutcome fetches one outcome inside the transaction.
func (t *Tx) GetOutcome(id string) (*types.Outcome, error) {
	return getOutcome(t.tx, id)
}

func getOutcome(q dbtx, id string) (*types.Outcome, error) {
	row := q.QueryRow(`SELECT `+outcomeColumns+` FROM outcomes WHERE id = ?`, id)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "outcome %s", id)
	}
	return o, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutcome(row rowScanner) (*types.Outcome, error) {
	var o types.Outcome
	var intent, createdAt, updatedAt string
	var parallel int
	if err := row.Scan(&o.ID, &o.Name, &o.ParentID, &o.Brief, &intent, &o.Status,
		&o.CapabilityReady, &o.WorkingDir, &o.WorkBranch, &o.GitMode, &parallel,
		&o.Convergence.ConsecutiveZeroIssues, &o.Convergence.LastCycleIndex,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshal(intent, &o.Intent); err != nil {
		return nil, err
	}
	o.Parallel = parallel != 0
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

// UpdateOutcome rewrites an outcome row. Intent changes that touch the
// summary or success criteria reset the capability gate, per the outcome
// invariant; callers updating the approach go through SaveDesignDoc which
// does the same.
func (s *Store) UpdateOutcome(o *types.Outcome) error {
	if err := ValidateIntent(o.Intent); err != nil {
		return err
	}
	prev, err := getOutcome(s.db, o.ID)
	if err != nil {
		return err
	}
	if intentChanged(prev.Intent, o.Intent) {
		o.CapabilityReady = types.CapabilityNotStarted
	}
	return updateOutcome(s.db, o)
}

// UpdateOutcome rewrites an outcome row inside the transaction. The caller
// is responsible for the capability-reset invariant (used by claim and
// convergence updates which never touch intent).
func (t *Tx) UpdateOutcome(o *types.Outcome) error {
	return updateOutcome(t.tx, o)
}

func updateOutcome(q dbtx, o *types.Outcome) error {
	o.UpdatedAt = now()
	intent, err := marshal(o.Intent)
	if err != nil {
		return err
	}
	res, err := q.Exec(`UPDATE outcomes SET name = ?, parent_id = ?, brief = ?,
		intent = ?, status = ?, capability_ready = ?, working_dir = ?,
		work_branch = ?, git_mode = ?, parallel = ?, consecutive_zero_issues = ?,
		last_cycle_index = ?, updated_at = ? WHERE id = ?`,
		o.Name, o.ParentID, o.Brief, intent, o.Status, o.CapabilityReady,
		o.WorkingDir, o.WorkBranch, o.GitMode, boolInt(o.Parallel),
		o.Convergence.ConsecutiveZeroIssues, o.Convergence.LastCycleIndex,
		fmtTime(o.UpdatedAt), o.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "update outcome %s", o.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "outcome %s", o.ID)
	}
	return nil
}

func intentChanged(prev, next types.Intent) bool {
	if prev.Summary != next.Summary {
		return true
	}
	if len(prev.SuccessCriteria) != len(next.SuccessCriteria) {
		return true
	}
	for i := range prev.SuccessCriteria {
		if prev.SuccessCriteria[i] != next.SuccessCriteria[i] {
			return true
		}
	}
	return false
}

// ListOutcomes returns outcomes, optionally filtered by status.
func (s *Store) ListOutcomes(status types.OutcomeStatus) ([]*types.Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list outcomes")
	}
	defer rows.Close()

	var out []*types.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan outcome")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListChildren returns the direct children of an outcome.
func (s *Store) ListChildren(parentID string) ([]*types.Outcome, error) {
	rows, err := s.db.Query(`SELECT `+outcomeColumns+` FROM outcomes
		WHERE parent_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list children of %s", parentID)
	}
	defer rows.Close()

	var out []*types.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, types.Wrap(types.KindInternal, err, "scan outcome")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// HasChildren reports whether an outcome has any child outcomes.
func (s *Store) HasChildren(id string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM outcomes WHERE parent_id = ?`, id).Scan(&n)
	if err != nil {
		return false, types.Wrap(types.KindInternal, err, "count children of %s", id)
	}
	return n > 0, nil
}

// ArchiveOutcome marks an outcome archived. Archiving an already-archived
// outcome is a no-op.
func (s *Store) ArchiveOutcome(id string) error {
	o, err := getOutcome(s.db, id)
	if err != nil {
		return err
	}
	if o.Status == types.OutcomeArchived {
		return nil
	}
	o.Status = types.OutcomeArchived
	return updateOutcome(s.db, o)
}

// DeleteOutcome removes an outcome. Refused while children or tasks exist.
func (s *Store) DeleteOutcome(id string) error {
	if _, err := getOutcome(s.db, id); err != nil {
		return err
	}
	hasKids, err := s.HasChildren(id)
	if err != nil {
		return err
	}
	if hasKids {
		return types.E(types.KindValidation, "outcome %s has child outcomes", id)
	}
	var tasks int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE outcome_id = ?`, id).Scan(&tasks); err != nil {
		return types.Wrap(types.KindInternal, err, "count tasks of %s", id)
	}
	if tasks > 0 {
		return types.E(types.KindValidation, "outcome %s has tasks", id)
	}
	_, err = s.db.Exec(`DELETE FROM outcomes WHERE id = ?`, id)
	return types.Wrap(types.KindInternal, err, "delete outcome %s", id)
}

// SetCapabilityReady flips the capability gate.
func (s *Store) SetCapabilityReady(id string, state types.CapabilityReady) error {
	res, err := s.db.Exec(`UPDATE outcomes SET capability_ready = ?, updated_at = ? WHERE id = ?`,
		state, fmtTime(now()), id)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "set capability_ready on %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "outcome %s", id)
	}
	return nil
}

// SetCapabilityReady flips the capability gate inside the transaction.
func (t *Tx) SetCapabilityReady(id string, state types.CapabilityReady) error {
	res, err := t.tx.Exec(`UPDATE outcomes SET capability_ready = ?, updated_at = ? WHERE id = ?`,
		state, fmtTime(now()), id)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "set capability_ready on %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "outcome %s", id)
	}
	return nil
}

// =============================================================================
// DESIGN DOCS
// =============================================================================

// SaveDesignDoc appends a new approach version for the outcome and resets
// the capability gate (approach text changed).
func (s *Store) SaveDesignDoc(outcomeID, approach string) (*types.DesignDoc, error) {
	if strings.TrimSpace(approach) == "" {
		return nil, types.E(types.KindValidation, "approach text required")
	}
	if _, err := getOutcome(s.db, outcomeID); err != nil {
		return nil, err
	}

	doc := &types.DesignDoc{
		ID:        types.NewID(types.PrefixDesignDoc),
		OutcomeID: outcomeID,
		Approach:  approach,
		CreatedAt: now(),
	}
	err := s.WithTx(func(tx *Tx) error {
		var maxVersion sql.NullInt64
		if err := tx.tx.QueryRow(`SELECT MAX(version) FROM design_docs WHERE outcome_id = ?`,
			outcomeID).Scan(&maxVersion); err != nil {
			return types.Wrap(types.KindInternal, err, "max design version for %s", outcomeID)
		}
		doc.Version = int(maxVersion.Int64) + 1
		if _, err := tx.tx.Exec(`INSERT INTO design_docs (id, outcome_id, version, approach, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			doc.ID, doc.OutcomeID, doc.Version, doc.Approach, fmtTime(doc.CreatedAt)); err != nil {
			return types.Wrap(types.KindInternal, err, "insert design doc")
		}
		return tx.SetCapabilityReady(outcomeID, types.CapabilityNotStarted)
	})
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryStore).Info("design doc v%d saved for %s", doc.Version, outcomeID)
	return doc, nil
}

// LatestDesignDoc returns the newest approach version, or not_found when the
// outcome has no design doc yet.
func (s *Store) LatestDesignDoc(outcomeID string) (*types.DesignDoc, error) {
	var d types.DesignDoc
	var createdAt string
	err := s.db.QueryRow(`SELECT id, outcome_id, version, approach, created_at
		FROM design_docs WHERE outcome_id = ? ORDER BY version DESC LIMIT 1`,
		outcomeID).Scan(&d.ID, &d.OutcomeID, &d.Version, &d.Approach, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "no design doc for %s", outcomeID)
	}
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "latest design doc for %s", outcomeID)
	}
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
