package store

import (
	"database/sql"
	"errors"

	"loom/internal/types"
)

const reviewColumns = `id, outcome_id, cycle_index, criteria_only, item_results,
	criteria_results, issues, issues_found, remediation_tasks,
	all_criteria_pass, created_at`

// SaveReviewCycle persists one completed review cycle, assigning the next
// cycle index for the outcome.
func (s *Store) SaveReviewCycle(rc *types.ReviewCycle) error {
	if rc.ID == "" {
		rc.ID = types.NewID(types.PrefixReview)
	}
	rc.CreatedAt = now()
	return s.WithTx(func(tx *Tx) error {
		var maxIdx sql.NullInt64
		if err := tx.tx.QueryRow(`SELECT MAX(cycle_index) FROM review_cycles
			WHERE outcome_id = ?`, rc.OutcomeID).Scan(&maxIdx); err != nil {
			return types.Wrap(types.KindInternal, err, "max cycle index for %s", rc.OutcomeID)
		}
		rc.CycleIndex = int(maxIdx.Int64) + 1

		items, err := marshal(rc.ItemResults)
		if err != nil {
			return err
		}
		criteria, err := marshal(rc.CriteriaResults)
		if err != nil {
			return err
		}
		issues, err := marshal(rc.Issues)
		if err != nil {
			return err
		}
		remediation, err := marshal(emptyIfNil(rc.RemediationTasks))
		if err != nil {
			return err
		}
		_, err = tx.tx.Exec(`INSERT INTO review_cycles (`+reviewColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rc.ID, rc.OutcomeID, rc.CycleIndex, boolInt(rc.CriteriaOnly), items,
			criteria, issues, rc.IssuesFound, remediation,
			boolInt(rc.AllCriteriaPass), fmtTime(rc.CreatedAt))
		return types.Wrap(types.KindInternal, err, "insert review cycle %s", rc.ID)
	})
}

// UpdateReviewCycle rewrites a saved cycle, typically to attach the
// remediation task IDs created after the cycle was persisted.
func (s *Store) UpdateReviewCycle(rc *types.ReviewCycle) error {
	items, err := marshal(rc.ItemResults)
	if err != nil {
		return err
	}
	criteria, err := marshal(rc.CriteriaResults)
	if err != nil {
		return err
	}
	issues, err := marshal(rc.Issues)
	if err != nil {
		return err
	}
	remediation, err := marshal(emptyIfNil(rc.RemediationTasks))
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE review_cycles SET item_results = ?,
		criteria_results = ?, issues = ?, issues_found = ?, remediation_tasks = ?,
		all_criteria_pass = ? WHERE id = ?`,
		items, criteria, issues, rc.IssuesFound, remediation,
		boolInt(rc.AllCriteriaPass), rc.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "update review cycle %s", rc.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "review cycle %s", rc.ID)
	}
	return nil
}

// LatestReviewCycle returns the newest review cycle for the outcome.
func (s *Store) LatestReviewCycle(outcomeID string) (*types.ReviewCycle, error) {
	row := s.db.QueryRow(`SELECT `+reviewColumns+` FROM review_cycles
		WHERE outcome_id = ? ORDER BY cycle_index DESC LIMIT 1`, outcomeID)
	rc, err := scanReviewCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "no review cycle for %s", outcomeID)
	}
	return rc, err
}

// ListReviewCycles returns all review cycles for an outcome, oldest first.
func (s *Store) ListReviewCycles(outcomeID string) ([]*types.ReviewCycle, error) {
	rows, err := s.db.Query(`SELECT `+reviewColumns+` FROM review_cycles
		WHERE outcome_id = ? ORDER BY cycle_index`, outcomeID)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list review cycles for %s", outcomeID)
	}
	defer rows.Close()

	var out []*types.ReviewCycle
	for rows.Next() {
		rc, err := scanReviewCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func scanReviewCycle(row rowScanner) (*types.ReviewCycle, error) {
	var rc types.ReviewCycle
	var criteriaOnly, allPass int
	var items, criteria, issues, remediation, createdAt string
	if err := row.Scan(&rc.ID, &rc.OutcomeID, &rc.CycleIndex, &criteriaOnly,
		&items, &criteria, &issues, &rc.IssuesFound, &remediation, &allPass,
		&createdAt); err != nil {
		return nil, err
	}
	rc.CriteriaOnly = criteriaOnly != 0
	rc.AllCriteriaPass = allPass != 0
	if err := unmarshal(items, &rc.ItemResults); err != nil {
		return nil, err
	}
	if err := unmarshal(criteria, &rc.CriteriaResults); err != nil {
		return nil, err
	}
	if err := unmarshal(issues, &rc.Issues); err != nil {
		return nil, err
	}
	if err := unmarshal(remediation, &rc.RemediationTasks); err != nil {
		return nil, err
	}
	rc.CreatedAt = parseTime(createdAt)
	return &rc, nil
}
