package store

import (
	"database/sql"
	"errors"

	"loom/internal/types"
)

const mergeColumns = `id, outcome_id, worker_id, branch, state, conflicts, error,
	created_at, updated_at`

// EnqueueMerge appends a merge request to the outcome's FIFO queue.
func (s *Store) EnqueueMerge(m *types.MergeRequest) error {
	if m.OutcomeID == "" || m.WorkerID == "" || m.Branch == "" {
		return types.E(types.KindValidation, "merge request needs outcome, worker, and branch")
	}
	if m.ID == "" {
		m.ID = types.NewID(types.PrefixMerge)
	}
	if m.State == "" {
		m.State = types.MergeQueued
	}
	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt

	conflicts, err := marshal(emptyIfNil(m.Conflicts))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO merge_requests (`+mergeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OutcomeID, m.WorkerID, m.Branch, m.State, conflicts, m.Error,
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt))
	return types.Wrap(types.KindInternal, err, "insert merge request %s", m.ID)
}

// GetMerge fetches one merge request by ID.
func (s *Store) GetMerge(id string) (*types.MergeRequest, error) {
	row := s.db.QueryRow(`SELECT `+mergeColumns+` FROM merge_requests WHERE id = ?`, id)
	m, err := scanMerge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "merge request %s", id)
	}
	return m, err
}

// UpdateMerge rewrites a merge request row.
func (s *Store) UpdateMerge(m *types.MergeRequest) error {
	m.UpdatedAt = now()
	conflicts, err := marshal(emptyIfNil(m.Conflicts))
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE merge_requests SET state = ?, conflicts = ?,
		error = ?, updated_at = ? WHERE id = ?`,
		m.State, conflicts, m.Error, fmtTime(m.UpdatedAt), m.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "update merge request %s", m.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "merge request %s", m.ID)
	}
	return nil
}

// ListMerges returns an outcome's merge requests in queue order.
func (s *Store) ListMerges(outcomeID string) ([]*types.MergeRequest, error) {
	rows, err := s.db.Query(`SELECT `+mergeColumns+` FROM merge_requests
		WHERE outcome_id = ? ORDER BY created_at, id`, outcomeID)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "list merges for %s", outcomeID)
	}
	defer rows.Close()

	var out []*types.MergeRequest
	for rows.Next() {
		m, err := scanMerge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClaimNextMerge atomically promotes the oldest queued merge to in_progress,
// provided no other merge for the outcome is in_progress. Returns nil when
// the queue is empty or busy; merges per outcome are serialized.
func (s *Store) ClaimNextMerge(outcomeID string) (*types.MergeRequest, error) {
	var claimed *types.MergeRequest
	err := s.WithTx(func(tx *Tx) error {
		var busy int
		if err := tx.tx.QueryRow(`SELECT COUNT(*) FROM merge_requests
			WHERE outcome_id = ? AND state = ?`,
			outcomeID, types.MergeInProgress).Scan(&busy); err != nil {
			return types.Wrap(types.KindInternal, err, "count in-progress merges for %s", outcomeID)
		}
		if busy > 0 {
			return nil
		}
		row := tx.tx.QueryRow(`SELECT `+mergeColumns+` FROM merge_requests
			WHERE outcome_id = ? AND state = ? ORDER BY created_at, id LIMIT 1`,
			outcomeID, types.MergeQueued)
		m, err := scanMerge(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return types.Wrap(types.KindInternal, err, "scan queued merge")
		}
		m.State = types.MergeInProgress
		m.UpdatedAt = now()
		if _, err := tx.tx.Exec(`UPDATE merge_requests SET state = ?, updated_at = ?
			WHERE id = ?`, m.State, fmtTime(m.UpdatedAt), m.ID); err != nil {
			return types.Wrap(types.KindInternal, err, "claim merge %s", m.ID)
		}
		claimed = m
		return nil
	})
	return claimed, err
}

func scanMerge(row rowScanner) (*types.MergeRequest, error) {
	var m types.MergeRequest
	var conflicts, createdAt, updatedAt string
	if err := row.Scan(&m.ID, &m.OutcomeID, &m.WorkerID, &m.Branch, &m.State,
		&conflicts, &m.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshal(conflicts, &m.Conflicts); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}
