package store

import (
	"database/sql"
	"errors"

	"loom/internal/types"
)

const jobColumns = `id, outcome_id, status, progress, result, error, created_at, updated_at`

// CreateAnalysisJob persists a new retrospective job. Rejected with conflict
// while another job for the outcome is pending or running; the check and the
// insert share a transaction so concurrent triggers cannot both win.
func (s *Store) CreateAnalysisJob(j *types.AnalysisJob) error {
	if j.OutcomeID == "" {
		return types.E(types.KindValidation, "analysis job outcome_id required")
	}
	if j.ID == "" {
		j.ID = types.NewID(types.PrefixRetro)
	}
	if j.Status == "" {
		j.Status = types.JobPending
	}
	j.CreatedAt = now()
	j.UpdatedAt = j.CreatedAt

	return s.WithTx(func(tx *Tx) error {
		var n int
		if err := tx.tx.QueryRow(`SELECT COUNT(*) FROM analysis_jobs
			WHERE outcome_id = ? AND status IN (?, ?)`,
			j.OutcomeID, types.JobPending, types.JobRunning).Scan(&n); err != nil {
			return types.Wrap(types.KindInternal, err, "count active jobs for %s", j.OutcomeID)
		}
		if n > 0 {
			return types.E(types.KindConflict, "analysis job already active for %s", j.OutcomeID)
		}
		result, err := marshalResult(j.Result)
		if err != nil {
			return err
		}
		_, err = tx.tx.Exec(`INSERT INTO analysis_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.OutcomeID, j.Status, j.Progress, result, j.Error,
			fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt))
		return types.Wrap(types.KindInternal, err, "insert analysis job %s", j.ID)
	})
}

// GetAnalysisJob fetches one job by ID.
func (s *Store) GetAnalysisJob(id string) (*types.AnalysisJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "analysis job %s", id)
	}
	return j, err
}

// UpdateAnalysisJob rewrites a job row.
func (s *Store) UpdateAnalysisJob(j *types.AnalysisJob) error {
	j.UpdatedAt = now()
	result, err := marshalResult(j.Result)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE analysis_jobs SET status = ?, progress = ?,
		result = ?, error = ?, updated_at = ? WHERE id = ?`,
		j.Status, j.Progress, result, j.Error, fmtTime(j.UpdatedAt), j.ID)
	if err != nil {
		return types.Wrap(types.KindInternal, err, "update analysis job %s", j.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindNotFound, "analysis job %s", j.ID)
	}
	return nil
}

// LatestAnalysisJob returns the newest job for an outcome.
func (s *Store) LatestAnalysisJob(outcomeID string) (*types.AnalysisJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM analysis_jobs
		WHERE outcome_id = ? ORDER BY created_at DESC LIMIT 1`, outcomeID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "no analysis job for %s", outcomeID)
	}
	return j, err
}

// NextPendingJob pops the oldest pending job across outcomes, marking it
// running in the same transaction so pool workers never double-claim.
func (s *Store) NextPendingJob() (*types.AnalysisJob, error) {
	var job *types.AnalysisJob
	err := s.WithTx(func(tx *Tx) error {
		row := tx.tx.QueryRow(`SELECT ` + jobColumns + ` FROM analysis_jobs
			WHERE status = 'pending' ORDER BY created_at LIMIT 1`)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return types.Wrap(types.KindInternal, err, "scan pending job")
		}
		j.Status = types.JobRunning
		j.UpdatedAt = now()
		if _, err := tx.tx.Exec(`UPDATE analysis_jobs SET status = ?, updated_at = ?
			WHERE id = ?`, j.Status, fmtTime(j.UpdatedAt), j.ID); err != nil {
			return types.Wrap(types.KindInternal, err, "claim job %s", j.ID)
		}
		job = j
		return nil
	})
	return job, err
}

func scanJob(row rowScanner) (*types.AnalysisJob, error) {
	var j types.AnalysisJob
	var result, createdAt, updatedAt string
	if err := row.Scan(&j.ID, &j.OutcomeID, &j.Status, &j.Progress, &result,
		&j.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if result != "" {
		j.Result = &types.AnalysisResult{}
		if err := unmarshal(result, j.Result); err != nil {
			return nil, err
		}
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func marshalResult(r *types.AnalysisResult) (string, error) {
	if r == nil {
		return "", nil
	}
	return marshal(r)
}
