package store

import (
	"context"
	"fmt"

	"github.com/umputun/forgeq/app/enums"
)

// SessionRecord is a checkpoint of a session, informational only, jobs are the source of truth
type SessionRecord struct {
	ID        string             `db:"id" json:"id"`
	JobID     string             `db:"job_id" json:"job_id"`
	Type      enums.JobType      `db:"type" json:"type"`
	State     enums.SessionState `db:"state" json:"state"`
	Stage     string             `db:"stage" json:"stage,omitempty"`
	Percent   int                `db:"percent" json:"percent"`
	Error     string             `db:"error" json:"error,omitempty"`
	Result    SessionResult      `db:"result" json:"result"`
	CreatedAt Timestamp          `db:"created_at" json:"created_at"`
	UpdatedAt Timestamp          `db:"updated_at" json:"updated_at"`
}

// SaveSession inserts or updates a session checkpoint
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = Now()
	}
	rec.UpdatedAt = Now()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO sessions
		(id, job_id, type, state, stage, percent, error, result, created_at, updated_at)
		VALUES (:id, :job_id, :type, :state, :stage, :percent, :error, :result, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, stage = excluded.stage, percent = excluded.percent,
		error = excluded.error, result = excluded.result, updated_at = excluded.updated_at`, rec)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// SessionsByJob returns all sessions (attempts) of a job, oldest first
func (s *Store) SessionsByJob(ctx context.Context, jobID string) ([]SessionRecord, error) {
	res := []SessionRecord{}
	err := s.db.SelectContext(ctx, &res, `SELECT id, job_id, type, state, stage, percent, error, result, created_at, updated_at
		FROM sessions WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions of %s: %w", jobID, err)
	}
	return res, nil
}
