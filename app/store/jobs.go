package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/umputun/forgeq/app/enums"
)

// Job is a generation history entry, the authoritative record of a queued generation
type Job struct {
	ID             string          `db:"id" json:"id"`
	ProjectID      *string         `db:"project_id" json:"project_id,omitempty"`
	AssetID        *string         `db:"asset_id" json:"asset_id,omitempty"`
	Type           enums.JobType   `db:"type" json:"type"`
	Prompt         string          `db:"prompt" json:"prompt,omitempty"`
	Status         enums.JobStatus `db:"status" json:"status"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	GenerationTime float64         `db:"generation_time" json:"generation_time"`
	ResourceUsage  ResourceUsage   `db:"resource_usage" json:"resource_usage"`
	ErrorMessage   string          `db:"error_message" json:"error_message,omitempty"`
	Options        JobOptions      `db:"options" json:"options"`
	InputPath      string          `db:"input_path" json:"-"`
	OutputDir      string          `db:"output_dir" json:"output_dir,omitempty"`
	CreatedAt      Timestamp       `db:"created_at" json:"created_at"`
	StartedAt      Timestamp       `db:"started_at" json:"started_at,omitzero"`
	CompletedAt    Timestamp       `db:"completed_at" json:"completed_at,omitzero"`
}

// JobFilter limits ListJobs results, zero values mean no filtering
type JobFilter struct {
	Status    enums.JobStatus
	Type      enums.JobType
	ProjectID string
	Limit     int
	Offset    int
}

// Completion is a result of a successful job
type Completion struct {
	GenerationTime float64
	Usage          ResourceUsage
	AssetID        string
	OutputDir      string
}

const jobColumns = `id, project_id, asset_id, type, prompt, status, retry_count, generation_time,
	resource_usage, error_message, options, input_path, output_dir, created_at, started_at, completed_at`

// queue order, rowid breaks ties between jobs created in the same millisecond
const queueOrder = "ORDER BY created_at, rowid"

// InsertJob persists a new queued job if the number of active (queued and processing) jobs is below limit.
// the check and the insert are a single statement. Returns false if the limit is reached, limit <= 0 disables it.
func (s *Store) InsertJob(ctx context.Context, job *Job, limit int) (bool, error) {
	if job.ID == "" {
		return false, errors.New("empty job id")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = Now()
	}
	job.Status = enums.JobStatusQueued
	if limit <= 0 {
		limit = -1
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO generation_history
		(id, project_id, type, prompt, status, options, input_path, output_dir, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE ? < 0 OR (SELECT COUNT(*) FROM generation_history WHERE status IN ('queued', 'processing')) < ?`,
		job.ID, job.ProjectID, job.Type, job.Prompt, job.Status, job.Options, job.InputPath, job.OutputDir,
		job.CreatedAt, limit, limit)
	if err != nil {
		return false, fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return affected(res, job.ID)
}

// GetJob returns a job by id
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, "SELECT "+jobColumns+" FROM generation_history WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}

	query := "SELECT " + jobColumns + " FROM generation_history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	jobs := []Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ActiveJobs returns processing and queued jobs in dispatch order
func (s *Store) ActiveJobs(ctx context.Context) ([]Job, error) {
	jobs := []Job{}
	err := s.db.SelectContext(ctx, &jobs, "SELECT "+jobColumns+` FROM generation_history
		WHERE status IN ('queued', 'processing') ORDER BY status = 'queued', created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to get active jobs: %w", err)
	}
	return jobs, nil
}

// IncompleteJobs returns all jobs not in a terminal status, used for recovery
func (s *Store) IncompleteJobs(ctx context.Context) ([]Job, error) {
	jobs := []Job{}
	err := s.db.SelectContext(ctx, &jobs, "SELECT "+jobColumns+` FROM generation_history
		WHERE status NOT IN ('complete', 'failed') `+queueOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to get incomplete jobs: %w", err)
	}
	return jobs, nil
}

// NextQueued returns the oldest queued job, ErrNotFound if nothing is queued
func (s *Store) NextQueued(ctx context.Context) (Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, "SELECT "+jobColumns+" FROM generation_history WHERE status = 'queued' "+
		queueOrder+" LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get next queued job: %w", err)
	}
	return job, nil
}

// QueuePosition returns 1-based position of a queued job among queued jobs, 0 if the job is not queued
func (s *Store) QueuePosition(ctx context.Context, id string) (int, error) {
	var pos int
	err := s.db.GetContext(ctx, &pos, `SELECT COUNT(*) FROM generation_history g, generation_history j
		WHERE j.id = ? AND j.status = 'queued' AND g.status = 'queued'
		AND (g.created_at < j.created_at OR (g.created_at = j.created_at AND g.rowid <= j.rowid))`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue position of %s: %w", id, err)
	}
	return pos, nil
}

// CountByStatus returns number of jobs in the given status
func (s *Store) CountByStatus(ctx context.Context, status enums.JobStatus) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM generation_history WHERE status = ?", status); err != nil {
		return 0, fmt.Errorf("failed to count %s jobs: %w", status, err)
	}
	return count, nil
}

// MarkProcessing claims a queued job. Returns false if the job is no longer queued.
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE generation_history SET status = 'processing', started_at = ?
		WHERE id = ? AND status = 'queued'`, Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s processing: %w", id, err)
	}
	return affected(res, id)
}

// CompleteJob moves a processing job to complete, clearing its error message
func (s *Store) CompleteJob(ctx context.Context, id string, c Completion) (bool, error) {
	var assetID *string
	if c.AssetID != "" {
		assetID = &c.AssetID
	}
	res, err := s.db.ExecContext(ctx, `UPDATE generation_history SET status = 'complete', error_message = '',
		generation_time = ?, resource_usage = ?, asset_id = COALESCE(?, asset_id),
		output_dir = CASE WHEN ? = '' THEN output_dir ELSE ? END, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		c.GenerationTime, c.Usage, assetID, c.OutputDir, c.OutputDir, Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return affected(res, id)
}

// FailJob moves a job from the given status to failed with the message. Returns false if the job
// is not in that status. retry_count is left untouched.
func (s *Store) FailJob(ctx context.Context, id string, from enums.JobStatus, msg string) (bool, error) {
	if from.IsTerminal() {
		return false, fmt.Errorf("can't fail job %s from terminal status %s", id, from)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE generation_history SET status = 'failed', error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`, msg, Now(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return affected(res, id)
}

// RequeueJob returns a processing job to queued, increments retry_count by one and records the message.
// the job keeps its created_at and so its place at the head of the queue.
func (s *Store) RequeueJob(ctx context.Context, id, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE generation_history SET status = 'queued', error_message = ?,
		retry_count = retry_count + 1, started_at = 0 WHERE id = ? AND status = 'processing'`, msg, id)
	if err != nil {
		return false, fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return affected(res, id)
}

// RecoverInterrupted fails every job left processing by a previous run and returns their ids
func (s *Store) RecoverInterrupted(ctx context.Context, msg string) ([]string, error) {
	incomplete, err := s.IncompleteJobs(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, job := range incomplete {
		if job.Status != enums.JobStatusProcessing {
			continue
		}
		ok, err := s.FailJob(ctx, job.ID, enums.JobStatusProcessing, msg)
		if err != nil {
			return ids, err
		}
		if ok {
			ids = append(ids, job.ID)
		}
	}
	return ids, nil
}

// DeleteJobsBefore removes terminal jobs completed before the given time, returns number of removed jobs
func (s *Store) DeleteJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM generation_history
		WHERE status IN ('complete', 'failed') AND completed_at > 0 AND completed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted jobs count: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE job_id NOT IN (SELECT id FROM generation_history)`); err != nil {
		return n, fmt.Errorf("failed to delete orphaned sessions: %w", err)
	}
	return n, nil
}

func affected(res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows for %s: %w", id, err)
	}
	return n == 1, nil
}
