package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const jobColumns = `id, owner, schedule_kind, schedule_value, prompt, context_mode,
	status, next_run, last_run, last_result, created_at, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*ScheduledJobRow, error) {
	var j ScheduledJobRow
	var lastRun sql.NullTime
	var lastResult sql.NullString

	err := row.Scan(
		&j.ID, &j.Owner, &j.ScheduleKind, &j.ScheduleValue, &j.Prompt, &j.ContextMode,
		&j.Status, &j.NextRun, &lastRun, &lastResult, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRun = &t
	}
	j.LastResult = lastResult.String
	return &j, nil
}

// InsertJob persists a new scheduled job.
func (s *Store) InsertJob(ctx context.Context, j *ScheduledJobRow) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (
			id, owner, schedule_kind, schedule_value, prompt, context_mode,
			status, next_run, last_run, last_result, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Owner, j.ScheduleKind, j.ScheduleValue, j.Prompt, j.ContextMode,
		j.Status, j.NextRun, nullTimePtr(j.LastRun), nullString(j.LastResult), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
	}
	return nil
}

// DueJobs returns active jobs whose next_run has passed, for the scheduler's
// single polling ticker to fire.
func (s *Store) DueJobs(ctx context.Context, asOf time.Time) ([]*ScheduledJobRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = 'active' AND next_run <= ? ORDER BY next_run ASC`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledJobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RecordJobRun updates a job's last_run/last_result and advances next_run
// to the caller-computed following fire time (robfig/cron or interval math
// lives in internal/scheduler, not here).
func (s *Store) RecordJobRun(ctx context.Context, id string, ran time.Time, result string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run = ?, last_result = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		ran, result, nextRun, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record run for job %s: %w", id, err)
	}
	return nil
}

// SetJobStatus pauses, resumes, or cancels a job (admin surface control).
func (s *Store) SetJobStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set status for job %s: %w", id, err)
	}
	return nil
}

// ListJobs returns every scheduled job, for the admin surface.
func (s *Store) ListJobs(ctx context.Context) ([]*ScheduledJobRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY next_run ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledJobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InsertHeartbeatJob persists a heartbeat-category job (learning, monitor,
// health, custom), distinct from a user-visible scheduled job.
func (s *Store) InsertHeartbeatJob(ctx context.Context, h *HeartbeatJobRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeat_jobs (id, owner, category, prompt, status, next_run, last_run)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Owner, h.Category, h.Prompt, h.Status, h.NextRun, nullTimePtr(h.LastRun))
	if err != nil {
		return fmt.Errorf("failed to insert heartbeat job %s: %w", h.ID, err)
	}
	return nil
}

// DueHeartbeatJobs returns active heartbeat jobs due to fire.
func (s *Store) DueHeartbeatJobs(ctx context.Context, asOf time.Time) ([]*HeartbeatJobRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, category, prompt, status, next_run, last_run FROM heartbeat_jobs
		WHERE status = 'active' AND next_run <= ?`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list due heartbeat jobs: %w", err)
	}
	defer rows.Close()

	var out []*HeartbeatJobRow
	for rows.Next() {
		var h HeartbeatJobRow
		var lastRun sql.NullTime
		if err := rows.Scan(&h.ID, &h.Owner, &h.Category, &h.Prompt, &h.Status, &h.NextRun, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat job row: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			h.LastRun = &t
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// RecordHeartbeatRun updates a heartbeat job's last_run and advances
// next_run after it fires.
func (s *Store) RecordHeartbeatRun(ctx context.Context, id string, ran time.Time, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE heartbeat_jobs SET last_run = ?, next_run = ? WHERE id = ?`,
		ran, nextRun, id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat run for job %s: %w", id, err)
	}
	return nil
}

// ListSupersedeLog returns consolidation history, newest first (used by
// /api/graph and admin inspection).
func (s *Store) ListSupersedeLog(ctx context.Context, limit int) ([]*SupersedeLogRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, superseded_id, representative_id, reason, created_at
		FROM supersede_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list supersede log: %w", err)
	}
	defer rows.Close()

	var out []*SupersedeLogRow
	for rows.Next() {
		var r SupersedeLogRow
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.SupersededID, &r.RepresentativeID, &reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan supersede log row: %w", err)
		}
		r.Reason = reason.String
		out = append(out, &r)
	}
	return out, rows.Err()
}
