// Package render implements the persistent, idempotent render-job
// orchestrator: job store, staged step executor, progress bus, and the
// WebSocket fan-out.
package render

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS render_jobs (
	job_id        TEXT PRIMARY KEY,
	video_id      TEXT NOT NULL,
	script_id     TEXT NOT NULL,
	status        TEXT NOT NULL,
	step          TEXT NOT NULL DEFAULT '',
	progress      INTEGER NOT NULL DEFAULT 0,
	message       TEXT NOT NULL DEFAULT '',
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	assets        TEXT,
	spec_snapshot TEXT,
	created_by    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	finished_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_render_jobs_video_id ON render_jobs(video_id);
CREATE INDEX IF NOT EXISTS idx_render_jobs_status   ON render_jobs(status);
`

// Store is the single writer of render-job state. Every mutation goes
// through a guarded UPDATE that checks the current status; impossible
// transitions return a typed error instead of corrupting state.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the embedded job database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("render.OpenStore: open: %w", err)
	}
	// Serialise writers at the pool level; SQLite allows one at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("render.OpenStore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks store health.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// CreateJob inserts a QUEUED job for (videoID, scriptID), unless a
// non-terminal job already exists for the video — then that job is
// returned with created=false. The check-and-insert runs in one
// transaction so concurrent creates for the same video serialise.
func (s *Store) CreateJob(ctx context.Context, videoID, scriptID, createdBy string) (*model.RenderJob, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("render.CreateJob: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM render_jobs
		 WHERE video_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		videoID, model.JobQueued, model.JobProcessing)
	if job, err := scanJob(row); err == nil {
		return job, false, tx.Commit()
	} else if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("render.CreateJob: select: %w", err)
	}

	now := time.Now().UTC()
	job := &model.RenderJob{
		JobID:     uuid.NewString(),
		VideoID:   videoID,
		ScriptID:  scriptID,
		Status:    model.JobQueued,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO render_jobs (job_id, video_id, script_id, status, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.VideoID, job.ScriptID, job.Status, job.CreatedBy, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("render.CreateJob: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("render.CreateJob: commit: %w", err)
	}
	return job, true, nil
}

const jobColumns = `job_id, video_id, script_id, status, step, progress, message,
	error_code, error_message, assets, spec_snapshot, created_by,
	created_at, updated_at, started_at, finished_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*model.RenderJob, error) {
	var job model.RenderJob
	var assets, snapshot sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&job.JobID, &job.VideoID, &job.ScriptID, &job.Status, &job.Step,
		&job.Progress, &job.Message, &job.ErrorCode, &job.ErrorMessage,
		&assets, &snapshot, &job.CreatedBy, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if assets.Valid && assets.String != "" {
		var a model.JobAssets
		if err := json.Unmarshal([]byte(assets.String), &a); err == nil {
			job.Assets = &a
		}
	}
	if snapshot.Valid && snapshot.String != "" {
		var sp model.RenderSpec
		if err := json.Unmarshal([]byte(snapshot.String), &sp); err == nil {
			job.SpecSnapshot = &sp
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.RenderJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "render job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("render.GetJob: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs for a video, newest first.
func (s *Store) ListJobs(ctx context.Context, videoID string) ([]*model.RenderJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM render_jobs WHERE video_id = ? ORDER BY created_at DESC`, videoID)
	if err != nil {
		return nil, fmt.Errorf("render.ListJobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.RenderJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("render.ListJobs: scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PublishedAssets returns the assets of the most recent COMPLETED job
// for the video.
func (s *Store) PublishedAssets(ctx context.Context, videoID string) (*model.JobAssets, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM render_jobs
		 WHERE video_id = ? AND status = ?
		 ORDER BY finished_at DESC LIMIT 1`,
		videoID, model.JobCompleted)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "no published assets for video")
	}
	if err != nil {
		return nil, fmt.Errorf("render.PublishedAssets: %w", err)
	}
	if job.Assets == nil {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "no published assets for video")
	}
	return job.Assets, nil
}

// StartJob stores the spec snapshot and moves QUEUED → PROCESSING.
func (s *Store) StartJob(ctx context.Context, jobID string, spec *model.RenderSpec) error {
	snapshot, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("render.StartJob: marshal snapshot: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs
		 SET status = ?, spec_snapshot = ?, started_at = ?, updated_at = ?, error_code = '', error_message = ''
		 WHERE job_id = ? AND status = ?`,
		model.JobProcessing, string(snapshot), now, now, jobID, model.JobQueued)
	if err != nil {
		return fmt.Errorf("render.StartJob: %w", err)
	}
	return s.requireTransition(ctx, res, jobID, "start")
}

// RetryJob moves FAILED → PROCESSING reusing the stored snapshot.
func (s *Store) RetryJob(ctx context.Context, jobID string) (*model.RenderJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobFailed {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition,
			fmt.Sprintf("retry requires FAILED status, job is %s", job.Status))
	}
	if job.SpecSnapshot == nil {
		return nil, apperr.Conflict(apperr.CodeNoRenderSpecForRetry, "job has no render spec snapshot")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs
		 SET status = ?, progress = 0, step = '', message = '', error_code = '', error_message = '',
		     finished_at = NULL, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		model.JobProcessing, now, jobID, model.JobFailed)
	if err != nil {
		return nil, fmt.Errorf("render.RetryJob: %w", err)
	}
	if err := s.requireTransition(ctx, res, jobID, "retry"); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

// CancelJob moves a non-terminal job to CANCELLED. Terminal jobs are
// left untouched and reported via a typed error.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs SET status = ?, finished_at = ?, updated_at = ?
		 WHERE job_id = ? AND status IN (?, ?)`,
		model.JobCancelled, now, now, jobID, model.JobQueued, model.JobProcessing)
	if err != nil {
		return fmt.Errorf("render.CancelJob: %w", err)
	}
	return s.requireTransition(ctx, res, jobID, "cancel")
}

// UpdateStep records the active step on a PROCESSING job. Progress is
// clamped so it never decreases within a run.
func (s *Store) UpdateStep(ctx context.Context, jobID, step string, progress int, message string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs
		 SET step = ?, progress = MAX(progress, ?), message = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		step, progress, message, now, jobID, model.JobProcessing)
	if err != nil {
		return fmt.Errorf("render.UpdateStep: %w", err)
	}
	return s.requireTransition(ctx, res, jobID, "step")
}

// CompleteJob moves PROCESSING → COMPLETED and stores the asset URLs.
func (s *Store) CompleteJob(ctx context.Context, jobID string, assets *model.JobAssets) error {
	assetJSON, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("render.CompleteJob: marshal assets: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs
		 SET status = ?, progress = 100, step = ?, assets = ?, finished_at = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		model.JobCompleted, model.StepFinalize, string(assetJSON), now, now, jobID, model.JobProcessing)
	if err != nil {
		return fmt.Errorf("render.CompleteJob: %w", err)
	}
	return s.requireTransition(ctx, res, jobID, "complete")
}

// FailJob moves PROCESSING → FAILED with the error detail.
func (s *Store) FailJob(ctx context.Context, jobID, errorCode, errorMessage string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_jobs
		 SET status = ?, error_code = ?, error_message = ?, finished_at = ?, updated_at = ?
		 WHERE job_id = ? AND status = ?`,
		model.JobFailed, errorCode, errorMessage, now, now, jobID, model.JobProcessing)
	if err != nil {
		return fmt.Errorf("render.FailJob: %w", err)
	}
	return s.requireTransition(ctx, res, jobID, "fail")
}

// requireTransition converts a zero-row UPDATE into a typed error: the
// job either does not exist or is not in the required state.
func (s *Store) requireTransition(ctx context.Context, res sql.Result, jobID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("render.%s: rows: %w", op, err)
	}
	if n == 1 {
		return nil
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return apperr.Conflict(apperr.CodeInvalidTransition,
		fmt.Sprintf("cannot %s job in status %s", op, job.Status))
}
