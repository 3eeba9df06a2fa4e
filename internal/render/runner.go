package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// Backend is the subset of the backend client the runner needs.
type Backend interface {
	ScriptStatus(ctx context.Context, scriptID string) (string, error)
	FetchRenderSpec(ctx context.Context, scriptID string) (*model.RenderSpec, error)
	NotifyRenderComplete(ctx context.Context, cb transport.RenderCallback) error
}

// RunnerMetrics records job outcomes. A nil implementation is allowed.
type RunnerMetrics interface {
	IncJob(status string)
}

// stepPlan is the ordered step list with each step's progress upper bound.
var stepPlan = []struct {
	step  string
	upper int
}{
	{model.StepValidateScript, 5},
	{model.StepGenerateTTS, 30},
	{model.StepGenerateSubtitle, 45},
	{model.StepRenderSlides, 60},
	{model.StepComposeVideo, 80},
	{model.StepUploadAssets, 95},
	{model.StepFinalize, 100},
}

// Runner owns render-job execution: it fetches and snapshots specs,
// drives the step loop, publishes progress, and posts completion
// callbacks. Temporary files live under a per-job directory that the
// runner deletes on success, failure, and cancellation.
type Runner struct {
	store   *Store
	backend Backend
	steps   *Steps
	bus     *Bus
	tmpRoot string
	metrics RunnerMetrics

	mu       sync.Mutex
	stopping bool
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(store *Store, backend Backend, steps *Steps, bus *Bus, tmpRoot string, metrics RunnerMetrics) *Runner {
	return &Runner{
		store:   store,
		backend: backend,
		steps:   steps,
		bus:     bus,
		tmpRoot: tmpRoot,
		metrics: metrics,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Create makes a QUEUED job for the video. Idempotent: an existing
// non-terminal job for the same video is returned instead. The script
// must be APPROVED.
func (r *Runner) Create(ctx context.Context, videoID, scriptID, createdBy string) (*model.RenderJob, bool, error) {
	status, err := r.backend.ScriptStatus(ctx, scriptID)
	if err != nil {
		return nil, false, fmt.Errorf("render.Create: script status: %w", err)
	}
	if status != "APPROVED" {
		return nil, false, apperr.Conflict(apperr.CodeScriptNotApproved,
			fmt.Sprintf("script %s is %s, not APPROVED", scriptID, status))
	}
	return r.store.CreateJob(ctx, videoID, scriptID, createdBy)
}

// Start fetches the render spec, snapshots it into the job row, moves
// the job to PROCESSING, and launches the step loop asynchronously.
func (r *Runner) Start(ctx context.Context, jobID string) (*model.RenderJob, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobQueued {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition,
			fmt.Sprintf("start requires QUEUED status, job is %s", job.Status))
	}

	spec, err := r.backend.FetchRenderSpec(ctx, job.ScriptID)
	if err != nil {
		return nil, fmt.Errorf("render.Start: fetch spec: %w", err)
	}
	if len(spec.Scenes) == 0 {
		return nil, apperr.New(apperr.CodeEmptyRenderSpec, 422, "render spec has no scenes")
	}

	if err := r.store.StartJob(ctx, jobID, spec); err != nil {
		return nil, err
	}

	r.launch(jobID, spec)
	return r.store.GetJob(ctx, jobID)
}

// Retry re-runs a FAILED job from its stored snapshot without touching
// the backend.
func (r *Runner) Retry(ctx context.Context, jobID string) (*model.RenderJob, error) {
	job, err := r.store.RetryJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	r.launch(jobID, job.SpecSnapshot)
	return job, nil
}

// Cancel marks a non-terminal job CANCELLED and cancels the job's
// context so in-flight step I/O (TTS, ffmpeg, uploads) aborts. No
// further external I/O is started once the flag is set.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	if err := r.store.CancelJob(ctx, jobID); err != nil {
		return err
	}

	r.mu.Lock()
	cancel := r.cancels[jobID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	r.publish(job, "cancelled")
	if r.metrics != nil {
		r.metrics.IncJob(model.JobCancelled)
	}
	return nil
}

// Shutdown stops admitting new step loops and waits for running jobs.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) launch(jobID string, spec *model.RenderSpec) {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		slog.Warn("runner stopping, job stays PROCESSING", "job_id", jobID)
		return
	}
	// The job context outlives the HTTP request that started the job;
	// Cancel() is its only cancellation source.
	jobCtx, cancel := context.WithCancel(context.Background())
	r.cancels[jobID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.cancels, jobID)
			r.mu.Unlock()
			cancel()
		}()
		r.run(jobCtx, jobID, spec)
	}()
}

// run drives the step loop for one job. ctx is the job's cancellable
// context: step I/O aborts when Cancel() fires. Store, bus and callback
// operations run detached from it so terminal state is always recorded.
func (r *Runner) run(ctx context.Context, jobID string, spec *model.RenderSpec) {
	dbCtx := context.WithoutCancel(ctx)

	workDir := filepath.Join(r.tmpRoot, "render-"+jobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		r.fail(dbCtx, jobID, workDir, fmt.Errorf("workdir: %w", err))
		return
	}

	var (
		audioDuration float64
		hasSlides     bool
		assets        *model.JobAssets
	)

	for _, planned := range stepPlan {
		cancelled, err := r.enterStep(ctx, dbCtx, jobID, planned.step)
		if err != nil {
			r.fail(dbCtx, jobID, workDir, err)
			return
		}
		if cancelled {
			r.cleanup(workDir)
			slog.Info("render job cancelled, step loop exiting", "job_id", jobID, "step", planned.step)
			return
		}

		switch planned.step {
		case model.StepValidateScript:
			err = r.steps.ValidateSpec(spec)
		case model.StepGenerateTTS:
			audioDuration, err = r.steps.GenerateTTS(ctx, spec, workDir)
		case model.StepGenerateSubtitle:
			err = r.steps.GenerateSubtitles(spec, audioDuration, workDir)
		case model.StepRenderSlides:
			hasSlides, err = r.steps.RenderSlides(ctx, spec, workDir)
		case model.StepComposeVideo:
			err = r.steps.ComposeVideo(ctx, spec, hasSlides, audioDuration, workDir)
		case model.StepUploadAssets:
			assets, err = r.steps.UploadAssets(ctx, spec, jobID, workDir)
		case model.StepFinalize:
			err = r.finalize(dbCtx, jobID, assets, audioDuration)
		}
		if err != nil {
			// A step aborted by Cancel() is a cancellation, not a failure.
			if ctx.Err() != nil {
				r.cleanup(workDir)
				slog.Info("render job cancelled mid-step", "job_id", jobID, "step", planned.step)
				return
			}
			r.fail(dbCtx, jobID, workDir, fmt.Errorf("%s: %w", planned.step, err))
			return
		}

		// Finalize publishes its own terminal event with progress 100.
		if planned.step == model.StepFinalize {
			break
		}
		if err := r.store.UpdateStep(dbCtx, jobID, planned.step, planned.upper, ""); err != nil {
			r.fail(dbCtx, jobID, workDir, err)
			return
		}
		if job, err := r.store.GetJob(dbCtx, jobID); err == nil {
			r.publish(job, "")
		}
	}

	r.cleanup(workDir)
}

// enterStep checks cancellation and records the step transition.
func (r *Runner) enterStep(ctx, dbCtx context.Context, jobID, step string) (cancelled bool, err error) {
	if ctx.Err() != nil {
		return true, nil
	}

	job, err := r.store.GetJob(dbCtx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status == model.JobCancelled {
		return true, nil
	}
	if job.Status != model.JobProcessing {
		return false, apperr.Conflict(apperr.CodeInvalidTransition,
			fmt.Sprintf("step loop found job in status %s", job.Status))
	}

	if err := r.store.UpdateStep(dbCtx, jobID, step, job.Progress, stepMessage(step)); err != nil {
		return false, err
	}
	job.Step = step
	job.Message = stepMessage(step)
	r.publish(job, job.Message)
	return false, nil
}

func (r *Runner) finalize(ctx context.Context, jobID string, assets *model.JobAssets, duration float64) error {
	if assets == nil {
		return fmt.Errorf("no assets to finalize")
	}
	if err := r.store.CompleteJob(ctx, jobID, assets); err != nil {
		return err
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err == nil {
		r.publish(job, "completed")
	}
	if r.metrics != nil {
		r.metrics.IncJob(model.JobCompleted)
	}

	r.notify(ctx, transport.RenderCallback{
		JobID:       jobID,
		Status:      model.JobCompleted,
		VideoURL:    assets.VideoURL,
		SubtitleURL: assets.SubtitleURL,
		ThumbURL:    assets.ThumbURL,
		DurationSec: duration,
	})
	return nil
}

func (r *Runner) fail(ctx context.Context, jobID, workDir string, cause error) {
	slog.Error("render job failed", "job_id", jobID, "error", cause)

	if err := r.store.FailJob(ctx, jobID, apperr.CodeRenderError, cause.Error()); err != nil {
		slog.Error("render job fail transition rejected", "job_id", jobID, "error", err)
	}
	r.cleanup(workDir)

	if job, err := r.store.GetJob(ctx, jobID); err == nil {
		r.publish(job, "failed")
	}
	if r.metrics != nil {
		r.metrics.IncJob(model.JobFailed)
	}

	r.notify(ctx, transport.RenderCallback{
		JobID:     jobID,
		Status:    model.JobFailed,
		ErrorCode: apperr.CodeRenderError,
	})
}

// notify posts the completion callback. Callback failures are logged and
// never flip the job state.
func (r *Runner) notify(ctx context.Context, cb transport.RenderCallback) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.backend.NotifyRenderComplete(nctx, cb); err != nil {
		slog.Error("render completion callback failed", "job_id", cb.JobID, "status", cb.Status, "error", err)
	}
}

func (r *Runner) publish(job *model.RenderJob, message string) {
	if message == "" {
		message = job.Message
	}
	r.bus.Publish(model.ProgressEvent{
		JobID:     job.JobID,
		VideoID:   job.VideoID,
		Status:    job.Status,
		Step:      job.Step,
		Progress:  job.Progress,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (r *Runner) cleanup(workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		slog.Warn("render workdir cleanup failed", "dir", workDir, "error", err)
	}
}

func stepMessage(step string) string {
	switch step {
	case model.StepValidateScript:
		return "스크립트 검증 중"
	case model.StepGenerateTTS:
		return "음성 합성 중"
	case model.StepGenerateSubtitle:
		return "자막 생성 중"
	case model.StepRenderSlides:
		return "슬라이드 렌더링 중"
	case model.StepComposeVideo:
		return "영상 합성 중"
	case model.StepUploadAssets:
		return "산출물 업로드 중"
	case model.StepFinalize:
		return "마무리 중"
	}
	return ""
}
