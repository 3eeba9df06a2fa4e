package model

import "time"

// Render job statuses. QUEUED and PROCESSING are non-terminal; the rest
// are terminal and immutable.
const (
	JobQueued     = "QUEUED"
	JobProcessing = "PROCESSING"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
	JobCancelled  = "CANCELLED"
)

// Render pipeline steps, executed strictly in this order.
const (
	StepValidateScript   = "VALIDATE_SCRIPT"
	StepGenerateTTS      = "GENERATE_TTS"
	StepGenerateSubtitle = "GENERATE_SUBTITLE"
	StepRenderSlides     = "RENDER_SLIDES"
	StepComposeVideo     = "COMPOSE_VIDEO"
	StepUploadAssets     = "UPLOAD_ASSETS"
	StepFinalize         = "FINALIZE"
)

// IsTerminalStatus reports whether a job status admits no further transitions.
func IsTerminalStatus(s string) bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Scene is one ordered unit of a render spec.
type Scene struct {
	SceneID      string  `json:"scene_id"`
	SceneOrder   int     `json:"scene_order"`
	ChapterTitle string  `json:"chapter_title,omitempty"`
	Purpose      string  `json:"purpose,omitempty"`
	Narration    string  `json:"narration"`
	Caption      string  `json:"caption,omitempty"`
	DurationSec  float64 `json:"duration_sec"`
	VisualSpec   string  `json:"visual_spec,omitempty"`
}

// RenderSpec is the minimum input to a render run, snapshotted at start
// so that retries never re-fetch the backend.
type RenderSpec struct {
	ScriptID         string  `json:"script_id"`
	VideoID          string  `json:"video_id"`
	Title            string  `json:"title"`
	TotalDurationSec float64 `json:"total_duration_sec"`
	Scenes           []Scene `json:"scenes"`
}

// JobAssets holds the public URLs produced by a completed run.
type JobAssets struct {
	VideoURL    string `json:"video_url,omitempty"`
	SubtitleURL string `json:"subtitle_url,omitempty"`
	ThumbURL    string `json:"thumbnail_url,omitempty"`
}

// RenderJob is the persistent unit of video production work.
type RenderJob struct {
	JobID        string      `json:"job_id"`
	VideoID      string      `json:"video_id"`
	ScriptID     string      `json:"script_id"`
	Status       string      `json:"status"`
	Step         string      `json:"step,omitempty"`
	Progress     int         `json:"progress"`
	Message      string      `json:"message,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Assets       *JobAssets  `json:"assets,omitempty"`
	SpecSnapshot *RenderSpec `json:"render_spec_snapshot,omitempty"`
	CreatedBy    string      `json:"created_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// ProgressEvent is published on the progress bus at every step boundary
// and on terminal transitions.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	VideoID   string    `json:"video_id"`
	Status    string    `json:"status"`
	Step      string    `json:"step,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
