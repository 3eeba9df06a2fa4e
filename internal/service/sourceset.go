package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// Source-set pipeline statuses.
const (
	SourceSetProcessing = "PROCESSING"
	SourceSetCompleted  = "COMPLETED"
	SourceSetFailed     = "FAILED"
)

// SourceSetStatus is the pipeline state returned by the status endpoint.
type SourceSetStatus struct {
	SourceSetID string    `json:"source_set_id"`
	Status      string    `json:"status"`
	ScriptID    string    `json:"script_id,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// SourceSetNotifier posts the pipeline completion callback.
type SourceSetNotifier interface {
	NotifySourceSetComplete(ctx context.Context, cb transport.SourceSetCallback) error
}

// SourceFetcher loads the text blocks of a source set from the backend.
type SourceFetcher interface {
	FetchSourceTexts(ctx context.Context, sourceSetID string) (topic string, texts []string, err error)
}

// SourceSetPipeline runs document → script generation asynchronously and
// tracks per-set status in memory. Scripts go back to the backend via
// the completion callback; the gateway persists nothing for source sets.
type SourceSetPipeline struct {
	Fetcher  SourceFetcher
	Scripts  *ScriptGenerator
	Notifier SourceSetNotifier
	SubmitFn func(ctx context.Context, sourceSetID string, spec *model.RenderSpec) (scriptID string, err error)

	mu     sync.Mutex
	status map[string]*SourceSetStatus
}

// Start launches the pipeline for a source set. A set already PROCESSING
// is not restarted; its current status is returned.
func (p *SourceSetPipeline) Start(ctx context.Context, sourceSetID string) (*SourceSetStatus, error) {
	p.mu.Lock()
	if p.status == nil {
		p.status = make(map[string]*SourceSetStatus)
	}
	if st, ok := p.status[sourceSetID]; ok && st.Status == SourceSetProcessing {
		p.mu.Unlock()
		return st, nil
	}
	st := &SourceSetStatus{
		SourceSetID: sourceSetID,
		Status:      SourceSetProcessing,
		StartedAt:   time.Now().UTC(),
	}
	p.status[sourceSetID] = st
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx), sourceSetID)
	return st, nil
}

// Status returns the pipeline state for a source set.
func (p *SourceSetPipeline) Status(sourceSetID string) (*SourceSetStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.status[sourceSetID]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeJobNotFound, "source set pipeline not found")
	}
	copied := *st
	return &copied, nil
}

func (p *SourceSetPipeline) run(ctx context.Context, sourceSetID string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	finish := func(status, scriptID, errorCode string) {
		p.mu.Lock()
		st := p.status[sourceSetID]
		st.Status = status
		st.ScriptID = scriptID
		st.ErrorCode = errorCode
		st.FinishedAt = time.Now().UTC()
		p.mu.Unlock()

		if err := p.Notifier.NotifySourceSetComplete(ctx, transport.SourceSetCallback{
			SourceSetID: sourceSetID,
			Status:      status,
			ScriptID:    scriptID,
			ErrorCode:   errorCode,
		}); err != nil {
			slog.Error("source-set completion callback failed", "source_set_id", sourceSetID, "error", err)
		}
	}

	topic, texts, err := p.Fetcher.FetchSourceTexts(ctx, sourceSetID)
	if err != nil {
		slog.Error("source-set fetch failed", "source_set_id", sourceSetID, "error", err)
		finish(SourceSetFailed, "", "SOURCE_FETCH_FAILED")
		return
	}

	spec, err := p.Scripts.Generate(ctx, topic, model.DomainEducation, texts)
	if err != nil {
		slog.Error("source-set script generation failed", "source_set_id", sourceSetID, "error", err)
		finish(SourceSetFailed, "", "SCRIPT_GENERATION_FAILED")
		return
	}

	scriptID := ""
	if p.SubmitFn != nil {
		scriptID, err = p.SubmitFn(ctx, sourceSetID, spec)
		if err != nil {
			slog.Error("source-set script submit failed", "source_set_id", sourceSetID, "error", err)
			finish(SourceSetFailed, "", "SCRIPT_SUBMIT_FAILED")
			return
		}
	}

	finish(SourceSetCompleted, scriptID, "")
}
