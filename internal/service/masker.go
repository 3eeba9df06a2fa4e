// Package service implements the gateway's domain logic: PII masking,
// intent classification, retrieval, prompt assembly, generation, answer
// guarding, and the chat orchestrators that tie them together.
package service

import (
	"context"
	"log/slog"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// Masking stages. INPUT and OUTPUT are fail-closed; LOG may degrade to a
// redaction placeholder so telemetry can still be emitted.
const (
	StageInput  = "INPUT"
	StageOutput = "OUTPUT"
	StageLog    = "LOG"
)

// RedactedPlaceholder replaces text whose LOG-stage masking failed.
const RedactedPlaceholder = "[REDACTED]"

// PIIDetector abstracts the remote detector for testability.
type PIIDetector interface {
	Mask(ctx context.Context, text, stage string) (*model.PiiMaskResult, error)
}

// Masker applies the three-stage PII policy over a remote detector.
type Masker struct {
	detector PIIDetector
	enabled  bool
}

// NewMasker creates a Masker. When enabled is false the detector is
// never called and INPUT/OUTPUT pass text through unmasked.
func NewMasker(detector PIIDetector, enabled bool) *Masker {
	return &Masker{detector: detector, enabled: enabled}
}

// Mask runs one masking pass. Policy:
//   - detector disabled: INPUT/OUTPUT return the text unchanged with
//     has_pii=false; LOG behaves the same.
//   - INPUT/OUTPUT failure: fail-closed with PII_DETECTOR_UNAVAILABLE.
//     The original text never leaves the process.
//   - LOG failure: degrade to "[REDACTED]" instead of failing, so the
//     telemetry path stays alive.
func (m *Masker) Mask(ctx context.Context, text, stage string) (*model.PiiMaskResult, error) {
	if !m.enabled {
		return &model.PiiMaskResult{Original: text, Masked: text, HasPII: false}, nil
	}

	result, err := m.detector.Mask(ctx, text, stage)
	if err == nil {
		if result.Original == "" {
			result.Original = text
		}
		return result, nil
	}

	if stage == StageLog {
		slog.Warn("pii detector failed at LOG stage, redacting", "error", err)
		return &model.PiiMaskResult{Original: text, Masked: RedactedPlaceholder, HasPII: true}, nil
	}

	slog.Error("pii detector unavailable, failing closed", "stage", stage, "error", err)
	return nil, apperr.PIIUnavailable(stage, err)
}

// MaskForLog masks text at LOG stage, always returning a safe string.
func (m *Masker) MaskForLog(ctx context.Context, text string) string {
	result, err := m.Mask(ctx, text, StageLog)
	if err != nil {
		return RedactedPlaceholder
	}
	return result.Masked
}
