package render

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// Synthesizer abstracts the TTS provider for testability.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*transport.Synthesis, error)
}

// Steps holds the per-step implementations and their shared collaborators.
type Steps struct {
	TTS       Synthesizer
	Store     transport.ObjectStore
	FFmpegBin string
}

// stepFiles are the artefact names inside a job's working directory.
const (
	audioFile    = "narration.mp3"
	subtitleFile = "subtitles.srt"
	videoFile    = "video.mp4"
	thumbFile    = "thumb.jpg"
)

// ValidateSpec rejects specs with no scenes, non-positive durations, or
// malformed visual specs.
func (s *Steps) ValidateSpec(spec *model.RenderSpec) error {
	if len(spec.Scenes) == 0 {
		return fmt.Errorf("render spec has no scenes")
	}
	for i, scene := range spec.Scenes {
		if strings.TrimSpace(scene.Narration) == "" {
			return fmt.Errorf("scene %d (%s) has empty narration", i, scene.SceneID)
		}
		if scene.DurationSec <= 0 {
			return fmt.Errorf("scene %d (%s) has non-positive duration", i, scene.SceneID)
		}
		if scene.VisualSpec != "" && !json.Valid([]byte(scene.VisualSpec)) {
			return fmt.Errorf("scene %d (%s) has malformed visual spec", i, scene.SceneID)
		}
	}
	return nil
}

// GenerateTTS concatenates the per-scene narrations, synthesises the
// narration audio, and returns the measured total duration. The measured
// duration reconciles the scene durations for subtitle timing.
func (s *Steps) GenerateTTS(ctx context.Context, spec *model.RenderSpec, workDir string) (float64, error) {
	var narration strings.Builder
	for i, scene := range spec.Scenes {
		if i > 0 {
			narration.WriteString("\n\n")
		}
		narration.WriteString(strings.TrimSpace(scene.Narration))
	}

	synth, err := s.TTS.Synthesize(ctx, narration.String())
	if err != nil {
		return 0, fmt.Errorf("tts synthesis: %w", err)
	}

	if err := os.WriteFile(filepath.Join(workDir, audioFile), synth.Audio, 0o644); err != nil {
		return 0, fmt.Errorf("write audio: %w", err)
	}

	duration := synth.DurationSec
	if duration <= 0 {
		duration = spec.TotalDurationSec
	}
	return duration, nil
}

// GenerateSubtitles writes an SRT aligned to the scene durations, scaled
// so the final cue ends at audioDuration.
func (s *Steps) GenerateSubtitles(spec *model.RenderSpec, audioDuration float64, workDir string) error {
	specTotal := 0.0
	for _, scene := range spec.Scenes {
		specTotal += scene.DurationSec
	}
	if specTotal <= 0 {
		return fmt.Errorf("spec total duration is zero")
	}

	scale := 1.0
	if audioDuration > 0 {
		scale = audioDuration / specTotal
	}

	var sb strings.Builder
	cursor := 0.0
	for i, scene := range spec.Scenes {
		startSec := cursor
		endSec := cursor + scene.DurationSec*scale
		cursor = endSec

		text := scene.Caption
		if text == "" {
			text = scene.Narration
		}

		sb.WriteString(fmt.Sprintf("%d\n%s --> %s\n%s\n\n",
			i+1, srtTimestamp(startSec), srtTimestamp(endSec), strings.TrimSpace(text)))
	}

	if err := os.WriteFile(filepath.Join(workDir, subtitleFile), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write subtitles: %w", err)
	}
	return nil
}

func srtTimestamp(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// RenderSlides produces one still per scene via a deterministic ffmpeg
// drawtext invocation. Slides are style-dependent: the step is skipped
// entirely when no scene declares a visual spec.
func (s *Steps) RenderSlides(ctx context.Context, spec *model.RenderSpec, workDir string) (bool, error) {
	hasVisuals := false
	for _, scene := range spec.Scenes {
		if scene.VisualSpec != "" {
			hasVisuals = true
			break
		}
	}
	if !hasVisuals {
		return false, nil
	}

	for i, scene := range spec.Scenes {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		title := scene.ChapterTitle
		if title == "" {
			title = spec.Title
		}
		out := filepath.Join(workDir, fmt.Sprintf("slide_%03d.png", i))

		args := []string{
			"-y",
			"-f", "lavfi",
			"-i", "color=c=0x10214b:s=1280x720:d=1",
			"-vf", fmt.Sprintf(
				"drawtext=text='%s':fontcolor=white:fontsize=44:x=(w-text_w)/2:y=(h-text_h)/2",
				escapeDrawtext(title)),
			"-frames:v", "1",
			out,
		}
		if err := s.runFFmpeg(ctx, workDir, args); err != nil {
			return false, fmt.Errorf("slide %d: %w", i, err)
		}
	}
	return true, nil
}

// ComposeVideo combines the narration audio, slides (or a solid
// background), and burned-in subtitles into an MP4, then extracts a
// thumbnail. The encoder invocation is deterministic: fixed flag order,
// fixed codecs, fixed frame rate.
func (s *Steps) ComposeVideo(ctx context.Context, spec *model.RenderSpec, hasSlides bool, audioDuration float64, workDir string) error {
	videoOut := filepath.Join(workDir, videoFile)

	var args []string
	if hasSlides {
		// Slides cycle at each scene boundary; approximate with a uniform
		// framerate over the audio duration.
		perSlide := audioDuration / float64(len(spec.Scenes))
		if perSlide <= 0 {
			perSlide = 5
		}
		args = []string{
			"-y",
			"-framerate", fmt.Sprintf("1/%0.3f", perSlide),
			"-i", filepath.Join(workDir, "slide_%03d.png"),
			"-i", filepath.Join(workDir, audioFile),
			"-vf", fmt.Sprintf("fps=25,subtitles=%s", subtitleFile),
			"-c:v", "libx264", "-preset", "medium", "-pix_fmt", "yuv420p",
			"-c:a", "aac", "-b:a", "128k",
			"-shortest",
			videoOut,
		}
	} else {
		args = []string{
			"-y",
			"-f", "lavfi",
			"-i", fmt.Sprintf("color=c=0x10214b:s=1280x720:d=%0.3f", audioDuration),
			"-i", filepath.Join(workDir, audioFile),
			"-vf", fmt.Sprintf("subtitles=%s", subtitleFile),
			"-c:v", "libx264", "-preset", "medium", "-pix_fmt", "yuv420p",
			"-c:a", "aac", "-b:a", "128k",
			"-shortest",
			videoOut,
		}
	}

	if err := s.runFFmpeg(ctx, workDir, args); err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	// Cancellation between the two encoder invocations: the thumbnail
	// pass must not start once the job is cancelled.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	thumbArgs := []string{
		"-y",
		"-i", videoOut,
		"-ss", "00:00:01",
		"-frames:v", "1",
		"-q:v", "3",
		filepath.Join(workDir, thumbFile),
	}
	if err := s.runFFmpeg(ctx, workDir, thumbArgs); err != nil {
		return fmt.Errorf("thumbnail: %w", err)
	}
	return nil
}

// UploadAssets puts the three artefacts under the job's stable key
// prefix and returns their public URLs.
func (s *Steps) UploadAssets(ctx context.Context, spec *model.RenderSpec, jobID, workDir string) (*model.JobAssets, error) {
	prefix := fmt.Sprintf("videos/%s/%s/%s", spec.VideoID, spec.ScriptID, jobID)

	uploads := []struct {
		file        string
		key         string
		contentType string
		target      func(assets *model.JobAssets, url string)
	}{
		{videoFile, prefix + "/video.mp4", "video/mp4",
			func(a *model.JobAssets, u string) { a.VideoURL = u }},
		{subtitleFile, prefix + "/subtitles.srt", "application/x-subrip",
			func(a *model.JobAssets, u string) { a.SubtitleURL = u }},
		{thumbFile, prefix + "/thumb.jpg", "image/jpeg",
			func(a *model.JobAssets, u string) { a.ThumbURL = u }},
	}

	assets := &model.JobAssets{}
	for _, up := range uploads {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := os.ReadFile(filepath.Join(workDir, up.file))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", up.file, err)
		}
		url, err := s.Store.Put(ctx, up.key, data, up.contentType)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", up.file, err)
		}
		up.target(assets, url)
	}
	return assets, nil
}

func (s *Steps) runFFmpeg(ctx context.Context, workDir string, args []string) error {
	bin := s.FFmpegBin
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg %v: %w: %s", args[:2], err, tail(string(out), 512))
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func escapeDrawtext(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, `:`, `\:`)
	return s
}
