package render

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

type recordingTTS struct {
	text     string
	duration float64
}

func (r *recordingTTS) Synthesize(ctx context.Context, text string) (*transport.Synthesis, error) {
	r.text = text
	return &transport.Synthesis{Audio: []byte("audio-bytes"), DurationSec: r.duration}, nil
}

func TestValidateSpec(t *testing.T) {
	s := &Steps{}

	if err := s.ValidateSpec(testSpec()); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}

	empty := &model.RenderSpec{ScriptID: "s", VideoID: "v"}
	if err := s.ValidateSpec(empty); err == nil {
		t.Error("empty scenes must be rejected")
	}

	zeroDur := testSpec()
	zeroDur.Scenes[0].DurationSec = 0
	if err := s.ValidateSpec(zeroDur); err == nil {
		t.Error("zero duration must be rejected")
	}

	blankNarration := testSpec()
	blankNarration.Scenes[1].Narration = "   "
	if err := s.ValidateSpec(blankNarration); err == nil {
		t.Error("blank narration must be rejected")
	}

	badVisual := testSpec()
	badVisual.Scenes[0].VisualSpec = "{not json"
	if err := s.ValidateSpec(badVisual); err == nil {
		t.Error("malformed visual spec must be rejected")
	}
}

func TestGenerateTTS_ConcatenatesNarrations(t *testing.T) {
	tts := &recordingTTS{duration: 31.5}
	s := &Steps{TTS: tts}
	workDir := t.TempDir()

	duration, err := s.GenerateTTS(context.Background(), testSpec(), workDir)
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	if duration != 31.5 {
		t.Errorf("duration = %v, want the provider's measurement", duration)
	}
	if !strings.Contains(tts.text, "첫 장면 나레이션") || !strings.Contains(tts.text, "둘째 장면 나레이션") {
		t.Errorf("narrations not concatenated: %q", tts.text)
	}
	if _, err := os.Stat(filepath.Join(workDir, audioFile)); err != nil {
		t.Error("audio file not written")
	}
}

func TestGenerateSubtitles_AlignedToAudio(t *testing.T) {
	s := &Steps{}
	workDir := t.TempDir()

	// Spec says 30s total; measured audio is 60s → cues scale 2x.
	if err := s.GenerateSubtitles(testSpec(), 60, workDir); err != nil {
		t.Fatalf("subtitles: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workDir, subtitleFile))
	if err != nil {
		t.Fatal(err)
	}
	srt := string(data)

	if !strings.Contains(srt, "1\n00:00:00,000 --> 00:00:30,000") {
		t.Errorf("first cue not scaled:\n%s", srt)
	}
	if !strings.Contains(srt, "2\n00:00:30,000 --> 00:01:00,000") {
		t.Errorf("second cue not scaled:\n%s", srt)
	}
	if !strings.Contains(srt, "첫 장면 나레이션") {
		t.Error("cue text missing (caption falls back to narration)")
	}
}

func TestRenderSlides_SkippedWithoutVisualSpecs(t *testing.T) {
	s := &Steps{FFmpegBin: "/nonexistent/ffmpeg"}

	hasSlides, err := s.RenderSlides(context.Background(), testSpec(), t.TempDir())
	if err != nil {
		t.Fatalf("skip path must not invoke ffmpeg: %v", err)
	}
	if hasSlides {
		t.Error("no visual specs → no slides")
	}
}

func TestUploadAssets_KeysAndURLs(t *testing.T) {
	workDir := t.TempDir()
	for _, name := range []string{videoFile, subtitleFile, thumbFile} {
		if err := os.WriteFile(filepath.Join(workDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := &Steps{Store: nullStore{}}
	assets, err := s.UploadAssets(context.Background(), testSpec(), "job-7", workDir)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	want := "http://cdn/videos/v1/s1/job-7/video.mp4"
	if assets.VideoURL != want {
		t.Errorf("video url = %s, want %s", assets.VideoURL, want)
	}
	if !strings.HasSuffix(assets.SubtitleURL, "subtitles.srt") || !strings.HasSuffix(assets.ThumbURL, "thumb.jpg") {
		t.Errorf("assets = %+v", assets)
	}
}
