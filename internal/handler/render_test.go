package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/render"
	"github.com/ctrlf-ai/ai-gateway/internal/transport"
)

// stubBackend implements render.Backend.
type stubBackend struct{ scriptStatus string }

func (s *stubBackend) ScriptStatus(ctx context.Context, scriptID string) (string, error) {
	if s.scriptStatus == "" {
		return "APPROVED", nil
	}
	return s.scriptStatus, nil
}

func (s *stubBackend) FetchRenderSpec(ctx context.Context, scriptID string) (*model.RenderSpec, error) {
	return &model.RenderSpec{ScriptID: scriptID, VideoID: "v1", Title: "t",
		Scenes: []model.Scene{{SceneID: "s1", SceneOrder: 1, Narration: "나레이션", DurationSec: 10}}}, nil
}

func (s *stubBackend) NotifyRenderComplete(ctx context.Context, cb transport.RenderCallback) error {
	return nil
}

type stubTTS struct{}

func (stubTTS) Synthesize(ctx context.Context, text string) (*transport.Synthesis, error) {
	return &transport.Synthesis{Audio: []byte("mp3"), DurationSec: 10}, nil
}

type stubObjects struct{}

func (stubObjects) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "http://cdn/" + key, nil
}

func newRenderFixture(t *testing.T, backend *stubBackend) (*render.Runner, *render.Store) {
	t.Helper()
	store, err := render.OpenStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	bus := render.NewBus()
	t.Cleanup(bus.Close)
	steps := &render.Steps{TTS: stubTTS{}, Store: stubObjects{}, FFmpegBin: "ffmpeg"}
	return render.NewRunner(store, backend, steps, bus, t.TempDir(), nil), store
}

func renderRouter(runner *render.Runner, store *render.Store) http.Handler {
	r := chi.NewRouter()
	r.Post("/internal/ai/render-jobs", CreateRenderJob(runner))
	r.Get("/api/v2/videos/{video_id}/render-jobs", ListRenderJobs(store))
	r.Get("/api/v2/videos/{video_id}/render-jobs/{job_id}", GetRenderJob(store))
	r.Post("/api/v2/videos/{video_id}/render-jobs/{job_id}/cancel", CancelRenderJob(runner))
	r.Get("/api/v2/videos/{video_id}/assets/published", PublishedAssets(store))
	return r
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateRenderJob_Idempotent(t *testing.T) {
	runner, store := newRenderFixture(t, &stubBackend{})
	h := renderRouter(runner, store)

	body := `{"video_id":"v1","script_id":"s1"}`

	first := doReq(t, h, http.MethodPost, "/internal/ai/render-jobs", body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", first.Code)
	}
	var firstResp struct {
		Job     model.RenderJob `json:"job"`
		Created bool            `json:"created"`
	}
	json.Unmarshal(first.Body.Bytes(), &firstResp)
	if !firstResp.Created {
		t.Error("first create must report created=true")
	}

	second := doReq(t, h, http.MethodPost, "/internal/ai/render-jobs", body)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", second.Code)
	}
	var secondResp struct {
		Job     model.RenderJob `json:"job"`
		Created bool            `json:"created"`
	}
	json.Unmarshal(second.Body.Bytes(), &secondResp)
	if secondResp.Created {
		t.Error("second create must report created=false")
	}
	if secondResp.Job.JobID != firstResp.Job.JobID {
		t.Error("idempotent create must return the same job id")
	}
}

func TestCreateRenderJob_ScriptNotApproved(t *testing.T) {
	runner, store := newRenderFixture(t, &stubBackend{scriptStatus: "DRAFT"})
	h := renderRouter(runner, store)

	rec := doReq(t, h, http.MethodPost, "/internal/ai/render-jobs", `{"video_id":"v1","script_id":"s1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.ErrorCode != "SCRIPT_NOT_APPROVED" {
		t.Errorf("error_code = %s", body.ErrorCode)
	}
}

func TestRenderJob_ListDetailCancelRoundTrip(t *testing.T) {
	runner, store := newRenderFixture(t, &stubBackend{})
	h := renderRouter(runner, store)

	create := doReq(t, h, http.MethodPost, "/internal/ai/render-jobs", `{"video_id":"v1","script_id":"s1"}`)
	var created struct {
		Job model.RenderJob `json:"job"`
	}
	json.Unmarshal(create.Body.Bytes(), &created)
	jobID := created.Job.JobID

	list := doReq(t, h, http.MethodGet, "/api/v2/videos/v1/render-jobs", "")
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), jobID) {
		t.Errorf("list: %d %s", list.Code, list.Body.String())
	}

	detail := doReq(t, h, http.MethodGet, "/api/v2/videos/v1/render-jobs/"+jobID, "")
	if detail.Code != http.StatusOK {
		t.Errorf("detail status = %d", detail.Code)
	}

	wrongVideo := doReq(t, h, http.MethodGet, "/api/v2/videos/other/render-jobs/"+jobID, "")
	if wrongVideo.Code != http.StatusNotFound {
		t.Errorf("cross-video detail status = %d, want 404", wrongVideo.Code)
	}

	cancel := doReq(t, h, http.MethodPost, "/api/v2/videos/v1/render-jobs/"+jobID+"/cancel", "")
	if cancel.Code != http.StatusOK {
		t.Errorf("cancel status = %d", cancel.Code)
	}

	got, _ := store.GetJob(context.Background(), jobID)
	if got.Status != model.JobCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}

	// Retry refused: never started, no snapshot — but status check fires
	// first because the job is CANCELLED, not FAILED.
	if _, err := store.RetryJob(context.Background(), jobID); err == nil {
		t.Error("retry of a cancelled job must be refused")
	}
}

func TestPublishedAssets_NoneYet(t *testing.T) {
	runner, store := newRenderFixture(t, &stubBackend{})
	h := renderRouter(runner, store)

	rec := doReq(t, h, http.MethodGet, "/api/v2/videos/v1/assets/published", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
