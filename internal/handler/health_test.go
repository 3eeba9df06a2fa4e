package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	pingOK   = pingFunc(func(ctx context.Context) error { return nil })
	pingDown = pingFunc(func(ctx context.Context) error { return errors.New("unreachable") })
)

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health("1.2.3")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestReady_AllUp(t *testing.T) {
	h := Ready(ReadyDeps{LLM: pingOK, Retrieval: pingOK, Backend: pingOK, JobStore: pingOK})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReady_DegradedTargetYields503(t *testing.T) {
	h := Ready(ReadyDeps{LLM: pingOK, Retrieval: pingDown, Backend: pingOK})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status  string            `json:"status"`
		Targets map[string]string `json:"targets"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "degraded" {
		t.Errorf("status = %s", body.Status)
	}
	if body.Targets["retrieval"] != "unreachable" || body.Targets["llm"] != "ok" {
		t.Errorf("targets = %v", body.Targets)
	}
	if body.Targets["job_store"] != "skipped" {
		t.Errorf("nil pinger must be skipped, got %v", body.Targets["job_store"])
	}
}
