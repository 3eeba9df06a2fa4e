package handler

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pinger checks one upstream's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health handles GET /health — liveness only.
func Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}

// ReadyDeps are the upstreams the readiness probe checks.
type ReadyDeps struct {
	LLM       Pinger
	Retrieval Pinger
	Backend   Pinger
	JobStore  Pinger
}

// Ready handles GET /health/ready — fans reachability probes out in
// parallel and reports per-target status; any failure yields 503.
func Ready(deps ReadyDeps) http.HandlerFunc {
	targets := []struct {
		name   string
		pinger Pinger
	}{
		{"llm", deps.LLM},
		{"retrieval", deps.Retrieval},
		{"backend", deps.Backend},
		{"job_store", deps.JobStore},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := make([]string, len(targets))
		g, gCtx := errgroup.WithContext(ctx)
		for i, t := range targets {
			i, t := i, t
			if t.pinger == nil {
				results[i] = "skipped"
				continue
			}
			g.Go(func() error {
				if err := t.pinger.Ping(gCtx); err != nil {
					results[i] = "unreachable"
				} else {
					results[i] = "ok"
				}
				return nil
			})
		}
		g.Wait()

		status := http.StatusOK
		overall := "ready"
		detail := make(map[string]string, len(targets))
		for i, t := range targets {
			detail[t.name] = results[i]
			if results[i] == "unreachable" {
				status = http.StatusServiceUnavailable
				overall = "degraded"
			}
		}

		respondJSON(w, status, map[string]any{
			"status":  overall,
			"targets": detail,
		})
	}
}
