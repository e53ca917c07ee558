package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/events"
	"github.com/corvid-labs/harvest/internal/metrics"
)

// defaultMaxAttempts is the cross-run retry ceiling a newly submitted
// run starts with, matching the value the executor's own test suite
// exercises (executor/executor_test.go).
const defaultMaxAttempts = 3

// newRouter builds the operator-facing HTTP surface: job/run CRUD, the
// Event Stream (history + WebSocket), intervention task management,
// and the usual /health and /metrics endpoints, grounded in the pack's
// chi.NewRouter()/r.Route() convention (paulround2tele-studio's
// cmd/apiserver).
func newRouter(app *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if app.cfg.HTTP.EnableHealthCheck {
		r.Get(app.cfg.HTTP.HealthCheckPath, handleHealth(app))
	}
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", handleCreateJob(app))
		r.Get("/jobs/{jobID}/runs/{runID}", handleGetRun(app))
		r.Get("/jobs/{jobID}/runs/{runID}/records", handleListRecords(app))

		r.Route("/runs/{runID}/events", func(r chi.Router) {
			events.NewHandler(app.store, app.hub, app.allowedOrigins, app.logger.WithComponent("harvest/events")).Routes(r)
		})

		r.Get("/intervention/tasks/{taskID}", handleGetInterventionTask(app))
		r.Post("/intervention/tasks/{taskID}/resolve", handleResolveIntervention(app))
		r.Post("/intervention/tasks/{taskID}/cancel", handleCancelIntervention(app))

		r.Get("/domains/{domain}", handleDomainStats(app))
		r.Get("/sessions/stats", handleSessionStats(app))
	})

	return r
}

func handleHealth(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// createJobRequest is the wire shape for job submission — a thin
// mirror of core.Job/core.FieldMap, kept separate from the domain
// types so the wire format can evolve independently of them.
type createJobRequest struct {
	TargetURL      string           `json:"target_url"`
	Fields         []string         `json:"fields"`
	RequiresAuth   bool             `json:"requires_auth"`
	Crawl          core.CrawlMode   `json:"crawl"`
	List           *core.ListConfig `json:"list,omitempty"`
	EngineMode     core.EngineMode  `json:"engine_mode"`
	BrowserProfile *string          `json:"browser_profile,omitempty"`
	FieldMaps      []core.FieldMap  `json:"field_maps"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
}

// handleCreateJob accepts a job definition, persists it alongside its
// first Run (queued), and enqueues that run for the executor worker
// pool — the HTTP boundary for spec.md §1's "submit a job" operation.
func handleCreateJob(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.TargetURL == "" {
			http.Error(w, "target_url is required", http.StatusBadRequest)
			return
		}
		if req.EngineMode == "" {
			req.EngineMode = core.EngineModeAuto
		}
		if req.Crawl == "" {
			req.Crawl = core.CrawlSingle
		}

		job := core.Job{
			ID:             "job-" + uuid.New().String(),
			TargetURL:      req.TargetURL,
			Fields:         req.Fields,
			RequiresAuth:   req.RequiresAuth,
			Crawl:          req.Crawl,
			List:           req.List,
			EngineMode:     req.EngineMode,
			BrowserProfile: req.BrowserProfile,
		}
		for i := range req.FieldMaps {
			req.FieldMaps[i].JobID = job.ID
		}

		ctx := r.Context()
		if err := app.sqliteStore.CreateJob(ctx, job, req.FieldMaps); err != nil {
			http.Error(w, "create job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		run := core.Run{
			ID:                "run-" + uuid.New().String(),
			JobID:             job.ID,
			Status:            core.RunStatusQueued,
			Attempt:           1,
			MaxAttempts:       defaultMaxAttempts,
			RequestedStrategy: job.EngineMode,
			CreatedAt:         time.Now().UTC(),
		}
		if err := app.sqliteStore.CreateRun(ctx, run); err != nil {
			http.Error(w, "create run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if err := app.queue.Enqueue(ctx, run.ID); err != nil {
			http.Error(w, "enqueue run: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, RunID: run.ID})
	}
}

func handleGetRun(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		run, err := app.sqliteStore.LoadRun(r.Context(), runID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleListRecords(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")
		records, err := app.sqliteStore.ListRecords(r.Context(), runID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleGetInterventionTask(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		task, err := app.sqliteStore.Get(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

type resolveInterventionRequest struct {
	ResolverIdentity string                 `json:"resolver_identity"`
	Note             string                 `json:"note"`
	CapturedSession  *core.BrowserSession   `json:"captured_session,omitempty"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
}

// handleResolveIntervention is the operator action that unblocks a
// paused run: it records the resolution and re-queues the run, per
// spec.md §4.6's "resolve" operation.
func handleResolveIntervention(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		var req resolveInterventionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Controller.Resolve hashes ResolverIdentity itself before
		// persisting it; pass the plain operator-supplied identity
		// through unchanged.
		resolution := core.InterventionResolution{
			ResolverIdentity: req.ResolverIdentity,
			Note:             req.Note,
			CapturedSession:  req.CapturedSession,
		}

		if err := app.intervention.Resolve(r.Context(), taskID, resolution); err != nil {
			writeStoreError(w, err)
			return
		}

		task, err := app.sqliteStore.Get(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if task.RunID != nil {
			if err := app.queue.Enqueue(r.Context(), *task.RunID); err != nil {
				http.Error(w, "enqueue run: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCancelIntervention(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		if err := app.intervention.Cancel(r.Context(), taskID); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDomainStats(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := chi.URLParam(r, "domain")
		stats, cfg, err := app.domainIntel.Lookup(r.Context(), domain)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"domain": domain,
			"stats":  stats,
			"config": cfg,
		})
	}
}

func handleSessionStats(app *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.sessions.Stats())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case core.IsStateError(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
