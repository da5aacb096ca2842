// Package api exposes the dispatcher and the poller to the dashboard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/FAI3/orchestra/internal/log"
	"github.com/FAI3/orchestra/internal/model"
	"github.com/FAI3/orchestra/internal/service"
)

const (
	bodyLimit      = 1 << 20
	requestTimeout = 30 * time.Second
)

// Launcher is implemented by service.Dispatcher.
type Launcher interface {
	Launch(ctx context.Context, req model.TestRequest) (*service.Run, error)
	Cancel(kind model.TestKind) bool
	Active() []model.ProcessEntry
}

// Tracker is implemented by service.Poller.
type Tracker interface {
	Jobs() []model.Job
	Job(id model.JobID) (model.Job, bool)
	StopRequested(id model.JobID) bool
	Stop(ctx context.Context, id model.JobID) error
}

type Handlers struct {
	Launcher Launcher
	Tracker  Tracker
	// Events serves the notification stream, nil disables the route.
	Events http.Handler
}

// Router returns the routes under /api/v1.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLog)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))

			r.Post("/tests", h.LaunchTest)
			r.Get("/processes", h.ListProcesses)
			r.Delete("/processes/{kind}", h.CancelProcess)

			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/{id}", h.GetJob)
			r.Post("/jobs/{id}/stop", h.StopJob)
		})
		if h.Events != nil {
			r.Handle("/events", h.Events)
		}
	})
	return r
}

type launchResponse struct {
	RunID uuid.UUID      `json:"run_id"`
	Kind  model.TestKind `json:"kind"`
}

func (h *Handlers) LaunchTest(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[model.TestRequest](w, r)
	if !ok {
		return
	}
	req.Kind = model.TestKind(strings.ToUpper(string(req.Kind)))
	if req.Kind == "" {
		writeProblem(w, http.StatusBadRequest, "kind is required")
		return
	}

	run, err := h.Launcher.Launch(r.Context(), req)
	switch {
	case errors.Is(err, model.ErrConflict):
		writeProblem(w, http.StatusConflict, string(req.Kind)+" is already running")
	case errors.Is(err, model.ErrInvalidRequest):
		writeProblem(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrDispatcherClosed):
		writeProblem(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeInternalError(w, r, err)
	default:
		writeJSON(w, http.StatusAccepted, launchResponse{RunID: run.ID, Kind: run.Request.Kind})
	}
}

func (h *Handlers) ListProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Launcher.Active())
}

func (h *Handlers) CancelProcess(w http.ResponseWriter, r *http.Request) {
	kind := model.TestKind(strings.ToUpper(chi.URLParam(r, "kind")))
	if !h.Launcher.Cancel(kind) {
		writeProblem(w, http.StatusNotFound, string(kind)+" is not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobView struct {
	model.Job
	StopRequested bool `json:"stop_requested"`
}

func (h *Handlers) view(job model.Job) jobView {
	return jobView{Job: job, StopRequested: h.Tracker.StopRequested(job.ID)}
}

func (h *Handlers) ListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := h.Tracker.Jobs()
	ret := make([]jobView, len(jobs))
	for i, job := range jobs {
		ret[i] = h.view(job)
	}
	writeJSON(w, http.StatusOK, ret)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, ok := h.Tracker.Job(id)
	if !ok {
		writeProblem(w, http.StatusNotFound, "job "+id.String()+" is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, h.view(job))
}

func (h *Handlers) StopJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	err := h.Tracker.Stop(r.Context(), id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeProblem(w, http.StatusNotFound, err.Error())
	case err != nil:
		slog.WarnContext(r.Context(), "stop job failed", "job_id", id, "error", err)
		writeProblem(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (model.JobID, bool) {
	id, err := model.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

// requestLog carries the request id in the logging context.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextAttrs(r.Context(),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
		slog.DebugContext(ctx, "request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeProblem(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	p := problem{Title: http.StatusText(status), Status: status, Detail: detail}
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to write problem response", "error", err)
	}
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "request failed", "error", err)
	writeProblem(w, http.StatusInternalServerError, "internal server error")
}
