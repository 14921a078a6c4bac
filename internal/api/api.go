// Package api implements the scheduler's HTTP surface: task-type
// listing, task CRUD/reschedule/cancel, and job listing/logs.
// Authentication, request tracing and the rest of the bootstrapping
// concerns belong to an outer layer; this package only implements the
// routes themselves over net/http's 1.22+ pattern ServeMux.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"

	"github.com/chaoss/grimoirelab-core/internal/archivist"
	"github.com/chaoss/grimoirelab-core/internal/scheduler"
	"github.com/chaoss/grimoirelab-core/internal/taskerrors"
	"github.com/chaoss/grimoirelab-core/internal/taskregistry"
	"github.com/chaoss/grimoirelab-core/internal/taskstore"
)

// Handler serves the scheduler HTTP routes.
type Handler struct {
	store     *taskstore.Store
	registry  *taskregistry.Registry
	scheduler *scheduler.Scheduler
	events    archivist.Querier
	logger    *slog.Logger
	markdown  goldmark.Markdown
}

// New builds a Handler wired to the core subsystems. events may be nil,
// in which case GET /events reports 404 rather than panicking (e.g. a
// deployment with no archivist index configured yet).
func New(store *taskstore.Store, registry *taskregistry.Registry, sched *scheduler.Scheduler, events archivist.Querier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	md := goldmark.New(goldmark.WithExtensions(highlighting.Highlighting))
	return &Handler{store: store, registry: registry, scheduler: sched, events: events, logger: logger, markdown: md}
}

// Routes registers every route on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /task-types", h.listTaskTypes)
	mux.HandleFunc("GET /tasks/{task_type}", h.listTasks)
	mux.HandleFunc("POST /tasks/{task_type}", h.createTask)
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}", h.getTask)
	mux.HandleFunc("DELETE /tasks/{task_type}/{uuid}", h.deleteTask)
	mux.HandleFunc("POST /tasks/{task_type}/{uuid}/reschedule", h.rescheduleTask)
	mux.HandleFunc("POST /tasks/{task_type}/{uuid}/cancel", h.cancelTask)
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}/jobs", h.listJobs)
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}/jobs/{job_uuid}", h.getJob)
	mux.HandleFunc("GET /tasks/{task_type}/{uuid}/jobs/{job_uuid}/logs", h.getJobLogs)
	mux.HandleFunc("GET /events", h.listEvents)
}

// -- helpers ---------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var terr *taskerrors.Error
	if errors.As(err, &terr) {
		status := http.StatusInternalServerError
		switch terr.Kind {
		case taskerrors.KindUnknownTaskType, taskerrors.KindValidation:
			status = http.StatusBadRequest
		case taskerrors.KindNotFound:
			status = http.StatusNotFound
		case taskerrors.KindConflict:
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"detail": terr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
}

// requireTaskType validates the {task_type} path value against the
// registry, writing the "400 Unknown task type" response itself.
func (h *Handler) requireTaskType(w http.ResponseWriter, r *http.Request) (string, bool) {
	tag := r.PathValue("task_type")
	if _, err := h.registry.Lookup(tag); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Unknown task type"})
		return "", false
	}
	return tag, true
}

func parseUUID(w http.ResponseWriter, r *http.Request, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(field))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid uuid"})
		return uuid.UUID{}, false
	}
	return id, true
}

// pageParams reads ?page and ?size, defaulting to 25 per page and
// capping at 100.
func pageParams(r *http.Request) (page, size int) {
	page = 1
	size = 25
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 {
		size = v
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

// paginated is the list response envelope:
// {links:{next,previous}, count, page, total_pages, results}.
type paginated struct {
	Links      links       `json:"links"`
	Count      int         `json:"count"`
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
	Results    interface{} `json:"results"`
}

type links struct {
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
}

func paginate(basePath string, page, size, count int, results interface{}) paginated {
	totalPages := (count + size - 1) / size
	if totalPages < 1 {
		totalPages = 1
	}
	var next, prev *string
	if page < totalPages {
		s := fmt.Sprintf("%s?page=%d&size=%d", basePath, page+1, size)
		next = &s
	}
	if page > 1 {
		s := fmt.Sprintf("%s?page=%d&size=%d", basePath, page-1, size)
		prev = &s
	}
	return paginated{
		Links:      links{Next: next, Previous: prev},
		Count:      count,
		Page:       page,
		TotalPages: totalPages,
		Results:    results,
	}
}

// -- handlers ----------------------------------------------------------------

func (h *Handler) listTaskTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": h.registry.Names()})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	taskType, ok := h.requireTaskType(w, r)
	if !ok {
		return
	}
	page, size := pageParams(r)
	status := taskstore.Status(r.URL.Query().Get("status"))

	tasks, count, err := h.store.ListTasks(r.Context(), taskstore.ListTasksParams{
		TaskType: taskType, Status: status, Page: page, Size: size,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r.URL.Path, page, size, count, tasks))
}

type createTaskRequest struct {
	TaskArgs      json.RawMessage `json:"task_args"`
	ExtraFields   json.RawMessage `json:"extra_fields"`
	JobInterval   int             `json:"job_interval"`
	JobMaxRetries int             `json:"job_max_retries"`
	Burst         bool            `json:"burst"`
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	taskType, ok := h.requireTaskType(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return
	}

	task, err := h.scheduler.ScheduleTask(r.Context(), scheduler.ScheduleTaskParams{
		TaskType:      taskType,
		TaskArgs:      req.TaskArgs,
		ExtraFields:   req.ExtraFields,
		JobInterval:   req.JobInterval,
		JobMaxRetries: req.JobMaxRetries,
		Burst:         req.Burst,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireTaskType(w, r); !ok {
		return
	}
	id, ok := parseUUID(w, r, "uuid")
	if !ok {
		return
	}
	task, err := h.store.GetTaskByUUID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireTaskType(w, r); !ok {
		return
	}
	id, ok := parseUUID(w, r, "uuid")
	if !ok {
		return
	}
	if err := h.store.DeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rescheduleTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireTaskType(w, r); !ok {
		return
	}
	id, ok := parseUUID(w, r, "uuid")
	if !ok {
		return
	}
	if err := h.scheduler.RescheduleTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task rescheduled"})
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireTaskType(w, r); !ok {
		return
	}
	id, ok := parseUUID(w, r, "uuid")
	if !ok {
		return
	}
	if err := h.scheduler.CancelTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task canceled"})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireTaskType(w, r); !ok {
		return
	}
	id, ok := parseUUID(w, r, "uuid")
	if !ok {
		return
	}
	task, err := h.store.GetTaskByUUID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	page, size := pageParams(r)
	jobs, count, err := h.store.ListJobs(r.Context(), task.ID, page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r.URL.Path, page, size, count, jobs))
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireTaskType(w, r); !ok {
		return
	}
	jobID, ok := parseUUID(w, r, "job_uuid")
	if !ok {
		return
	}
	job, err := h.store.GetJobByUUID(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// getJobLogs renders a job's accumulated log text as syntax-highlighted
// HTML for a human browsing the API, or returns JSON for clients that
// ask for it via Accept.
func (h *Handler) getJobLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireTaskType(w, r); !ok {
		return
	}
	jobID, ok := parseUUID(w, r, "job_uuid")
	if !ok {
		return
	}
	job, err := h.store.GetJobByUUID(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.Header.Get("Accept") == "application/json" {
		writeJSON(w, http.StatusOK, map[string]string{"logs": job.Logs})
		return
	}

	src := "```\n" + job.Logs + "\n```\n"
	var buf bytes.Buffer
	if err := h.markdown.Convert([]byte(src), &buf); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// listEvents implements the read-only GET /events query surface over
// the archivist's index, optionally filtered by ?type= and ?source=.
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "events index not configured"})
		return
	}
	page, size := pageParams(r)
	events, count, err := h.events.Query(r.Context(), archivist.QueryParams{
		Type:   r.URL.Query().Get("type"),
		Source: r.URL.Query().Get("source"),
		Page:   page,
		Size:   size,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(r.URL.Path, page, size, count, events))
}
