package handlers

import (
	"net/http"
	"strings"

	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
)

type JobsHandler struct {
	q *queue.Queue
}

func NewJobsHandler(q *queue.Queue) *JobsHandler {
	return &JobsHandler{q: q}
}

// Metrics reports backlog and failures per queue.
func (h *JobsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.q.Metrics(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": m})
}

// List filters jobs by ?status=, ?queue= and ?type=.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := h.q.ListJobs(r.Context(), queue.Filter{
		Status: models.JobStatus(strings.ToUpper(q.Get("status"))),
		Queue:  q.Get("queue"),
		Type:   models.JobType(strings.ToUpper(q.Get("type"))),
		Limit:  queryInt(r, "limit", 50),
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Get returns one job with its result or last error.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.q.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}

// Retry requeues a DEAD job.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.q.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}
