package handlers

import (
	"net/http"

	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/posting"
	"github.com/diewo77/school-billing/internal/validation"
)

type PostingHandler struct {
	svc *posting.Service
}

func NewPostingHandler(svc *posting.Service) *PostingHandler {
	return &PostingHandler{svc: svc}
}

type postingRequest struct {
	Month          int    `json:"month"`
	Year           int    `json:"year"`
	CampusID       *uint  `json:"campusId"`
	AcademicYearID *uint  `json:"academicYearId"`
	DueDate        string `json:"dueDate"`
}

type postingResponse struct {
	PostingRunID uint                    `json:"postingRunId"`
	JobID        string                  `json:"jobId"`
	Status       models.PostingRunStatus `json:"status"`
	CreatedCount int                     `json:"createdCount"`
}

// Create reserves a posting run and queues its execution.
func (h *PostingHandler) Create(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	var in postingRequest
	if !httpx.DecodeJSON(w, r, &in) {
		return
	}
	v := validation.Violations{}
	validation.Period(in.Month, in.Year, v)
	due := validation.Date("dueDate", in.DueDate, v)
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	run, err := h.svc.Reserve(r.Context(), posting.Request{
		TenantID:       scope.TenantID,
		CampusID:       campusFilter(scope, in.CampusID),
		AcademicYearID: in.AcademicYearID,
		Month:          in.Month,
		Year:           in.Year,
		DueDate:        due,
		RequestedBy:    scope.UserID,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, postingResponse{
		PostingRunID: run.ID,
		JobID:        run.JobID,
		Status:       run.Status,
		CreatedCount: run.CreatedCount,
	})
}

// List returns past runs, or one run with ?id=.
func (h *PostingHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	if id := queryInt(r, "id", 0); id > 0 {
		run, err := h.svc.Get(r.Context(), scope.TenantID, uint(id))
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, run)
		return
	}
	runs, err := h.svc.ListRuns(r.Context(), scope.TenantID, queryInt(r, "limit", 20))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// Resume re-queues a FAILED run.
func (h *PostingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	run, err := h.svc.Resume(r.Context(), scope.TenantID, id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, postingResponse{
		PostingRunID: run.ID,
		JobID:        run.JobID,
		Status:       run.Status,
		CreatedCount: run.CreatedCount,
	})
}
