package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/reminder"
	"github.com/diewo77/school-billing/internal/validation"
)

type ReminderHandler struct {
	engine *reminder.Engine
	q      *queue.Queue
}

func NewReminderHandler(engine *reminder.Engine, q *queue.Queue) *ReminderHandler {
	return &ReminderHandler{engine: engine, q: q}
}

// Trigger queues a reminder run for the caller's scope; ?sync=1 runs it inline.
func (h *ReminderHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	campus := scope.CampusPtr()
	if r.URL.Query().Get("sync") == "1" {
		res, err := h.engine.Run(r.Context(), reminder.Scope{TenantID: scope.TenantID, CampusID: campus})
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, res)
		return
	}
	key := fmt.Sprintf("reminder-run:%s:%d:%s", scope.TenantID, scope.CampusID, time.Now().UTC().Format("2006-01-02T15:04"))
	jobID, err := h.q.Enqueue(r.Context(), models.JobReminderRun,
		queue.ReminderRunPayload{TenantID: scope.TenantID, CampusID: campus},
		queue.EnqueueOptions{IdempotencyKey: key})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"jobId": jobID})
}

// Stats returns per-channel delivery counts for ?daysBack=N (default 30).
func (h *ReminderHandler) Stats(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	stats, err := h.engine.Stats(r.Context(), scope.TenantID, queryInt(r, "daysBack", 30))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"channels": stats})
}

type ruleRequest struct {
	CampusID       *uint  `json:"campusId"`
	Name           string `json:"name"`
	MinDaysOverdue int    `json:"minDaysOverdue"`
	MaxDaysOverdue *int   `json:"maxDaysOverdue"`
	Channel        string `json:"channel"`
	Template       string `json:"template"`
	FrequencyDays  int    `json:"frequencyDays"`
}

func (h *ReminderHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	rules, err := h.engine.ListRules(r.Context(), scope.TenantID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *ReminderHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	var in ruleRequest
	if !httpx.DecodeJSON(w, r, &in) {
		return
	}
	v := validation.Violations{}
	validation.Required("name", in.Name, v)
	validation.Required("template", in.Template, v)
	validation.OneOf("channel", in.Channel, []string{
		string(models.ReminderSMS), string(models.ReminderWhatsApp), string(models.ReminderEmail),
	}, v)
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	rule, err := h.engine.CreateRule(r.Context(), reminder.RuleInput{
		TenantID:       scope.TenantID,
		CampusID:       campusFilter(scope, in.CampusID),
		Name:           in.Name,
		MinDaysOverdue: in.MinDaysOverdue,
		MaxDaysOverdue: in.MaxDaysOverdue,
		Channel:        models.ReminderChannel(in.Channel),
		Template:       in.Template,
		FrequencyDays:  in.FrequencyDays,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *ReminderHandler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.DeactivateRule(r.Context(), scope.TenantID, id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StudentLogs lists the latest reminders sent about a student.
func (h *ReminderHandler) StudentLogs(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.engine.Logs(r.Context(), scope.TenantID, id, queryInt(r, "limit", 50))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reminders": logs})
}
