package handlers

import (
	"net/http"
	"time"

	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/diewo77/school-billing/internal/revenue"
	"github.com/diewo77/school-billing/internal/validation"
	"github.com/shopspring/decimal"
)

type RevenueHandler struct {
	svc *revenue.Service
}

func NewRevenueHandler(svc *revenue.Service) *RevenueHandler {
	return &RevenueHandler{svc: svc}
}

type revenueAction struct {
	Action  string          `json:"action"`
	Month   int             `json:"month"`
	Year    int             `json:"year"`
	CycleID uint            `json:"cycleId"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
}

// Action dispatches createMonthlyCycles, closeCycle and applyAdjustment.
func (h *RevenueHandler) Action(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	var in revenueAction
	if !httpx.DecodeJSON(w, r, &in) {
		return
	}
	v := validation.Violations{}
	validation.OneOf("action", in.Action, []string{"createMonthlyCycles", "closeCycle", "applyAdjustment"}, v)
	switch in.Action {
	case "createMonthlyCycles":
		validation.Period(in.Month, in.Year, v)
	case "closeCycle":
		validation.RequiredUint("cycleId", in.CycleID, v)
	case "applyAdjustment":
		validation.RequiredUint("cycleId", in.CycleID, v)
		validation.NonZeroDecimal("amount", in.Amount, v)
		validation.Required("reason", in.Reason, v)
	}
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}

	var (
		out any
		err error
	)
	switch in.Action {
	case "createMonthlyCycles":
		out, err = h.svc.CreateMonthlyCycles(r.Context(), in.Month, in.Year)
	case "closeCycle":
		out, err = h.svc.CloseCycle(r.Context(), scope.TenantID, in.CycleID)
	case "applyAdjustment":
		out, err = h.svc.ApplyAdjustment(r.Context(), revenue.AdjustmentRequest{
			CycleID:   in.CycleID,
			TenantID:  scope.TenantID,
			Amount:    in.Amount,
			Reason:    in.Reason,
			CreatedBy: scope.UserID,
		})
	}
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

// Get returns live metrics for ?month=&year= (default current month), the
// stored cycle if one exists, and with ?view=cycles the cycle history.
func (h *RevenueHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("view") == "cycles" {
		cycles, err := h.svc.ListCycles(r.Context(), scope.TenantID, queryInt(r, "limit", 12))
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"cycles": cycles})
		return
	}
	now := time.Now().UTC()
	month, year := queryInt(r, "month", int(now.Month())), queryInt(r, "year", now.Year())
	v := validation.Violations{}
	validation.Period(month, year, v)
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	metrics, err := h.svc.CalculateLiveMetrics(r.Context(), scope.TenantID, month, year)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	cycle, err := h.svc.ForPeriod(r.Context(), scope.TenantID, month, year)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"metrics": metrics, "cycle": cycle})
}
