package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/diewo77/school-billing/internal/aging"
	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/shopspring/decimal"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type AgingHandler struct {
	svc *aging.Service
}

func NewAgingHandler(svc *aging.Service) *AgingHandler {
	return &AgingHandler{svc: svc}
}

// Get serves ?view=dashboard (default), campuses, trend and defaulters.
// Defaulters can be downloaded with format=xlsx.
func (h *AgingHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := scopeOf(w, r)
	if !ok {
		return
	}
	scope := aging.Scope{TenantID: s.TenantID, CampusID: s.CampusPtr()}
	if scope.CampusID == nil {
		if id := queryInt(r, "campusId", 0); id > 0 {
			c := uint(id)
			scope.CampusID = &c
		}
	}
	q := r.URL.Query()
	ctx := r.Context()

	switch view := q.Get("view"); view {
	case "", "dashboard":
		d, err := h.svc.Dashboard(ctx, scope)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, d)
	case "campuses":
		rows, err := h.svc.Campuses(ctx, scope)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"campuses": rows})
	case "trend":
		trend, err := h.svc.Trend(ctx, scope, queryInt(r, "months", 6))
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"trend": trend})
	case "defaulters":
		p := aging.DefaulterParams{
			Scope:   scope,
			SortBy:  q.Get("sortBy"),
			SortDir: q.Get("sortDir"),
			Limit:   queryInt(r, "limit", 0),
			Offset:  queryInt(r, "offset", 0),
		}
		if raw := q.Get("bucket"); raw != "" {
			b, ok := aging.ParseBucket(raw)
			if !ok {
				httpx.JSONError(w, http.StatusBadRequest, "validation_failed", map[string]string{"bucket": "invalid_value"})
				return
			}
			p.Bucket = b
		}
		if raw := q.Get("minAmount"); raw != "" {
			amt, err := decimal.NewFromString(raw)
			if err != nil || amt.IsNegative() {
				httpx.JSONError(w, http.StatusBadRequest, "validation_failed", map[string]string{"minAmount": "invalid_value"})
				return
			}
			p.MinAmount = amt
		}
		if q.Get("format") == "xlsx" {
			h.export(w, r, p)
			return
		}
		page, err := h.svc.Defaulters(ctx, p)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, page)
	default:
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", map[string]string{"view": "invalid_value"})
	}
}

func (h *AgingHandler) export(w http.ResponseWriter, r *http.Request, p aging.DefaulterParams) {
	var buf bytes.Buffer
	n, err := h.svc.ExportDefaulters(r.Context(), p, &buf)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	name := fmt.Sprintf("defaulters-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Row-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
