package handlers

import (
	"net/http"
	"strings"

	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/reconcile"
	"github.com/diewo77/school-billing/internal/validation"
	"github.com/shopspring/decimal"
)

type PaymentHandler struct {
	svc *reconcile.Service
}

func NewPaymentHandler(svc *reconcile.Service) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

type paymentRequest struct {
	ChallanID       uint            `json:"challanId"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentDate     string          `json:"paymentDate"`
	PaymentMethod   string          `json:"paymentMethod"`
	ReferenceNumber string          `json:"referenceNumber"`
	Notes           string          `json:"notes"`
}

type paymentResponse struct {
	PaymentRecordID uint                 `json:"paymentRecordId"`
	ReceiptNo       string               `json:"receiptNo"`
	ChallanID       uint                 `json:"challanId"`
	ChallanStatus   models.ChallanStatus `json:"challanStatus"`
	PaidAmount      decimal.Decimal      `json:"paidAmount"`
	Balance         decimal.Decimal      `json:"balance"`
	AppliedAmount   decimal.Decimal      `json:"appliedAmount"`
	AdvanceAmount   decimal.Decimal      `json:"advanceAmount"`
	Replayed        bool                 `json:"replayed"`
}

// Create records a manual payment. The Idempotency-Key header, when sent,
// wins over the derived key.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	var in paymentRequest
	if !httpx.DecodeJSON(w, r, &in) {
		return
	}
	v := validation.Violations{}
	validation.RequiredUint("challanId", in.ChallanID, v)
	validation.PositiveDecimal("amount", in.Amount, v)
	validation.Required("paymentMethod", in.PaymentMethod, v)
	date := validation.Date("paymentDate", in.PaymentDate, v)
	if !v.Empty() {
		httpx.JSONError(w, http.StatusBadRequest, "validation_failed", v)
		return
	}
	req := reconcile.Request{
		TenantID:        scope.TenantID,
		ChallanID:       in.ChallanID,
		Amount:          in.Amount,
		Channel:         models.PaymentChannel(strings.ToUpper(strings.TrimSpace(in.PaymentMethod))),
		ReferenceNumber: in.ReferenceNumber,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		Notes:           in.Notes,
		RecordedBy:      scope.UserID,
	}
	if date != nil {
		req.PaymentDate = *date
	}
	res, err := h.svc.ReconcilePayment(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, paymentResponse{
		PaymentRecordID: res.PaymentRecord.ID,
		ReceiptNo:       res.ReceiptNo,
		ChallanID:       res.ChallanID,
		ChallanStatus:   res.ChallanStatus,
		PaidAmount:      res.PaidAmount,
		Balance:         res.Balance,
		AppliedAmount:   res.AppliedAmount,
		AdvanceAmount:   res.AdvanceAmount,
		Replayed:        res.Replayed,
	})
}

// ChallanPayments lists the payments applied to a challan.
func (h *PaymentHandler) ChallanPayments(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payments, err := h.svc.Payments(r.Context(), scope.TenantID, id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": payments})
}

// StudentStatement returns the student's ledger totals and open challans.
func (h *PaymentHandler) StudentStatement(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	st, err := h.svc.StudentSummary(r.Context(), scope.TenantID, id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}
