package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/httpx"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/reminder"
	"github.com/diewo77/school-billing/internal/webhook"
)

// maxWebhookBody caps a gateway callback.
const maxWebhookBody = 1 << 20

// forwarded headers kept on the job for diagnostics
var webhookHeaders = []string{"Content-Type", "User-Agent", "X-Request-Id", "X-Forwarded-For"}

type WebhookHandler struct {
	adapters webhook.Registry
	q        *queue.Queue
}

func NewWebhookHandler(adapters webhook.Registry, q *queue.Queue) *WebhookHandler {
	return &WebhookHandler{adapters: adapters, q: q}
}

// Receive stores a gateway callback as a WEBHOOK_CALLBACK job. Byte-identical
// redeliveries resolve to the job already queued.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	gateway := r.PathValue("gateway")
	adapter, ok := h.adapters.Lookup(gateway)
	if !ok {
		httpx.JSONError(w, http.StatusNotFound, "unknown_gateway", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || len(body) == 0 || !json.Valid(body) {
		httpx.JSON(w, http.StatusBadRequest, map[string]any{"received": false, "error": "parse_error"})
		return
	}
	headers := map[string]string{}
	for _, k := range webhookHeaders {
		if v := r.Header.Get(k); v != "" {
			headers[k] = v
		}
	}
	sum := sha256.Sum256(body)
	jobID, err := h.q.Enqueue(r.Context(), models.JobWebhookCallback, queue.WebhookCallbackPayload{
		Gateway:    adapter.Name(),
		RawBody:    string(body),
		Signature:  r.Header.Get(adapter.SignatureHeader()),
		Headers:    headers,
		ReceivedAt: time.Now().UTC(),
	}, queue.EnqueueOptions{
		IdempotencyKey: "webhook:" + adapter.Name() + ":" + hex.EncodeToString(sum[:]),
		MaxAttempts:    3,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"received": true, "jobId": jobID, "gateway": adapter.Name()})
}

type DeliveryStatusHandler struct {
	engine *reminder.Engine
	secret string
}

// NewDeliveryStatusHandler verifies callbacks with secret when it is set.
func NewDeliveryStatusHandler(engine *reminder.Engine, secret string) *DeliveryStatusHandler {
	return &DeliveryStatusHandler{engine: engine, secret: secret}
}

type deliveryStatus struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

func (d deliveryStatus) ref() string {
	if d.ID != "" {
		return d.ID
	}
	return d.MessageID
}

// Update applies one status or a {"statuses": [...]} batch. Unknown
// references are counted, not rejected, so the provider stops retrying.
func (h *DeliveryStatusHandler) Update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || len(body) == 0 {
		httpx.JSONError(w, http.StatusBadRequest, "parse_error", nil)
		return
	}
	if h.secret != "" {
		verifier := &webhook.BodyHMAC{Gateway: "whatsapp", Secret: h.secret}
		if _, err := verifier.Verify(body, r.Header.Get(verifier.SignatureHeader())); err != nil {
			httpx.JSONError(w, http.StatusUnauthorized, "invalid_signature", nil)
			return
		}
	}
	var batch struct {
		deliveryStatus
		Statuses []deliveryStatus `json:"statuses"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "parse_error", nil)
		return
	}
	items := batch.Statuses
	if len(items) == 0 {
		items = []deliveryStatus{batch.deliveryStatus}
	}
	var updated, unknown int
	for _, it := range items {
		if it.ref() == "" {
			unknown++
			continue
		}
		_, err := h.engine.HandleDeliveryStatus(r.Context(), it.ref(), it.Status)
		switch {
		case err == nil:
			updated++
		case apperr.HasCode(err, apperr.CodeReminderNotFound), apperr.HasCode(err, apperr.CodeInvalidDelivery):
			unknown++
		default:
			httpx.WriteError(w, r, err)
			return
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"received": true, "updated": updated, "ignored": unknown})
}
