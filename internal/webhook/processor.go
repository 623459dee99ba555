package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/reconcile"
)

// DefaultTolerance bounds the clock skew between a gateway and us.
const DefaultTolerance = 300 * time.Second

// Outcome values of a processed callback.
const (
	OutcomeReconciled = "reconciled"
	OutcomeDuplicate  = "duplicate"
	OutcomeReplay     = "replay"
	OutcomeIgnored    = "ignored"
)

// Result is stored on the WEBHOOK_CALLBACK job.
type Result struct {
	Gateway         string `json:"gateway"`
	EventID         string `json:"eventId"`
	Type            string `json:"type"`
	Outcome         string `json:"outcome"`
	PaymentRecordID uint   `json:"paymentRecordId,omitempty"`
	ChallanStatus   string `json:"challanStatus,omitempty"`
}

// Payments is the part of the reconciliation service used here.
type Payments interface {
	ReconcilePayment(ctx context.Context, req reconcile.Request) (*reconcile.Result, error)
}

type Processor struct {
	adapters  Registry
	replay    ReplayCache
	payments  Payments
	tolerance time.Duration
	log       *slog.Logger
	now       func() time.Time
}

func NewProcessor(adapters Registry, replay ReplayCache, payments Payments, tolerance time.Duration) *Processor {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if replay == nil {
		replay = NewMemoryReplay(DefaultReplayTTL)
	}
	return &Processor{
		adapters:  adapters,
		replay:    replay,
		payments:  payments,
		tolerance: tolerance,
		log:       slog.Default().With("component", "webhook"),
		now:       time.Now,
	}
}

// Handler processes WEBHOOK_CALLBACK jobs.
func (p *Processor) Handler() queue.Handler {
	return func(ctx context.Context, job *models.Job) (any, error) {
		payload, err := queue.Decode[queue.WebhookCallbackPayload](job)
		if err != nil {
			return nil, queue.Permanent(err)
		}
		if payload.ReceivedAt.IsZero() {
			payload.ReceivedAt = job.CreatedAt
		}
		return p.Process(ctx, payload)
	}
}

// Process verifies a stored callback and reconciles the payment it reports.
// Bad signatures are returned as plain errors so the queue's attempt limit
// applies; stale or malformed events fail permanently.
func (p *Processor) Process(ctx context.Context, in queue.WebhookCallbackPayload) (*Result, error) {
	adapter, ok := p.adapters.Lookup(in.Gateway)
	if !ok {
		return nil, queue.Permanent(apperr.Webhook(apperr.CodeUnknownGateway, "gateway %q is not configured", in.Gateway))
	}
	body := []byte(in.RawBody)
	signedAt, err := adapter.Verify(body, in.Signature)
	if err != nil {
		p.log.WarnContext(ctx, "webhook signature rejected", "gateway", in.Gateway, "error", err)
		return nil, err
	}
	ev, err := adapter.Parse(body)
	if err != nil {
		return nil, queue.Permanent(err)
	}
	res := &Result{Gateway: adapter.Name(), EventID: ev.EventID, Type: ev.Type}

	// Skew is measured at receipt, so time spent waiting in the queue does
	// not count against the event.
	received := in.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}
	ts := signedAt
	if ts.IsZero() {
		ts = ev.Timestamp
	}
	if !ts.IsZero() {
		if skew := received.Sub(ts); skew > p.tolerance || skew < -p.tolerance {
			return nil, queue.Permanent(apperr.Webhook(apperr.CodeStaleEvent,
				"event %s is %s away from receipt time", ev.EventID, skew.Round(time.Second)))
		}
	}

	replayKey := adapter.Name() + ":" + ev.EventID
	first, err := p.replay.MarkSeen(ctx, replayKey)
	if err != nil {
		return nil, err
	}
	if !first {
		res.Outcome = OutcomeReplay
		return res, nil
	}

	if !ev.Succeeded() {
		p.log.InfoContext(ctx, "webhook event ignored", "gateway", adapter.Name(), "event_id", ev.EventID, "type", ev.Type)
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	paid, err := p.payments.ReconcilePayment(ctx, reconcile.Request{
		TenantID:        ev.TenantID,
		ChallanID:       ev.ChallanID,
		Amount:          ev.Amount,
		PaymentDate:     ev.Timestamp,
		Channel:         ev.Channel,
		ReferenceNumber: ev.TransactionID,
		IdempotencyKey:  ev.TransactionID,
		Notes:           "gateway " + adapter.Name() + " event " + ev.EventID,
		RecordedBy:      "webhook:" + adapter.Name(),
	})
	if err != nil {
		// let a later attempt of the same event through
		if ferr := p.replay.Forget(ctx, replayKey); ferr != nil {
			p.log.WarnContext(ctx, "replay cache forget failed", "event_id", ev.EventID, "error", ferr)
		}
		var domain *apperr.Error
		if errors.As(err, &domain) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	res.PaymentRecordID = paid.PaymentRecord.ID
	res.ChallanStatus = string(paid.ChallanStatus)
	res.Outcome = OutcomeReconciled
	if paid.Replayed {
		res.Outcome = OutcomeDuplicate
	}
	p.log.InfoContext(ctx, "webhook payment reconciled", "gateway", adapter.Name(), "event_id", ev.EventID,
		"tenant_id", ev.TenantID, "challan_id", ev.ChallanID, "outcome", res.Outcome)
	return res, nil
}
