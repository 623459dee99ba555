package webhook

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/config"
	"github.com/diewo77/school-billing/internal/dbtest"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/diewo77/school-billing/internal/reconcile"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const secret = "whsec_test"

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	proc    *Processor
	challan models.Challan
}

func setup(t *testing.T) fixture {
	t.Helper()
	d := dbtest.Open(t)
	payments, err := reconcile.NewService(d, events.NewMemoryBus(4), 1)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	reg, err := NewRegistry(map[string]config.GatewayConfig{
		"stripe":    {Scheme: "timestamped", Secret: secret},
		"easypaisa": {Scheme: "body", Secret: secret},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	p := NewProcessor(reg, NewMemoryReplay(time.Minute), payments, 0)
	p.now = func() time.Time { return now }

	tenant := dbtest.Tenant(t, d, dbtest.TenantID)
	campus := dbtest.Campus(t, d, tenant.ID, "Main")
	student := dbtest.Students(t, d, campus, "5", 1)[0]
	challan := dbtest.Challan(t, d, student, 3000, now.AddDate(0, 0, 5))
	return fixture{db: d, proc: p, challan: challan}
}

func body(eventID, typ string, challanID uint, amount, tx string, created time.Time) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"tenant_id":%q,"challan_id":%d,"amount":%q,"transaction_id":%q}}`,
		eventID, typ, created.Unix(), dbtest.TenantID, challanID, amount, tx))
}

func stripe(b []byte, at time.Time) queue.WebhookCallbackPayload {
	return queue.WebhookCallbackPayload{Gateway: "stripe", RawBody: string(b), Signature: SignTimestamped(secret, at, b)}
}

func TestTimestampedPaymentReconciles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := body("evt_1", "payment.succeeded", f.challan.ID, "3000.00", "tx_1", now)

	res, err := f.proc.Process(ctx, stripe(b, now))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != OutcomeReconciled || res.ChallanStatus != string(models.ChallanPaid) || res.PaymentRecordID == 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	again, err := f.proc.Process(ctx, stripe(b, now))
	if err != nil || again.Outcome != OutcomeReplay {
		t.Fatalf("expected replay got %+v %v", again, err)
	}

	// a new event for the same transaction is caught by the payment key
	b2 := body("evt_2", "payment.succeeded", f.challan.ID, "3000.00", "tx_1", now)
	dup, err := f.proc.Process(ctx, stripe(b2, now))
	if err != nil || dup.Outcome != OutcomeDuplicate || dup.PaymentRecordID != res.PaymentRecordID {
		t.Fatalf("expected duplicate got %+v %v", dup, err)
	}

	var n int64
	f.db.Model(&models.PaymentRecord{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected one payment got %d", n)
	}
}

func TestVerificationFailures(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := body("evt_1", "payment.succeeded", f.challan.ID, "100", "tx_1", now)

	tests := []struct {
		name      string
		in        queue.WebhookCallbackPayload
		code      string
		permanent bool
	}{
		{"wrong secret", queue.WebhookCallbackPayload{Gateway: "stripe", RawBody: string(b), Signature: SignTimestamped("other", now, b)}, apperr.CodeInvalidSignature, false},
		{"malformed header", queue.WebhookCallbackPayload{Gateway: "stripe", RawBody: string(b), Signature: "v1=abc"}, apperr.CodeInvalidSignature, false},
		{"tampered body", queue.WebhookCallbackPayload{Gateway: "easypaisa", RawBody: string(b) + " ", Signature: SignBody(secret, b)}, apperr.CodeInvalidSignature, false},
		{"stale", stripe(b, now.Add(-10*time.Minute)), apperr.CodeStaleEvent, true},
		{"unknown gateway", queue.WebhookCallbackPayload{Gateway: "paypal", RawBody: string(b)}, apperr.CodeUnknownGateway, true},
		{"not an event", queue.WebhookCallbackPayload{Gateway: "easypaisa", RawBody: `{"hello":1}`, Signature: SignBody(secret, []byte(`{"hello":1}`))}, apperr.CodeInvalidPayload, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proc.Process(ctx, tt.in)
			if !apperr.HasCode(err, tt.code) {
				t.Fatalf("expected %s got %v", tt.code, err)
			}
			if queue.IsPermanent(err) != tt.permanent {
				t.Fatalf("permanent=%v for %v", queue.IsPermanent(err), err)
			}
		})
	}
}

func TestFailedEventIsIgnored(t *testing.T) {
	f := setup(t)
	b := body("evt_9", "payment.failed", f.challan.ID, "3000", "tx_9", now)
	res, err := f.proc.Process(context.Background(), stripe(b, now))
	if err != nil || res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignored got %+v %v", res, err)
	}
	var n int64
	f.db.Model(&models.PaymentRecord{}).Count(&n)
	if n != 0 {
		t.Fatalf("no payment expected, got %d", n)
	}
}

func TestDomainErrorReleasesReplayEntry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := body("evt_3", "payment.succeeded", 999, "10", "tx_3", now)
	in := queue.WebhookCallbackPayload{Gateway: "easypaisa", RawBody: string(b), Signature: SignBody(secret, b)}
	for i := 0; i < 2; i++ {
		_, err := f.proc.Process(ctx, in)
		if !apperr.HasCode(err, apperr.CodeChallanNotFound) || !queue.IsPermanent(err) {
			t.Fatalf("attempt %d: expected permanent CHALLAN_NOT_FOUND got %v", i, err)
		}
	}
}

func TestQueuedEventCheckedAgainstReceiptTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	received := now
	f.proc.now = func() time.Time { return received.Add(10 * time.Minute) }

	b := body("evt_backlog", "payment.succeeded", f.challan.ID, "3000", "tx_backlog", received)
	in := stripe(b, received)
	in.ReceivedAt = received
	res, err := f.proc.Process(ctx, in)
	if err != nil || res.Outcome != OutcomeReconciled {
		t.Fatalf("delayed event should reconcile, got %+v %v", res, err)
	}
}

func TestStaleEventLeavesNoReplayEntry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	b := body("evt_late", "payment.succeeded", f.challan.ID, "3000", "tx_late", now.Add(-10*time.Minute))
	in := stripe(b, now.Add(-10*time.Minute))
	in.ReceivedAt = now

	if _, err := f.proc.Process(ctx, in); !apperr.HasCode(err, apperr.CodeStaleEvent) {
		t.Fatalf("expected STALE_EVENT got %v", err)
	}
	// an operator retry gets the same verdict instead of a silent replay
	f.proc.now = func() time.Time { return now.Add(time.Hour) }
	if res, err := f.proc.Process(ctx, in); !apperr.HasCode(err, apperr.CodeStaleEvent) {
		t.Fatalf("retry: expected STALE_EVENT got %+v %v", res, err)
	}

	// the same event received in time is still processed once
	fresh := stripe(b, now.Add(-10*time.Minute))
	fresh.ReceivedAt = now.Add(-9 * time.Minute)
	res, err := f.proc.Process(ctx, fresh)
	if err != nil || res.Outcome != OutcomeReconciled {
		t.Fatalf("expected reconciled got %+v %v", res, err)
	}
}

func TestHandlerThroughQueue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := queue.New(f.db)
	b := body("evt_4", "payment.succeeded", f.challan.ID, "1000", "tx_4", now)
	in := stripe(b, now)
	in.ReceivedAt = now
	id, err := q.Enqueue(ctx, models.JobWebhookCallback, in, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// the worker picks the job up well after the gateway delivered it
	f.proc.now = func() time.Time { return now.Add(30 * time.Minute) }
	w := queue.NewWorker(q, time.Millisecond)
	w.Register(models.JobWebhookCallback, f.proc.Handler())
	if n, err := w.Drain(ctx, queue.Webhooks); err != nil || n != 1 {
		t.Fatalf("drain: %d %v", n, err)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.JobCompleted {
		t.Fatalf("expected completed job got %s (%s)", job.Status, job.LastError)
	}
	var c models.Challan
	f.db.First(&c, f.challan.ID)
	if c.Status != models.ChallanPartiallyPaid || !c.Balance.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("unexpected challan %s balance %s", c.Status, c.Balance)
	}
}

func TestMemoryReplayExpires(t *testing.T) {
	m := NewMemoryReplay(time.Minute)
	clock := now
	m.now = func() time.Time { return clock }
	ctx := context.Background()
	if first, _ := m.MarkSeen(ctx, "a"); !first {
		t.Fatalf("first sighting expected")
	}
	if first, _ := m.MarkSeen(ctx, "a"); first {
		t.Fatalf("replay expected")
	}
	clock = clock.Add(2 * time.Minute)
	if first, _ := m.MarkSeen(ctx, "a"); !first {
		t.Fatalf("expired id should be new again")
	}
}

func TestNewRegistry(t *testing.T) {
	if _, err := NewRegistry(map[string]config.GatewayConfig{"x": {Scheme: "rsa", Secret: "s"}}); err == nil {
		t.Fatalf("expected unknown scheme error")
	}
	if _, err := NewRegistry(map[string]config.GatewayConfig{"x": {Scheme: "body"}}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	reg, err := NewRegistry(map[string]config.GatewayConfig{"JazzCash": {Scheme: "body", Secret: "s", Header: "X-Jazz-Sig"}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	a, ok := reg.Lookup("JAZZCASH")
	if !ok || a.SignatureHeader() != "X-Jazz-Sig" {
		t.Fatalf("unexpected adapter %v %v", a, ok)
	}
}
