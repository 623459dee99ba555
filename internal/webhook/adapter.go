// Package webhook verifies payment gateway callbacks and turns them into
// reconciled payments. The HTTP layer only stores the raw body as a job; all
// verification happens in the worker.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/config"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Gateway event types that carry money.
var successTypes = []string{"payment.succeeded", "payment.completed", "charge.succeeded"}

// Event is a gateway callback after parsing.
type Event struct {
	EventID       string                `json:"eventId"`
	Type          string                `json:"type"`
	TenantID      string                `json:"tenantId"`
	ChallanID     uint                  `json:"challanId"`
	Amount        decimal.Decimal       `json:"amount"`
	TransactionID string                `json:"transactionId"`
	Timestamp     time.Time             `json:"timestamp"`
	Channel       models.PaymentChannel `json:"channel"`
}

// Succeeded reports whether the event confirms a received payment.
func (e *Event) Succeeded() bool {
	return lo.Contains(successTypes, strings.ToLower(e.Type))
}

// Adapter verifies and parses the callbacks of one gateway.
type Adapter interface {
	Name() string
	SignatureHeader() string
	// Verify checks the signature over the raw body and returns the signed
	// timestamp, or the zero time when the scheme does not sign one.
	Verify(body []byte, signature string) (time.Time, error)
	Parse(body []byte) (*Event, error)
}

// wireEvent is the callback body shared by the supported gateways.
type wireEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		TenantID      string          `json:"tenant_id"`
		ChallanID     uint            `json:"challan_id"`
		Amount        decimal.Decimal `json:"amount"`
		TransactionID string          `json:"transaction_id"`
		Channel       string          `json:"channel"`
	} `json:"data"`
}

func parseEvent(gateway string, body []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, apperr.Webhook(apperr.CodeInvalidPayload, "%s: %v", gateway, err)
	}
	if w.ID == "" || w.Type == "" {
		return nil, apperr.Webhook(apperr.CodeInvalidPayload, "%s: event id and type are required", gateway)
	}
	ev := &Event{
		EventID:       w.ID,
		Type:          w.Type,
		TenantID:      w.Data.TenantID,
		ChallanID:     w.Data.ChallanID,
		Amount:        w.Data.Amount,
		TransactionID: w.Data.TransactionID,
		Channel:       models.PaymentChannel(strings.ToUpper(w.Data.Channel)),
	}
	if w.Created > 0 {
		ev.Timestamp = time.Unix(w.Created, 0).UTC()
	}
	if ev.Channel == "" {
		ev.Channel = models.ChannelOnline
	}
	if ev.Succeeded() && (ev.TenantID == "" || ev.ChallanID == 0 || ev.TransactionID == "") {
		return nil, apperr.Webhook(apperr.CodeInvalidPayload, "%s: payment event %s lacks tenant, challan or transaction", gateway, ev.EventID)
	}
	return ev, nil
}

func mac(secret string, parts ...[]byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func equalHex(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(got))))
}

// TimestampedHMAC signs "{t}.{body}" and sends "t=<unix>,v1=<hex>".
type TimestampedHMAC struct {
	Gateway string
	Secret  string
	Header  string
}

func (a *TimestampedHMAC) Name() string { return a.Gateway }

func (a *TimestampedHMAC) SignatureHeader() string {
	if a.Header == "" {
		return "Stripe-Signature"
	}
	return a.Header
}

func (a *TimestampedHMAC) Verify(body []byte, signature string) (time.Time, error) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(sigs) == 0 {
		return time.Time{}, apperr.Webhook(apperr.CodeInvalidSignature, "%s: malformed signature header", a.Gateway)
	}
	expected := mac(a.Secret, []byte(ts), []byte("."), body)
	if !lo.ContainsBy(sigs, func(s string) bool { return equalHex(expected, s) }) {
		return time.Time{}, apperr.Webhook(apperr.CodeInvalidSignature, "%s: signature mismatch", a.Gateway)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (a *TimestampedHMAC) Parse(body []byte) (*Event, error) { return parseEvent(a.Gateway, body) }

// SignTimestamped builds the header value a TimestampedHMAC gateway would send.
func SignTimestamped(secret string, t time.Time, body []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, mac(secret, []byte(ts), []byte("."), body))
}

// BodyHMAC carries a bare hex HMAC-SHA256 of the body.
type BodyHMAC struct {
	Gateway string
	Secret  string
	Header  string
}

func (a *BodyHMAC) Name() string { return a.Gateway }

func (a *BodyHMAC) SignatureHeader() string {
	if a.Header == "" {
		return "X-Signature"
	}
	return a.Header
}

func (a *BodyHMAC) Verify(body []byte, signature string) (time.Time, error) {
	if signature == "" {
		return time.Time{}, apperr.Webhook(apperr.CodeInvalidSignature, "%s: missing signature", a.Gateway)
	}
	if !equalHex(mac(a.Secret, body), strings.TrimPrefix(signature, "sha256=")) {
		return time.Time{}, apperr.Webhook(apperr.CodeInvalidSignature, "%s: signature mismatch", a.Gateway)
	}
	return time.Time{}, nil
}

func (a *BodyHMAC) Parse(body []byte) (*Event, error) { return parseEvent(a.Gateway, body) }

// SignBody returns the hex HMAC-SHA256 of body.
func SignBody(secret string, body []byte) string { return mac(secret, body) }

// Registry resolves adapters by lower-case gateway name.
type Registry map[string]Adapter

// NewRegistry builds adapters from gateway configuration. Unknown schemes are
// an error so a typo does not silently disable a gateway.
func NewRegistry(gateways map[string]config.GatewayConfig) (Registry, error) {
	reg := Registry{}
	for name, gw := range gateways {
		name = strings.ToLower(name)
		if gw.Secret == "" {
			return nil, fmt.Errorf("gateway %s: secret is required", name)
		}
		switch strings.ToLower(gw.Scheme) {
		case "timestamped", "stripe":
			reg[name] = &TimestampedHMAC{Gateway: name, Secret: gw.Secret, Header: gw.Header}
		case "body", "hmac":
			reg[name] = &BodyHMAC{Gateway: name, Secret: gw.Secret, Header: gw.Header}
		default:
			return nil, fmt.Errorf("gateway %s: unknown scheme %q", name, gw.Scheme)
		}
	}
	return reg, nil
}

// Lookup returns the adapter for gateway.
func (r Registry) Lookup(gateway string) (Adapter, bool) {
	a, ok := r[strings.ToLower(gateway)]
	return a, ok
}
