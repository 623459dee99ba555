package queue

import "time"

// FeePostingPayload executes a reserved posting run.
type FeePostingPayload struct {
	PostingRunID uint   `json:"postingRunId"`
	TenantID     string `json:"tenantId"`
}

// ReminderRunPayload evaluates reminder rules for a scope.
type ReminderRunPayload struct {
	TenantID string `json:"tenantId"`
	CampusID *uint  `json:"campusId,omitempty"`
}

// ReminderDeliveryPayload sends one rendered reminder.
type ReminderDeliveryPayload struct {
	ReminderLogID uint   `json:"reminderLogId"`
	TenantID      string `json:"tenantId"`
	ChallanID     uint   `json:"challanId"`
	Channel       string `json:"channel"`
	Recipient     string `json:"recipient"`
	Message       string `json:"message"`
}

// WebhookCallbackPayload carries a raw gateway callback for verification.
type WebhookCallbackPayload struct {
	Gateway    string            `json:"gateway"`
	RawBody    string            `json:"rawBody"`
	Signature  string            `json:"signature"`
	Headers    map[string]string `json:"headers,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`
}
