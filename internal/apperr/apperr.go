// Package apperr defines the typed domain errors shared by the billing services.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names the service that raised a domain error.
type Kind string

const (
	KindPosting  Kind = "PostingError"
	KindPayment  Kind = "PaymentEntryError"
	KindRevenue  Kind = "RevenueCycleError"
	KindReminder Kind = "ReminderError"
	KindWebhook  Kind = "WebhookError"
	KindQueue    Kind = "QueueError"
)

// Well-known codes.
const (
	CodeAlreadyPosted      = "ALREADY_POSTED"
	CodePostingNotFound    = "POSTING_RUN_NOT_FOUND"
	CodePostingNotFailed   = "POSTING_RUN_NOT_FAILED"
	CodeChallanNotFound    = "CHALLAN_NOT_FOUND"
	CodeChallanAlreadyPaid = "CHALLAN_ALREADY_PAID"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeInvalidChannel     = "INVALID_CHANNEL"
	CodeStudentNotFound    = "STUDENT_NOT_FOUND"
	CodeCycleNotFound      = "CYCLE_NOT_FOUND"
	CodeInvalidAdjustment  = "INVALID_ADJUSTMENT"
	CodeTenantInactive     = "TENANT_INACTIVE"
	CodeTenantNotFound     = "TENANT_NOT_FOUND"
	CodeUnknownGateway     = "UNKNOWN_GATEWAY"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeStaleEvent         = "STALE_EVENT"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeReminderNotFound   = "REMINDER_LOG_NOT_FOUND"
	CodeRuleNotFound       = "REMINDER_RULE_NOT_FOUND"
	CodeInvalidRule        = "INVALID_REMINDER_RULE"
	CodeInvalidDelivery    = "INVALID_DELIVERY_STATUS"
	CodeJobNotFound        = "JOB_NOT_FOUND"
	CodeJobNotDead         = "JOB_NOT_DEAD"
)

// Error is a domain error carrying a machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

// Is matches another *Error with the same code, so callers can compare against
// a template such as &Error{Code: CodeAlreadyPosted}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Kind == "" || t.Kind == e.Kind)
}

// IsNotFound reports whether the code denotes a missing resource.
func (e *Error) IsNotFound() bool {
	return strings.HasSuffix(e.Code, "_NOT_FOUND")
}

// IsConflict reports whether the code denotes an already-applied operation.
func (e *Error) IsConflict() bool {
	return e.Code == CodeAlreadyPosted
}

func newErr(kind Kind, code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Posting builds a PostingError.
func Posting(code, format string, args ...any) *Error {
	return newErr(KindPosting, code, format, args...)
}

// Payment builds a PaymentEntryError.
func Payment(code, format string, args ...any) *Error {
	return newErr(KindPayment, code, format, args...)
}

// Revenue builds a RevenueCycleError.
func Revenue(code, format string, args ...any) *Error {
	return newErr(KindRevenue, code, format, args...)
}

// Reminder builds a ReminderError.
func Reminder(code, format string, args ...any) *Error {
	return newErr(KindReminder, code, format, args...)
}

// Webhook builds a WebhookError.
func Webhook(code, format string, args ...any) *Error {
	return newErr(KindWebhook, code, format, args...)
}

// Queue builds a QueueError.
func Queue(code, format string, args ...any) *Error {
	return newErr(KindQueue, code, format, args...)
}

// As extracts a domain error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err is a domain error with the given code.
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
