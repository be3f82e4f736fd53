package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies a ledger failure for callers and the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindConflict
	KindForbidden
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindRetryable:
		return "retryable"
	case KindInternal:
		return "internal"
	}
	return "internal"
}

// Codes carried by *Error alongside the Kind.
const (
	CodeNotFound             = "NotFound"
	CodeValidation           = "Validation"
	CodeForbidden            = "Forbidden"
	CodeExcessPayment        = "ExcessPayment"
	CodeInvoiceClosed        = "InvoiceClosed"
	CodeInvoiceHasPayments   = "InvoiceHasPayments"
	CodeInvalidTransition    = "InvalidTransition"
	CodeRefundExceedsPayment = "RefundExceedsPayment"
	CodePaymentNotRefundable = "PaymentNotRefundable"
	CodeAlreadyReversed      = "AlreadyReversed"
	CodeHasCashEntries       = "HasCashEntries"
	CodeDuplicate            = "Duplicate"
	CodeInvariantViolation   = "InvariantViolation"
	CodeConcurrentUpdate     = "ConcurrentUpdate"
)

// Error is the error type returned by every ledger operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func notFound(entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

func validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func conflictf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func forbiddenf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func invalidTransition(entity string, current, expected interface{}) *Error {
	return conflictf(CodeInvalidTransition, "%s is %v, expected %v", entity, current, expected)
}

func invariantf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Code: CodeInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

func retryable(err error) *Error {
	return &Error{Kind: KindRetryable, Code: CodeConcurrentUpdate, Message: "concurrent update, retry the request", Err: err}
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of err, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsNotFound(err error) bool   { return err != nil && KindOf(err) == KindNotFound }
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return err != nil && KindOf(err) == KindConflict }
func IsForbidden(err error) bool  { return err != nil && KindOf(err) == KindForbidden }
func IsRetryable(err error) bool  { return err != nil && KindOf(err) == KindRetryable }
