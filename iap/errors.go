package iap

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/code-payments/flipcash2-iap/pending"
)

type ErrorKind uint8

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindOperationInProgress
	ErrorKindProductNotFound
	ErrorKindChannel
	ErrorKindPurchaseRejected
	ErrorKindConsumeFailed
	ErrorKindValidationFailed
	ErrorKindUnexpectedNotification
	ErrorKindNotInitialized
	ErrorKindNotStarted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindOperationInProgress:
		return "operation_in_progress"
	case ErrorKindProductNotFound:
		return "product_not_found"
	case ErrorKindChannel:
		return "channel_error"
	case ErrorKindPurchaseRejected:
		return "purchase_rejected"
	case ErrorKindConsumeFailed:
		return "consume_failed"
	case ErrorKindValidationFailed:
		return "validation_failed"
	case ErrorKindUnexpectedNotification:
		return "unexpected_notification"
	case ErrorKindNotInitialized:
		return "not_initialized"
	case ErrorKindNotStarted:
		return "not_started"
	default:
		return "unknown"
	}
}

// Error is the typed failure surfaced by a purchase Service.
type Error struct {
	Kind    ErrorKind
	Code    ResponseCode
	Message string
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewResponseError(kind ErrorKind, code ResponseCode, prefix string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf("%s: %s", prefix, code.Description()),
	}
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error of the same kind, so the package sentinels can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrOperationInProgress    = NewError(ErrorKindOperationInProgress, "another operation is already running and must be waited")
	ErrProductNotFound        = NewError(ErrorKindProductNotFound, "product not found")
	ErrChannel                = NewError(ErrorKindChannel, "billing channel error")
	ErrPurchaseRejected       = NewError(ErrorKindPurchaseRejected, "purchase rejected")
	ErrConsumeFailed          = NewError(ErrorKindConsumeFailed, "consume failed")
	ErrValidationFailed       = NewError(ErrorKindValidationFailed, "purchase failed validation")
	ErrUnexpectedNotification = NewError(ErrorKindUnexpectedNotification, "unexpected notification")
	ErrNotInitialized         = NewError(ErrorKindNotInitialized, "service is not initialized")
	ErrNotStarted             = NewError(ErrorKindNotStarted, "service is not started")
)

// ErrCancelled signals that the user or Dispose cancelled a pending purchase.
// It is never an *Error.
var ErrCancelled = pending.ErrCancelled

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// KindOf returns the ErrorKind carried by err, or ErrorKindUnknown when err is
// nil, a cancellation or not a purchase error.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ErrorKindUnknown
}

// Outcome classifies the resolution of a purchase attempt for logs and
// metrics.
func Outcome(purchase *Purchase, err error) string {
	switch {
	case err == nil && purchase != nil:
		return purchase.Status.String()
	case IsCancelled(err):
		return TransactionStatusCancelled.String()
	case err != nil:
		return KindOf(err).String()
	default:
		return "unknown"
	}
}
