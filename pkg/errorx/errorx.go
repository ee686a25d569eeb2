// Package errorx provides the typed error taxonomy shared by the fulfillment
// engine. Every business failure carries a Kind that transports map to a
// status code.
package errorx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindRouting
	KindPaymentDeclined
	KindExternalService
	KindConflict
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindRouting:
		return "routing"
	case KindPaymentDeclined:
		return "payment_declined"
	case KindExternalService:
		return "external_service"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind to the response status used by the API
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRouting:
		return http.StatusUnprocessableEntity
	case KindPaymentDeclined:
		return http.StatusPaymentRequired
	case KindExternalService:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Detail points at a single offending field
type Detail struct {
	Path string `json:"path"`
	Info string `json:"info"`
}

// Error is a classified business error
type Error struct {
	Kind    Kind
	Message string
	Details []Detail
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches field details
func (e *Error) WithDetails(details ...Detail) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// New creates an error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Routing(format string, args ...interface{}) *Error {
	return New(KindRouting, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

// PaymentDeclined reports a charge the gateway rejected
func PaymentDeclined(format string, args ...interface{}) *Error {
	return New(KindPaymentDeclined, format, args...)
}

// ExternalService wraps a failure talking to a collaborator
func ExternalService(err error, format string, args ...interface{}) *Error {
	return Wrap(KindExternalService, err, format, args...)
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailsOf returns field details attached anywhere in the chain
func DetailsOf(err error) []Detail {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
