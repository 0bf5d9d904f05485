package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Kind classifies a failure for both HTTP rendering and retry decisions.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindBusinessRule Kind = "business_rule"
	KindAuth         Kind = "auth"
	KindRateLimited  Kind = "rate_limited"
	KindTransport    Kind = "transport"
	KindExternal     Kind = "external"
	KindCancelled    Kind = "cancelled"
	KindInternal     Kind = "internal"
)

// Error is the canonical error wrapper carried across layers.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Kind)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Kind)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error with an explicit kind and operation label.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message)}
}

// Wrap annotates err with a kind; nil in, nil out.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Message: err.Error(), Err: err}
}

func NotFound(op, message string) *Error     { return New(KindNotFound, op, message) }
func Validation(op, message string) *Error   { return New(KindValidation, op, message) }
func BusinessRule(op, message string) *Error { return New(KindBusinessRule, op, message) }
func Auth(op, message string) *Error         { return New(KindAuth, op, message) }
func RateLimited(op, message string) *Error  { return New(KindRateLimited, op, message) }
func Transport(op string, err error) error   { return Wrap(KindTransport, op, err) }
func External(op string, err error) error    { return Wrap(KindExternal, op, err) }
func Cancelled(op string) *Error             { return New(KindCancelled, op, "cancelled") }
func Internal(op string, err error) error    { return Wrap(KindInternal, op, err) }

// KindOf extracts the kind, defaulting to internal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the scheduler should re-deliver a task that
// failed with err. Only transport-class failures are retried; external,
// business-rule, and validation failures are deterministic.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}

// HTTPStatus maps a kind to the status code the API surfaces it as.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCancelled:
		return 499
	case KindTransport, KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// MapDB translates database-layer failures into canonical kinds: missing
// rows, unique/foreign-key violations, serialization conflicts.
func MapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Wrap(KindNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindCancelled, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return Wrap(KindValidation, op, err) // unique_violation
		case "23503":
			return Wrap(KindBusinessRule, op, err) // foreign_key_violation
		case "40001", "40P01", "55P03":
			return Wrap(KindTransport, op, err) // serialization/deadlock/lock_not_available
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return Wrap(KindValidation, op, err)
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "serialization"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"):
		return Wrap(KindTransport, op, err)
	default:
		return Wrap(KindInternal, op, err)
	}
}
