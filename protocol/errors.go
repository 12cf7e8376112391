package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorKind is the machine readable name carried by every error envelope.
type ErrorKind string

const (
	KindBadRequest        ErrorKind = "BAD_REQUEST"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindUnauthorized      ErrorKind = "UNAUTHORIZED"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindFileLimitExceeded ErrorKind = "FILE_LIMIT_EXCEEDED"
	KindTooManyRequests   ErrorKind = "TOO_MANY_REQUESTS"
	KindInternal          ErrorKind = "INTERNAL_SERVER_ERROR"
	KindUploadFailed      ErrorKind = "UPLOAD_FAILED"
	KindMissingEnv        ErrorKind = "MISSING_ENV"
	KindAborted           ErrorKind = "ABORTED"
)

// StatusClientClosedRequest is reported for aborted transfers.
const StatusClientClosedRequest = 499

// StatusCode maps the kind to the HTTP status used on the wire.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindFileLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindAborted:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// FieldErrors maps an input field to the problems found with it. The empty
// key holds problems that are not tied to a single field.
type FieldErrors map[string][]string

func (f FieldErrors) Add(field, msg string) {
	f[field] = append(f[field], msg)
}

// Merge copies every message of o into f.
func (f FieldErrors) Merge(o FieldErrors) {
	for k, msgs := range o {
		f[k] = append(f[k], msgs...)
	}
}

func (f FieldErrors) Error() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		msg := strings.Join(f[k], ", ")
		if k == "" {
			parts = append(parts, msg)
			continue
		}
		parts = append(parts, k+": "+msg)
	}
	return strings.Join(parts, ". ")
}

// Error is the single error type crossing the server/client boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Fields  FieldErrors
	cause   error
}

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError keeps err reachable through errors.Unwrap.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

func (e *Error) WithFields(f FieldErrors) *Error {
	e.Fields = f
	return e
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error of the same kind, so the sentinel
// values below can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func (e *Error) StatusCode() int {
	return e.Kind.StatusCode()
}

var (
	ErrBadRequest        = &Error{Kind: KindBadRequest}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrFileLimitExceeded = &Error{Kind: KindFileLimitExceeded}
	ErrInternal          = &Error{Kind: KindInternal}
	ErrUploadFailed      = &Error{Kind: KindUploadFailed}
	ErrMissingEnv        = &Error{Kind: KindMissingEnv}
	ErrAborted           = &Error{Kind: KindAborted}
)

// AsError returns err as an *Error. Errors of any other type become
// INTERNAL_SERVER_ERROR with the original kept as cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return WrapError(KindInternal, err, "%s", err.Error())
}

// KindOf returns the kind of err, or an empty kind for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}
