package domain

import (
	"fmt"
	"net/http"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindTargetNotFound
)

// Error is the typed failure every service returns for expected conditions.
// Anything that is not an *Error is treated as an internal failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on kind so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindTargetNotFound:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrValidation     = &Error{Kind: KindValidation, Code: "VALIDATION_ERROR"}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized, Code: "UNAUTHORIZED"}
	ErrForbidden      = &Error{Kind: KindForbidden, Code: "FORBIDDEN"}
	ErrNotFound       = &Error{Kind: KindNotFound, Code: "NOT_FOUND"}
	ErrConflict       = &Error{Kind: KindConflict, Code: "CONFLICT"}
	ErrTargetNotFound = &Error{Kind: KindTargetNotFound, Code: "TARGET_DOCUMENT_NOT_FOUND"}
)

func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: "Validation failed", Fields: fields}
}

func ValidationField(field, message string) *Error {
	return Validation(map[string]string{field: message})
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Code: "UNAUTHORIZED", Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: message}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) *Error {
	if code == "" {
		code = "CONFLICT"
	}
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// DuplicateExecution reports an operation that already ran, such as a second
// open pull request for one branch or re-applying a fix request.
func DuplicateExecution(format string, args ...any) *Error {
	return Conflict("DUPLICATE_EXECUTION", format, args...)
}

func TargetNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindTargetNotFound, Code: "TARGET_DOCUMENT_NOT_FOUND", Message: fmt.Sprintf(format, args...)}
}
