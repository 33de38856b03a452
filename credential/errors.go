package credential

import (
	"fmt"
	"net/http"
)

// CodedError is an error that carries an HTTP status code. It lets the
// store and service layers report outcomes without the HTTP handlers
// resorting to string matching.
type CodedError struct {
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// Code returns the HTTP status code.
func (e *CodedError) Code() int {
	return e.Status
}

// Is makes CodedError values comparable through errors.Is by status code,
// so callers can match against the ErrNotFound/ErrConflict sentinels.
func (e *CodedError) Is(target error) bool {
	coded, ok := target.(*CodedError)
	return ok && coded.Status == e.Status
}

// Sentinels returned by Store implementations. Wrap them with %w to add
// context while keeping errors.Is matching intact.
var (
	// ErrNotFound covers both a missing record and a record owned by
	// someone else. The two cases are indistinguishable to callers.
	ErrNotFound = &CodedError{Status: http.StatusNotFound, Message: "credential not found"}

	// ErrConflict reports a duplicate display name within an owner and
	// kind scope.
	ErrConflict = &CodedError{Status: http.StatusConflict, Message: "a credential with this name already exists"}
)

// ErrBadRequest creates a 400 Bad Request error.
func ErrBadRequest(message string) *CodedError {
	return &CodedError{Status: http.StatusBadRequest, Message: message}
}

// ErrBadRequestf creates a formatted 400 Bad Request error.
func ErrBadRequestf(format string, args ...any) *CodedError {
	return &CodedError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ErrInternal creates a 500 Internal Server Error.
func ErrInternal(message string) *CodedError {
	return &CodedError{Status: http.StatusInternalServerError, Message: message}
}

// WrapWithCode wraps an existing error with an HTTP status code.
func WrapWithCode(status int, err error) *CodedError {
	return &CodedError{Status: status, Message: err.Error(), Err: err}
}

// GetErrorCode extracts the HTTP status code from an error. Non-coded
// errors map to 500 Internal Server Error.
func GetErrorCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if coded, ok := err.(*CodedError); ok {
		return coded.Status
	}
	if unwrapped, ok := err.(interface{ Unwrap() error }); ok {
		return GetErrorCode(unwrapped.Unwrap())
	}
	return http.StatusInternalServerError
}
