// Package apperr defines the typed failures that cross stage boundaries.
//
// Stage adapters convert transport and decoding failures into one of these
// types. The orchestrator records Kind(err) on the answer sheet so a failed
// sheet always carries a stable, queryable reason.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds stored on failed answer sheets.
const (
	KindStorage  = "storage"
	KindParse    = "parse"
	KindChecking = "checking_service"
	KindSequence = "sequence"
	KindNotFound = "not_found"
	KindInvalid  = "invalid"
	KindCanceled = "canceled"
	KindInternal = "internal"
)

// StorageError reports an object store failure or an unacceptable file.
type StorageError struct {
	Op      string
	Key     string
	Invalid bool // the file itself was rejected, not the backend
	Cause   error
}

func (e *StorageError) Error() string {
	msg := "storage " + e.Op
	if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Cause }

// ParseError reports an upstream payload that could not be decoded.
// Raw holds the body as received so it can be inspected later.
type ParseError struct {
	Service string
	Raw     []byte
	Cause   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s returned malformed payload: %v", e.Service, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// CheckingServiceError reports an unreachable service or a non-2xx reply.
// StatusCode is zero when no response was received.
type CheckingServiceError struct {
	Service    string
	StatusCode int
	Cause      error
}

func (e *CheckingServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s unreachable: %v", e.Service, e.Cause)
}

func (e *CheckingServiceError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is a transport error or a 5xx.
func (e *CheckingServiceError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// SequenceError reports a stage invoked before its prerequisites exist.
type SequenceError struct {
	Stage  string
	State  string
	Reason string
}

func (e *SequenceError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("stage %s not allowed in state %s: %s", e.Stage, e.State, e.Reason)
	}
	return fmt.Sprintf("stage %s not allowed in state %s", e.Stage, e.State)
}

// NotFoundError reports a missing answer sheet, task or object.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ValidationError reports a request field the API cannot accept.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind classifies err into one of the Kind constants.
func Kind(err error) string {
	var (
		se  *StorageError
		pe  *ParseError
		ce  *CheckingServiceError
		sqe *SequenceError
		nf  *NotFoundError
		ve  *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return KindStorage
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &ce):
		return KindChecking
	case errors.As(err, &sqe):
		return KindSequence
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &ve):
		return KindInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// HTTPStatus maps err to the status code returned by the API.
func HTTPStatus(err error) int {
	var se *StorageError
	switch Kind(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindSequence:
		return http.StatusConflict
	case KindInvalid:
		return http.StatusBadRequest
	case KindParse, KindChecking:
		return http.StatusBadGateway
	case KindStorage:
		if errors.As(err, &se) && se.Invalid {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
