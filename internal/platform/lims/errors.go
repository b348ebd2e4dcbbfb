package lims

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is matched by HTTPErrors carrying a 404.
	ErrNotFound = errors.New("lims: document not found")
	// ErrInvalidDocument is matched by ValidationErrors.
	ErrInvalidDocument = errors.New("lims: invalid document")
)

// HTTPError is a non-2xx response from the LIMS API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("lims http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("lims http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Retryable reports whether the request may succeed if repeated.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ValidationError describes a feed document that does not match the
// document schema or lacks data the worker requires.
type ValidationError struct {
	DocumentID string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.DocumentID == "" {
		return "invalid document: " + e.Reason
	}
	return fmt.Sprintf("invalid document %s: %s", e.DocumentID, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDocument
}
