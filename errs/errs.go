// Package errs defines the broker's wire-facing error taxonomy.
package errs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Category is the wire-level error kind. These are the five members of the
// taxonomy; status codes below are the defaults for each category but a
// caller may override Status on a case-by-case basis (e.g. validation
// errors split across 400/422).
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryTransient   Category = "transient_upstream"
	CategoryAttestation Category = "attestation"
	CategoryRateLimited Category = "rate_limited"
	CategoryInternal    Category = "internal"
)

var defaultStatus = map[Category]int{
	CategoryValidation:  http.StatusBadRequest,
	CategoryTransient:   http.StatusBadGateway,
	CategoryAttestation: http.StatusInternalServerError,
	CategoryRateLimited: http.StatusTooManyRequests,
	CategoryInternal:    http.StatusInternalServerError,
}

// Details carries optional field-level diagnosis for the error body.
type Details struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	// Body is a bounded prefix (≤2KiB) of an offending request payload,
	// attached only to malformed-JSON diagnostics (spec.md §4.G).
	Body string `json:"body,omitempty"`
}

// APIError is the structured error rendered by the HTTP surface as
// {error, category, details, timestamp, request_id}.
type APIError struct {
	Message   string   `json:"error"`
	Category  Category `json:"category"`
	Details   *Details `json:"details,omitempty"`
	Timestamp string   `json:"timestamp"`
	RequestID string   `json:"request_id,omitempty"`
	Status    int      `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Details != nil && e.Details.Message != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details.Message)
	}
	return e.Message
}

// MarshalJSON implements json.Marshaler, stamping Timestamp if unset.
func (e *APIError) MarshalJSON() ([]byte, error) {
	type Alias APIError
	ts := e.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(e),
		Timestamp: ts,
	})
}

// New creates an APIError of the given category with the category's default
// HTTP status.
func New(category Category, message string) *APIError {
	return &APIError{
		Message:  message,
		Category: category,
		Status:   defaultStatus[category],
	}
}

// WithStatus overrides the default HTTP status (e.g. 422 instead of 400 for
// a validation error that failed at JSON-decode time rather than at
// field-validation time).
func (e *APIError) WithStatus(status int) *APIError {
	e.Status = status
	return e
}

// WithDetails attaches field-level diagnosis.
func (e *APIError) WithDetails(d Details) *APIError {
	e.Details = &d
	return e
}

// WithRequestID stamps the request ID echoed in logs and the response body.
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// Validation builds a validation-category error, 400 by default.
func Validation(message string) *APIError { return New(CategoryValidation, message) }

// Unparseable builds a validation-category error for malformed request
// bodies, surfaced as 422 per spec.md §4.G.
func Unparseable(message string) *APIError {
	return New(CategoryValidation, message).WithStatus(http.StatusUnprocessableEntity)
}

// TransientUpstream builds a transient-upstream error, 502 by default.
func TransientUpstream(message string) *APIError { return New(CategoryTransient, message) }

// Attestation builds an attestation-failed error, 500 by default.
func Attestation(message string) *APIError { return New(CategoryAttestation, message) }

// RateLimited builds a rate-limited error, 429 by default.
func RateLimited(message string) *APIError { return New(CategoryRateLimited, message) }

// Internal builds a catch-all internal error, 500 by default.
func Internal(message string) *APIError { return New(CategoryInternal, message) }

// IsValidation reports whether err is a validation-category APIError.
func IsValidation(err error) bool { return categoryIs(err, CategoryValidation) }

// IsTransient reports whether err is a transient-upstream-category APIError.
func IsTransient(err error) bool { return categoryIs(err, CategoryTransient) }

// IsAttestation reports whether err is an attestation-category APIError.
func IsAttestation(err error) bool { return categoryIs(err, CategoryAttestation) }

func categoryIs(err error, c Category) bool {
	if e, ok := err.(*APIError); ok {
		return e.Category == c
	}
	return false
}
