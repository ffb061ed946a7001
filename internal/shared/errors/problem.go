// Package errors renders RFC 7807 problem details for the HTTP API.
package errors

import (
	"fmt"
	"maps"
	"net/http"
	"time"
)

// Problem type URIs, relative to the configured base URI.
const (
	TypeValidation    = "/problems/validation-error"
	TypeNotFound      = "/problems/not-found"
	TypeConflict      = "/problems/conflict"
	TypeInternal      = "/problems/internal-error"
	TypeBadRequest    = "/problems/bad-request"
	TypeRuleViolation = "/problems/rule-violation"
	TypeUnavailable   = "/problems/not-recorded"
)

// ProblemDetail is an RFC 7807 problem document.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Extensions carries members such as the stream and the versions of a conflict.
	Extensions map[string]any `json:"extensions,omitempty"`
	// RetryAfter becomes the Retry-After header; zero omits it.
	RetryAfter time.Duration `json:"-"`
}

func newProblem(typ, title string, status int) ProblemDetail {
	return ProblemDetail{Type: typ, Title: title, Status: status}
}

// Base problems; handlers derive occurrences from them with the With* helpers.
var (
	ErrNotFound      = newProblem(TypeNotFound, "Resource Not Found", http.StatusNotFound)
	ErrValidation    = newProblem(TypeValidation, "Validation Error", http.StatusBadRequest)
	ErrBadRequest    = newProblem(TypeBadRequest, "Bad Request", http.StatusBadRequest)
	ErrConflict      = newProblem(TypeConflict, "Conflict", http.StatusConflict)
	ErrRuleViolation = newProblem(TypeRuleViolation, "Rejected By Business Rule", http.StatusUnprocessableEntity)
	// ErrUnavailable means no event was recorded, so resubmitting is safe.
	ErrUnavailable = newProblem(TypeUnavailable, "Not Recorded", http.StatusServiceUnavailable).WithRetryAfter(time.Second)
	ErrInternal    = newProblem(TypeInternal, "Internal Server Error", http.StatusInternalServerError)
)

func (p ProblemDetail) Error() string {
	if p.Detail == "" {
		return p.Title
	}
	return p.Title + ": " + p.Detail
}

func (p ProblemDetail) WithDetail(detail string) ProblemDetail {
	p.Detail = detail
	return p
}

func (p ProblemDetail) WithDetailf(format string, args ...any) ProblemDetail {
	return p.WithDetail(fmt.Sprintf(format, args...))
}

func (p ProblemDetail) WithInstance(instance string) ProblemDetail {
	p.Instance = instance
	return p
}

func (p ProblemDetail) WithRetryAfter(d time.Duration) ProblemDetail {
	p.RetryAfter = d
	return p
}

// WithExtension returns a copy carrying key; the receiver's map is left untouched.
func (p ProblemDetail) WithExtension(key string, value any) ProblemDetail {
	ext := maps.Clone(p.Extensions)
	if ext == nil {
		ext = make(map[string]any, 1)
	}
	ext[key] = value
	p.Extensions = ext
	return p
}

// Retryable reports whether resubmitting the same request can succeed.
func (p ProblemDetail) Retryable() bool {
	return p.Status == http.StatusServiceUnavailable || p.Status == http.StatusConflict
}
