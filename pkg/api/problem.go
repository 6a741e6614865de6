// Package api — HTTP surface for the leash control plane. Error responses
// follow RFC 7807 (Problem Details for HTTP APIs) and carry the orchestrator
// taxonomy code so clients can branch without parsing prose.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/leash-dev/leash/pkg/gate"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses must use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Code is the orchestrator taxonomy code (VALIDATION, INTEGRITY, ...).
	Code gate.Code `json:"code,omitempty"`
	// TraceID links the response to the request via X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// statusFor maps a taxonomy code to an HTTP status.
func statusFor(code gate.Code) int {
	switch code {
	case gate.CodeAuthentication:
		return http.StatusUnauthorized
	case gate.CodeAuthorization:
		return http.StatusForbidden
	case gate.CodeValidation, gate.CodeState, gate.CodeIntegrity:
		return http.StatusBadRequest
	case gate.CodeNotFound:
		return http.StatusNotFound
	case gate.CodeConflict:
		return http.StatusConflict
	case gate.CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// titleFor returns the standard reason phrase used as the problem title.
func titleFor(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Error"
}

// WriteProblem writes an RFC 7807 response with an explicit status and code.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code gate.Code, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://leash.dev/errors/%d", status),
		Title:    titleFor(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
		TraceID:  w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteGateError maps an orchestrator error to an RFC 7807 response. Internal
// errors are logged but never exposed to the client.
func WriteGateError(w http.ResponseWriter, r *http.Request, err error) {
	code := gate.CodeOf(err)
	status := statusFor(code)

	detail := err.Error()
	var ge *gate.Error
	if errors.As(err, &ge) {
		detail = ge.Message
	}
	if code == gate.CodeInternal {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}
	WriteProblem(w, r, status, code, detail)
}

// WriteBadRequest writes a 400 VALIDATION error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, gate.CodeValidation, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteProblem(w, r, http.StatusUnauthorized, gate.CodeAuthentication, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusNotFound, gate.CodeNotFound, detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, gate.CodeRateLimit,
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, gate.CodeInternal,
		"An unexpected error occurred. Please try again later.")
}

// writeJSON writes a JSON success response.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
