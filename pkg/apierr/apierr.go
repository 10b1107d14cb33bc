// Package apierr implements the gateway's RFC-7807-flavored error
// envelope and its fixed set of error kinds.
package apierr

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Code is one of the fixed error kinds. It is a contract value, not a
// Go error type.
type Code string

const (
	CodeBadRequest          Code = "bad_request"
	CodeHeaderLimitExceeded Code = "header_limit_exceeded"
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeQuotaExhausted      Code = "quota_exhausted"
	CodePolicyViolation     Code = "policy_violation"
	CodeQuarantine          Code = "quarantine"
	CodeValidationFailed    Code = "validation_failed"
	CodeStoreUnavailable    Code = "store_unavailable"
	CodeMethodNotAllowed    Code = "method_not_allowed"
	CodeInternal            Code = "internal_error"
)

// ProblemDetail is the JSON error body shape, RFC 7807 fields plus the
// gateway's own `code`.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Code     Code   `json:"code"`

	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func typeURI(code Code) string {
	return "https://guardrail.errors/" + string(code)
}

// Write writes a ProblemDetail body with the given status/code/detail.
func Write(w http.ResponseWriter, status int, code Code, title, detail string) {
	writeProblem(w, ProblemDetail{
		Type:   typeURI(code),
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
	})
}

// WriteR is like Write but also stamps Instance (request path) and
// TraceID (request-ID / incident-ID) from the request.
func WriteR(w http.ResponseWriter, r *http.Request, status int, code Code, title, detail string) {
	traceID := r.Header.Get("X-Request-ID")
	writeProblem(w, ProblemDetail{
		Type:     typeURI(code),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  traceID,
		Code:     code,
	})
}

func writeProblem(w http.ResponseWriter, pd ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	if pd.TraceID != "" {
		w.Header().Set("X-Request-ID", pd.TraceID)
	}
	w.WriteHeader(pd.Status)
	_ = json.NewEncoder(w).Encode(pd)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	Write(w, http.StatusBadRequest, CodeBadRequest, "Bad Request", detail)
}

func WriteHeaderLimitExceeded(w http.ResponseWriter, detail string) {
	Write(w, http.StatusRequestHeaderFieldsTooLarge, CodeHeaderLimitExceeded, "Header Limit Exceeded", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	Write(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	Write(w, http.StatusForbidden, CodeForbidden, "Forbidden", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	Write(w, http.StatusNotFound, CodeNotFound, "Not Found", detail)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method Not Allowed", "method not allowed")
}

func WriteConflict(w http.ResponseWriter, detail string) {
	Write(w, http.StatusConflict, CodeConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 quota_exhausted body and sets
// Retry-After (seconds).
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int, detail string) {
	w.Header().Set("Retry-After", itoa(retryAfterSecs))
	pd := ProblemDetail{
		Type:              typeURI(CodeQuotaExhausted),
		Title:             "Too Many Requests",
		Status:            http.StatusTooManyRequests,
		Detail:            detail,
		Code:              CodeQuotaExhausted,
		RetryAfterSeconds: retryAfterSecs,
	}
	writeProblem(w, pd)
}

// WriteQuarantine writes a 429 quarantine body with Retry-After.
func WriteQuarantine(w http.ResponseWriter, retryAfterSecs int, detail string) {
	w.Header().Set("Retry-After", itoa(retryAfterSecs))
	pd := ProblemDetail{
		Type:              typeURI(CodeQuarantine),
		Title:             "Quarantined",
		Status:            http.StatusTooManyRequests,
		Detail:            detail,
		Code:              CodeQuarantine,
		RetryAfterSeconds: retryAfterSecs,
	}
	writeProblem(w, pd)
}

func WriteValidationFailed(w http.ResponseWriter, detail string) {
	Write(w, http.StatusUnprocessableEntity, CodeValidationFailed, "Validation Failed", detail)
}

func WriteStoreUnavailable(w http.ResponseWriter, detail string) {
	Write(w, http.StatusServiceUnavailable, CodeStoreUnavailable, "Store Unavailable", detail)
}

// WriteInternal logs the real error server-side and returns an opaque
// 500 to the caller. The error value never reaches the response body.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal error", "err", err)
	Write(w, http.StatusInternalServerError, CodeInternal, "Internal Server Error", "an internal error occurred")
}

func itoa(n int) string {
	if n <= 0 {
		return "0"
	}
	// small, allocation-free enough for header values
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
