package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	perrors "github.com/partplan/partplan/internal/errors"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Category  string                 `json:"category,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// StatusFor maps a planner error to an HTTP status code.
func StatusFor(err error) int {
	switch perrors.GetCode(err) {
	case perrors.CodeInvalidPredicate, perrors.CodeInvalidScheme:
		return http.StatusBadRequest
	case perrors.CodeTableNotFound, perrors.CodeUnknownPartition:
		return http.StatusNotFound
	case perrors.CodeVersionConflict,
		perrors.CodeTableExists,
		perrors.CodeNotLeadingPartition,
		perrors.CodeNoCatchAll,
		perrors.CodeNonMonotonicBoundary:
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Internal errors hide
// their message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		RequestID: GetRequestID(r.Context()),
	}

	var pe *perrors.PlanError
	if errors.As(err, &pe) {
		resp.Error = pe.Message
		if pe.Cause != nil {
			resp.Error += ": " + pe.Cause.Error()
		}
		resp.Code = pe.Code
		resp.Category = string(pe.Category)
		resp.Details = pe.Details
		resp.Retryable = perrors.IsRetryable(err)
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal server error"
		resp.Details = nil
	}
	writeError(w, status, resp)
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, http.StatusBadRequest, ErrorResponse{
		Error:     message,
		Code:      "BAD_REQUEST",
		RequestID: GetRequestID(r.Context()),
	})
}

func writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
