package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"ballot-ledger/models"
	"ballot-ledger/service"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
	// Divergence is set when the ledger accepted a write the store did not.
	Divergence string `json:"divergence_id,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, code, message, traceID string) {
	writeJSON(w, statusCode, ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID,
	})
}

// WriteSuccess writes data as JSON.
func WriteSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Encoding response: %v", err)
	}
}

type errorClass struct {
	target  error
	status  int
	code    string
	message string
}

// errorClasses is ordered: the first match wins. A vote rejected as
// already cast that also produced a divergence is still reported to the
// voter as already voted.
var errorClasses = []errorClass{
	{models.ErrAlreadyVoted, http.StatusConflict, "already_voted", ""},
	{models.ErrDivergence, http.StatusAccepted, "recorded_on_ledger", "the ledger accepted the request but the record store did not; operators have been notified"},
	{models.ErrEndpointMismatch, http.StatusServiceUnavailable, "endpoint_mismatch", "the ledger endpoint changed; registration and voting are halted until an operator acknowledges it"},
	{models.ErrUnknownOutcome, http.StatusGatewayTimeout, "unknown_outcome", "the ledger did not answer in time; check the status before retrying"},
	{models.ErrLedgerUnavailable, http.StatusServiceUnavailable, "ledger_unavailable", "the ledger is unavailable, retry later"},
	{service.ErrQueueFull, http.StatusServiceUnavailable, "queue_full", ""},
	{service.ErrQueueStopped, http.StatusServiceUnavailable, "shutting_down", ""},
	{models.ErrValidation, http.StatusBadRequest, "validation_error", ""},
	{models.ErrNotRegisteredOnLedger, http.StatusBadRequest, "not_registered_on_ledger", "voter is not registered on the ledger, verify first"},
	{models.ErrCandidateNotOnLedger, http.StatusBadRequest, "candidate_not_on_ledger", ""},
	{models.ErrPartyNotOnLedger, http.StatusBadRequest, "party_not_on_ledger", ""},
	{models.ErrBiometricRequired, http.StatusForbidden, "biometric_required", ""},
	{models.ErrBiometricMismatch, http.StatusUnauthorized, "biometric_mismatch", ""},
	{models.ErrBiometricUnavailable, http.StatusServiceUnavailable, "biometric_unavailable", ""},
	{models.ErrForbidden, http.StatusForbidden, "forbidden", ""},
	{models.ErrNotFound, http.StatusNotFound, "not_found", ""},
	{models.ErrConstraintViolation, http.StatusConflict, "duplicate", ""},
	{models.ErrBudgetExceeded, http.StatusUnprocessableEntity, "budget_exceeded", ""},
	{models.ErrLedgerRejected, http.StatusUnprocessableEntity, "ledger_rejected", ""},
	{models.ErrRegistrationFailed, http.StatusBadGateway, "registration_failed", ""},
}

// writeErr maps err onto a status code and error code.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Code:    "internal_error",
		Message: "internal error",
		TraceID: requestID(r.Context()),
	}
	status := http.StatusInternalServerError
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			status, resp.Code = c.status, c.code
			resp.Message = c.message
			if resp.Message == "" {
				resp.Message = err.Error()
			}
			break
		}
	}
	var div *models.DivergenceError
	if errors.As(err, &div) {
		resp.Divergence = div.Record.ID
	}
	if status >= 500 || status == http.StatusAccepted {
		log.Errorf("%s %s [%s]: %v", r.Method, r.URL.Path, resp.TraceID, err)
	} else {
		log.Debugf("%s %s [%s]: %v", r.Method, r.URL.Path, resp.TraceID, err)
	}
	writeJSON(w, status, resp)
}
