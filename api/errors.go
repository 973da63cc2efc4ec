package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/warp/membership-ledger/ledger"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeUnauthenticated        = "UNAUTHENTICATED"
	CodeForbidden              = "FORBIDDEN"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeEmptyAcknowledgment    = "EMPTY_ACKNOWLEDGMENT"
	CodeNotFound               = "NOT_FOUND"
	CodeInsufficientBalance    = "INSUFFICIENT_BALANCE"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeAlreadyAcknowledged    = "ALREADY_ACKNOWLEDGED"
	CodeDuplicateID            = "DUPLICATE_ID"
	CodeIntegrityViolation     = "INTEGRITY_VIOLATION"
	CodeTransactionAborted     = "TRANSACTION_ABORTED"
	CodeReconciliationRequired = "RECONCILIATION_REQUIRED"
	CodeRateLimited            = "RATE_LIMITED"
	CodeInternal               = "INTERNAL"
)

// errorResponse maps a domain error to a status and body. Raw store errors
// never reach the body; unknown errors become a generic 500.
func errorResponse(err error) (int, ErrorResponse) {
	var (
		insufficient  *ledger.InsufficientBalanceError
		aborted       *ledger.TransactionAbortedError
		irrecoverable *ledger.IrrecoverableStateError
	)

	// Saga failures wrap the store error that caused them; match them
	// before any sentinel their cause could carry.
	switch {
	case errors.As(err, &irrecoverable):
		return http.StatusInternalServerError, ErrorResponse{
			Error:  "manual reconciliation required",
			Code:   CodeReconciliationRequired,
			FlagID: irrecoverable.FlagID,
		}

	case errors.As(err, &aborted):
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "settlement aborted, please retry",
			Code:    CodeTransactionAborted,
			Details: "failed at " + aborted.Step,
		}

	case errors.Is(err, ledger.ErrUnauthenticated):
		return http.StatusUnauthorized, ErrorResponse{Error: "authentication required", Code: CodeUnauthenticated, Details: err.Error()}

	case errors.Is(err, ledger.ErrEmptyAcknowledgment):
		return http.StatusBadRequest, ErrorResponse{Error: "signature required", Code: CodeEmptyAcknowledgment}

	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorResponse{Error: "invalid request", Code: CodeInvalidRequest, Details: err.Error()}

	case ledger.IsNotFound(err):
		return http.StatusNotFound, ErrorResponse{Error: "not found", Code: CodeNotFound, Details: err.Error()}

	case errors.As(err, &insufficient):
		return http.StatusConflict, ErrorResponse{
			Error:     "insufficient balance",
			Code:      CodeInsufficientBalance,
			Details:   err.Error(),
			Remaining: &insufficient.Remaining,
			Requested: &insufficient.Requested,
		}

	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, ErrorResponse{Error: "membership was modified concurrently, please retry", Code: CodeConcurrentModification}

	case errors.Is(err, ledger.ErrAlreadyAcknowledged):
		return http.StatusConflict, ErrorResponse{Error: "already acknowledged", Code: CodeAlreadyAcknowledged}

	case errors.Is(err, ledger.ErrDuplicateID):
		return http.StatusConflict, ErrorResponse{Error: "id already exists", Code: CodeDuplicateID}

	case errors.Is(err, ledger.ErrIntegrityViolation):
		return http.StatusInternalServerError, ErrorResponse{Error: "balance integrity violation", Code: CodeIntegrityViolation}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal}
}

// publicMessage is the client-safe text for err.
func publicMessage(err error) string {
	_, resp := errorResponse(err)
	return resp.Error
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
