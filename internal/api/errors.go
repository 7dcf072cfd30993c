package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/transfa/ledger-service/internal/domain"
)

const retryAfterSeconds = "1"

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSameAccountTransfer),
		errors.Is(err, domain.ErrInvalidPINFormat),
		errors.Is(err, domain.ErrPINConfirmationMismatch),
		errors.Is(err, domain.ErrInvalidAccountDetails):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrEmailTaken),
		errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidPIN),
		errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrAccountLocked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with the mapped status. Locked and
// invalid-credential errors carry their own user-facing message.
func (h *Handlers) writeDomainError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	message := err.Error()

	switch status {
	case http.StatusInternalServerError, http.StatusGatewayTimeout:
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		message = "Internal server error"
		if status == http.StatusGatewayTimeout {
			message = "Request timed out"
		}
	case http.StatusServiceUnavailable:
		log.Printf("level=error component=api endpoint=%s outcome=unavailable err=%v", endpoint, err)
		message = domain.ErrStoreUnavailable.Error()
	case http.StatusConflict:
		if errors.Is(err, domain.ErrConcurrentModification) {
			w.Header().Set("Retry-After", retryAfterSeconds)
			message = domain.ErrConcurrentModification.Error()
		}
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=conflict err=%v", endpoint, err)
	default:
		log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d err=%v", endpoint, status, err)
	}

	h.writeError(w, status, message)
}
