package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/models"
	"go.uber.org/zap"
)

// statusFor maps a ledger error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyClaimed),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrCancelled),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotIntendedRecipient),
		errors.Is(err, domain.ErrNotSender):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrRecipientMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	code := statusFor(err)
	reason := domain.ReasonOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		msg = "Internal Server Error"
	}
	h.respondError(w, code, msg, reason, method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg string, reason domain.Reason, method, endpoint string) {
	h.respondJSON(w, code, models.ErrorResponse{Error: msg, Reason: reason}, method, endpoint)
}
