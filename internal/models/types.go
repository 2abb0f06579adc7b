package models

import (
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/shopspring/decimal"
)

// CreateTransferRequest is the payload a sender device submits to log a transfer.
type CreateTransferRequest struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ClaimRequest is the payload a receiver submits to claim a transfer.
type ClaimRequest struct {
	ClaimantID string `json:"claimant_id"`
}

// CancelRequest is the payload a sender submits to cancel a transfer.
type CancelRequest struct {
	RequesterID string `json:"requester_id"`
}

// TransferResponse is the canonical response structure for a single record.
type TransferResponse struct {
	Transfer domain.TransferRecord `json:"transfer"`
	Created  bool                  `json:"created,omitempty"`
	Message  string                `json:"message,omitempty"`
}

// TransferListResponse carries a user's records, newest first.
type TransferListResponse struct {
	Transfers []domain.TransferRecord `json:"transfers"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error  string        `json:"error"`
	Reason domain.Reason `json:"reason"`
}
