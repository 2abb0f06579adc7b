package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SenderEntry is a transfer the device has debited locally but not yet seen
// settled on the ledger.
type SenderEntry struct {
	TransferID  string          `json:"transfer_id"`
	Amount      decimal.Decimal `json:"amount"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	CreatedAt   time.Time       `json:"created_at"`
	// SyncedAt is set once the ledger has acknowledged the create. The entry
	// stays in the journal until the ledger reports a terminal status.
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// Synced reports whether the ledger has the record.
func (e SenderEntry) Synced() bool {
	return e.SyncedAt != nil
}

// Record returns the ledger record this entry asks the server to create.
func (e SenderEntry) Record() TransferRecord {
	return TransferRecord{
		ID:          e.TransferID,
		SenderID:    e.SenderID,
		RecipientID: e.RecipientID,
		Amount:      e.Amount,
		Status:      StatusPending,
		CreatedAt:   e.CreatedAt,
	}
}

// Matches reports whether rec carries the same payload as the entry.
func (e SenderEntry) Matches(rec TransferRecord) bool {
	return SamePayload(e.Record(), rec)
}

// ReceiverStatus is the local claim state of a scanned transfer.
type ReceiverStatus string

const (
	ReceiverAwaitingClaim          ReceiverStatus = "awaiting_claim"
	ReceiverClaimFailed            ReceiverStatus = "claim_failed"
	ReceiverCreditedPendingSync    ReceiverStatus = "locally_credited_pending_sync"
	ReceiverConfirmedWithServer    ReceiverStatus = "confirmed_with_server"
	ReceiverRejectedAndReverted    ReceiverStatus = "rejected_and_reverted"
	ReceiverCriticalReversalFailed ReceiverStatus = "critical_reversal_failed"
)

// Valid reports whether s is a known receiver status.
func (s ReceiverStatus) Valid() bool {
	switch s {
	case ReceiverAwaitingClaim, ReceiverClaimFailed, ReceiverCreditedPendingSync,
		ReceiverConfirmedWithServer, ReceiverRejectedAndReverted, ReceiverCriticalReversalFailed:
		return true
	}
	return false
}

// UnmarshalText rejects unknown statuses read back from a journal.
func (s *ReceiverStatus) UnmarshalText(b []byte) error {
	v := ReceiverStatus(b)
	if !v.Valid() {
		return fmt.Errorf("unknown receiver status %q", string(b))
	}
	*s = v
	return nil
}

// Credited reports whether the entry's amount is currently on the local balance.
func (s ReceiverStatus) Credited() bool {
	switch s {
	case ReceiverCreditedPendingSync, ReceiverConfirmedWithServer, ReceiverCriticalReversalFailed:
		return true
	case ReceiverAwaitingClaim, ReceiverClaimFailed, ReceiverRejectedAndReverted:
		return false
	default:
		panic(fmt.Sprintf("domain: unknown receiver status %q", string(s)))
	}
}

// Claimable reports whether the claim pass should pick the entry up.
func (s ReceiverStatus) Claimable() bool {
	switch s {
	case ReceiverAwaitingClaim, ReceiverClaimFailed, ReceiverCreditedPendingSync:
		return true
	case ReceiverConfirmedWithServer, ReceiverRejectedAndReverted, ReceiverCriticalReversalFailed:
		return false
	default:
		panic(fmt.Sprintf("domain: unknown receiver status %q", string(s)))
	}
}

// Final reports whether the entry no longer takes part in claiming. A
// critical entry is final for automation but still needs manual action.
func (s ReceiverStatus) Final() bool {
	switch s {
	case ReceiverConfirmedWithServer, ReceiverRejectedAndReverted, ReceiverCriticalReversalFailed:
		return true
	case ReceiverAwaitingClaim, ReceiverClaimFailed, ReceiverCreditedPendingSync:
		return false
	default:
		panic(fmt.Sprintf("domain: unknown receiver status %q", string(s)))
	}
}

// ReceiverEntry is one scanned transfer tracked on the receiving device.
type ReceiverEntry struct {
	LocalID     string          `json:"local_id"`
	TransferID  string          `json:"transfer_id"`
	Amount      decimal.Decimal `json:"amount"`
	SenderID    string          `json:"sender_id,omitempty"`
	AddedAt     time.Time       `json:"added_at"`
	Status      ReceiverStatus  `json:"status"`
	LastMessage string          `json:"last_message,omitempty"`
	// Verified is set once the ledger has been seen to agree with a
	// confirmed entry. Until then reconciliation keeps checking it.
	Verified bool `json:"verified,omitempty"`
}
