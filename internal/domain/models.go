package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTTL is how long a transfer stays claimable after its creation time.
const DefaultTTL = 10 * time.Minute

// Status is the ledger's canonical status for a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the known ledger statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPending:
		return false
	case StatusClaimed, StatusExpired, StatusCancelled:
		return true
	default:
		panic(fmt.Sprintf("domain: unknown transfer status %q", string(s)))
	}
}

// UnmarshalText rejects unknown statuses so they never reach a switch.
func (s *Status) UnmarshalText(b []byte) error {
	v := Status(b)
	if !v.Valid() {
		return fmt.Errorf("unknown transfer status %q", string(b))
	}
	*s = v
	return nil
}

// TransferRecord is the authoritative, server-owned record of one transfer.
// Once Status leaves pending it never changes.
type TransferRecord struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// IsExpiredAt reports whether a pending record has outlived its expiry at now.
func (r TransferRecord) IsExpiredAt(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// EffectiveAt returns the record as a reader at now must observe it:
// a pending record past its expiry is reported as expired.
func (r TransferRecord) EffectiveAt(now time.Time) TransferRecord {
	if r.IsExpiredAt(now) {
		r.Status = StatusExpired
	}
	return r
}

// Involves reports whether account is the sender or recipient of the record.
func (r TransferRecord) Involves(account string) bool {
	return SameAccount(r.SenderID, account) || SameAccount(r.RecipientID, account)
}

// SameAccount compares account identifiers the way the ledger does: case-insensitively.
func SameAccount(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// SamePayload reports whether two records describe the same transfer:
// same sender, recipient and amount.
func SamePayload(a, b TransferRecord) bool {
	return SameAccount(a.SenderID, b.SenderID) &&
		SameAccount(a.RecipientID, b.RecipientID) &&
		a.Amount.Equal(b.Amount)
}
