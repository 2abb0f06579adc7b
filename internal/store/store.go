// Package store persists the authoritative transfer ledger.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
)

// TransferStore is the durable backing of the ledger. Implementations must
// make Transition an atomic compare-and-set so that concurrent claims on the
// same transfer have exactly one winner.
type TransferStore interface {
	// Insert writes a new record. It returns domain.ErrAlreadyExists when
	// the ID is taken, whatever the existing record's status.
	Insert(ctx context.Context, rec domain.TransferRecord) error
	// Get returns domain.ErrNotFound when no record exists.
	Get(ctx context.Context, id string) (domain.TransferRecord, error)
	// ListByAccount returns records where account is sender or recipient,
	// matched case-insensitively, newest first.
	ListByAccount(ctx context.Context, account string) ([]domain.TransferRecord, error)
	// Transition moves id from one status to another and reports whether
	// the record was in the expected status.
	Transition(ctx context.Context, id string, from, to domain.Status) (bool, error)
	// ExpirePending marks every pending record whose expiry is before now
	// as expired and returns how many changed.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	Close()
}
