package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/kv"
	"github.com/shopspring/decimal"
)

var (
	ErrEntryNotFound   = errors.New("journal entry not found")
	ErrTransferSettled = errors.New("transfer already settled on this device")
)

// DefaultStaleAfter is the age past which a stuck receiver entry may be dismissed.
const DefaultStaleAfter = 48 * time.Hour

func loadList[T any](ctx context.Context, store kv.Store, key string) ([]T, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func saveList[T any](ctx context.Context, store kv.Store, key string, list []T) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// SenderJournal lists transfers debited locally but not yet settled on the
// ledger, oldest first.
type SenderJournal struct {
	mu    sync.Mutex
	store kv.Store
}

func (j *SenderJournal) List(ctx context.Context) ([]domain.SenderEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return loadList[domain.SenderEntry](ctx, j.store, senderJournalKey)
}

// Append adds e unless an entry with the same transfer ID exists.
func (j *SenderJournal) Append(ctx context.Context, e domain.SenderEntry) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.SenderEntry](ctx, j.store, senderJournalKey)
	if err != nil {
		return false, err
	}
	for _, existing := range list {
		if existing.TransferID == e.TransferID {
			return false, nil
		}
	}
	return true, saveList(ctx, j.store, senderJournalKey, append(list, e))
}

// MarkSynced records that the ledger acknowledged transferID. Unknown IDs
// are ignored.
func (j *SenderJournal) MarkSynced(ctx context.Context, transferID string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.SenderEntry](ctx, j.store, senderJournalKey)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].TransferID == transferID && list[i].SyncedAt == nil {
			ts := at.UTC()
			list[i].SyncedAt = &ts
			return saveList(ctx, j.store, senderJournalKey, list)
		}
	}
	return nil
}

// Remove drops the entry for transferID. Removing a missing entry is a no-op.
func (j *SenderJournal) Remove(ctx context.Context, transferID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.SenderEntry](ctx, j.store, senderJournalKey)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, e := range list {
		if e.TransferID != transferID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return saveList(ctx, j.store, senderJournalKey, kept)
}

// ReceiverJournal lists scanned transfers and their claim progress, in the
// order they were added.
type ReceiverJournal struct {
	mu    sync.Mutex
	store kv.Store
}

func (j *ReceiverJournal) List(ctx context.Context) ([]domain.ReceiverEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return loadList[domain.ReceiverEntry](ctx, j.store, receiverJournalKey)
}

func (j *ReceiverJournal) Get(ctx context.Context, localID string) (domain.ReceiverEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.ReceiverEntry](ctx, j.store, receiverJournalKey)
	if err != nil {
		return domain.ReceiverEntry{}, err
	}
	for _, e := range list {
		if e.LocalID == localID {
			return e, nil
		}
	}
	return domain.ReceiverEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, localID)
}

// Add appends e unless the transfer is already tracked, in which case the
// existing entry is returned with added=false. A transfer that was settled
// by an entry since removed fails with ErrTransferSettled.
func (j *ReceiverJournal) Add(ctx context.Context, e domain.ReceiverEntry) (domain.ReceiverEntry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.ReceiverEntry](ctx, j.store, receiverJournalKey)
	if err != nil {
		return domain.ReceiverEntry{}, false, err
	}
	for _, existing := range list {
		if strings.EqualFold(existing.TransferID, e.TransferID) {
			return existing, false, nil
		}
	}
	settled, err := j.loadSettled(ctx)
	if err != nil {
		return domain.ReceiverEntry{}, false, err
	}
	if _, ok := settled[settledID(e.TransferID)]; ok {
		return domain.ReceiverEntry{}, false, fmt.Errorf("%w: %s", ErrTransferSettled, e.TransferID)
	}
	if err := saveList(ctx, j.store, receiverJournalKey, append(list, e)); err != nil {
		return domain.ReceiverEntry{}, false, err
	}
	return e, true, nil
}

// Settle records that the entry localID consumed transferID on this device,
// by a credit or a reversal, and returns the entry that holds the mark. The
// first entry wins. Marks outlive the entries, so removing an entry never
// makes its transfer scannable again.
func (j *ReceiverJournal) Settle(ctx context.Context, transferID, localID string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	settled, err := j.loadSettled(ctx)
	if err != nil {
		return "", err
	}
	id := settledID(transferID)
	if owner, ok := settled[id]; ok {
		return owner, nil
	}
	settled[id] = localID
	raw, err := json.Marshal(settled)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", settledKey, err)
	}
	if err := j.store.Set(ctx, settledKey, raw); err != nil {
		return "", fmt.Errorf("persist %s: %w", settledKey, err)
	}
	return localID, nil
}

// SettledBy returns the entry that settled transferID, if any.
func (j *ReceiverJournal) SettledBy(ctx context.Context, transferID string) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	settled, err := j.loadSettled(ctx)
	if err != nil {
		return "", false, err
	}
	owner, ok := settled[settledID(transferID)]
	return owner, ok, nil
}

func (j *ReceiverJournal) loadSettled(ctx context.Context) (map[string]string, error) {
	raw, err := j.store.Get(ctx, settledKey)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", settledKey, err)
	}
	settled := map[string]string{}
	if err := json.Unmarshal(raw, &settled); err != nil {
		return nil, fmt.Errorf("decode %s: %w", settledKey, err)
	}
	return settled, nil
}

func settledID(transferID string) string {
	return strings.ToLower(strings.TrimSpace(transferID))
}

// Update applies fn to the entry with localID and persists the result.
// fn sees the stored entry, so a caller holding a stale copy cannot undo a
// transition made in between.
func (j *ReceiverJournal) Update(ctx context.Context, localID string, fn func(*domain.ReceiverEntry) error) (domain.ReceiverEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.ReceiverEntry](ctx, j.store, receiverJournalKey)
	if err != nil {
		return domain.ReceiverEntry{}, err
	}
	for i := range list {
		if list[i].LocalID != localID {
			continue
		}
		updated := list[i]
		if err := fn(&updated); err != nil {
			return list[i], err
		}
		list[i] = updated
		if err := saveList(ctx, j.store, receiverJournalKey, list); err != nil {
			return domain.ReceiverEntry{}, err
		}
		return updated, nil
	}
	return domain.ReceiverEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, localID)
}

// SetStatus is Update for the common case of a status and message change.
func (j *ReceiverJournal) SetStatus(ctx context.Context, localID string, status domain.ReceiverStatus, msg string) (domain.ReceiverEntry, error) {
	return j.Update(ctx, localID, func(e *domain.ReceiverEntry) error {
		e.Status = status
		e.LastMessage = msg
		return nil
	})
}

// Remove drops the entry with localID. Removing a missing entry is a no-op.
func (j *ReceiverJournal) Remove(ctx context.Context, localID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.ReceiverEntry](ctx, j.store, receiverJournalKey)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, e := range list {
		if e.LocalID != localID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return saveList(ctx, j.store, receiverJournalKey, kept)
}

// RemoveWhere drops every entry for which drop is true and returns them.
func (j *ReceiverJournal) RemoveWhere(ctx context.Context, drop func(domain.ReceiverEntry) bool) ([]domain.ReceiverEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	list, err := loadList[domain.ReceiverEntry](ctx, j.store, receiverJournalKey)
	if err != nil {
		return nil, err
	}
	var kept, removed []domain.ReceiverEntry
	for _, e := range list {
		if drop(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if kept == nil {
		kept = []domain.ReceiverEntry{}
	}
	return removed, saveList(ctx, j.store, receiverJournalKey, kept)
}

// PendingReceived sums entries still waiting on a claim or on ledger
// confirmation.
func (j *ReceiverJournal) PendingReceived(ctx context.Context) (decimal.Decimal, error) {
	list, err := j.List(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range list {
		if e.Status.Claimable() {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

// Dismissible reports whether the user may drop e from the journal. Critical
// entries always may; entries still in flight only once they are older than
// staleAfter.
func Dismissible(e domain.ReceiverEntry, now time.Time, staleAfter time.Duration) bool {
	switch e.Status {
	case domain.ReceiverCriticalReversalFailed,
		domain.ReceiverConfirmedWithServer,
		domain.ReceiverRejectedAndReverted:
		return true
	case domain.ReceiverAwaitingClaim,
		domain.ReceiverClaimFailed,
		domain.ReceiverCreditedPendingSync:
		return now.Sub(e.AddedAt) > staleAfter
	default:
		panic(fmt.Sprintf("wallet: unknown receiver status %q", string(e.Status)))
	}
}

// Sweepable reports whether the automatic stale sweep may drop e. Entries
// holding a local credit the ledger has not verified, or an unresolved
// reversal, are never swept.
func Sweepable(e domain.ReceiverEntry, now time.Time, staleAfter time.Duration) bool {
	if now.Sub(e.AddedAt) <= staleAfter {
		return false
	}
	switch e.Status {
	case domain.ReceiverAwaitingClaim,
		domain.ReceiverClaimFailed,
		domain.ReceiverRejectedAndReverted:
		return true
	case domain.ReceiverConfirmedWithServer:
		return e.Verified
	case domain.ReceiverCreditedPendingSync,
		domain.ReceiverCriticalReversalFailed:
		return false
	default:
		panic(fmt.Sprintf("wallet: unknown receiver status %q", string(e.Status)))
	}
}
