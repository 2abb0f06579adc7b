package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SenderResult summarizes a sender reconciliation against the ledger.
type SenderResult struct {
	Settled        int
	Refunded       int
	RefundFailed   int
	Pending        int
	Unknown        int
	Conflicts      int
	AlreadySettled int
}

// Send debits the balance, journals the transfer and returns the intent to
// render as a QR code. When online the transfer is also logged on the
// ledger; a failure there leaves it for the next sender sync.
func (e *Engine) Send(ctx context.Context, recipientID string, amount decimal.Decimal) (domain.Intent, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return domain.Intent{}, fmt.Errorf("%w: recipient", domain.ErrMissingField)
	}
	if e.session.Owns(recipientID) {
		return domain.Intent{}, domain.ErrSelfTransfer
	}
	amount, err := domain.NormalizeAmount(amount)
	if err != nil {
		return domain.Intent{}, err
	}

	entry := domain.SenderEntry{
		TransferID:  e.opts.NewTransferID(),
		Amount:      amount,
		SenderID:    e.session.UserID,
		RecipientID: recipientID,
		CreatedAt:   e.opts.Now().UTC(),
	}
	if err := e.debitAndJournal(ctx, entry); err != nil {
		return domain.Intent{}, err
	}

	e.notify(ctx, LevelInfo, entry.TransferID, "", "Transfer created",
		fmt.Sprintf("%s coins to %s are ready to scan.", amount.StringFixed(domain.AmountPlaces), recipientID))

	if e.conn.Online() {
		e.pushSenderEntry(ctx, entry)
	}

	return domain.Intent{
		TransferID:  entry.TransferID,
		SenderID:    entry.SenderID,
		RecipientID: entry.RecipientID,
		Amount:      entry.Amount,
	}, nil
}

func (e *Engine) debitAndJournal(ctx context.Context, entry domain.SenderEntry) error {
	e.balanceMu.Lock()
	defer e.balanceMu.Unlock()

	if _, err := e.session.Balance.Debit(ctx, entry.Amount); err != nil {
		return err
	}
	if _, err := e.session.Sent.Append(ctx, entry); err != nil {
		if _, cerr := e.session.Balance.Credit(ctx, entry.Amount); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	return nil
}

// pushSenderEntry logs one entry on the ledger. It reports whether the
// ledger now holds this entry's record. An ID taken by a different record
// leaves the entry unsynced.
func (e *Engine) pushSenderEntry(ctx context.Context, entry domain.SenderEntry) bool {
	_, err := e.ledger.CreateTransfer(ctx, entry)
	switch {
	case err == nil:
		metrics.SenderSyncs.WithLabelValues("ok").Inc()
	case errors.Is(err, domain.ErrAlreadyExists):
		metrics.SenderSyncs.WithLabelValues("conflict").Inc()
		e.notify(ctx, LevelError, entry.TransferID, "", "Transfer ID conflict",
			fmt.Sprintf("The ledger holds a different transfer under %s. Your %s coins stay held; contact support.",
				entry.TransferID, entry.Amount.StringFixed(domain.AmountPlaces)))
		return false
	default:
		metrics.SenderSyncs.WithLabelValues("failed").Inc()
		e.logger.Warn("failed to log transfer",
			zap.String("transfer_id", entry.TransferID),
			zap.Bool("transport", domain.IsTransport(err)),
			zap.Error(err))
		return false
	}

	if err := e.session.Sent.MarkSynced(ctx, entry.TransferID, e.opts.Now().UTC()); err != nil {
		e.logger.Error("failed to mark transfer synced",
			zap.String("transfer_id", entry.TransferID),
			zap.Error(err))
	}
	return true
}

// ProcessSenderSyncs logs every unsynced sender entry on the ledger, oldest
// first, with a fixed delay between calls. Entries stay journaled until
// reconciliation sees them settled.
func (e *Engine) ProcessSenderSyncs(ctx context.Context) (PassResult, error) {
	if !e.conn.Online() || !e.syncing.CompareAndSwap(false, true) {
		return PassResult{Skipped: true}, nil
	}
	defer e.syncing.Store(false)
	metrics.ReconcilePasses.WithLabelValues("sender_sync").Inc()

	entries, err := e.session.Sent.List(ctx)
	if err != nil {
		return PassResult{}, err
	}

	var res PassResult
	pace := e.pacer()
	for _, entry := range entries {
		if entry.Synced() {
			continue
		}
		if strings.TrimSpace(entry.RecipientID) == "" {
			e.logger.Warn("skipping sender entry without recipient", zap.String("transfer_id", entry.TransferID))
			continue
		}
		if !e.conn.Online() {
			break
		}
		if err := pace.Wait(ctx); err != nil {
			return res, err
		}
		res.Processed++
		if e.pushSenderEntry(ctx, entry) {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// ReconcileSender settles sender entries against the ledger records. Claimed
// transfers leave the journal; expired and cancelled ones are refunded. A
// record whose payload differs from the entry is counted as a conflict and
// never settles it.
func (e *Engine) ReconcileSender(ctx context.Context, records []domain.TransferRecord) (SenderResult, error) {
	entries, err := e.session.Sent.List(ctx)
	if err != nil {
		return SenderResult{}, err
	}
	byID := indexRecords(records)
	now := e.opts.Now()

	var res SenderResult
	var errs []error
	local := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		local[entry.TransferID] = struct{}{}
		if !e.session.Owns(entry.SenderID) {
			continue
		}
		rec, ok := byID[entry.TransferID]
		if !ok {
			res.Unknown++
			continue
		}

		if !entry.Matches(rec) {
			res.Conflicts++
			e.logger.Warn("ledger record does not match sender entry",
				zap.String("transfer_id", entry.TransferID),
				zap.String("ledger_recipient", rec.RecipientID),
				zap.String("ledger_amount", rec.Amount.StringFixed(domain.AmountPlaces)))
			continue
		}

		rec = rec.EffectiveAt(now)
		switch rec.Status {
		case domain.StatusPending:
			res.Pending++

		case domain.StatusClaimed:
			if err := e.session.Sent.Remove(ctx, entry.TransferID); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Settled++
			e.notify(ctx, LevelInfo, entry.TransferID, "", "Transfer claimed",
				fmt.Sprintf("%s claimed your %s coins.", rec.RecipientID, entry.Amount.StringFixed(domain.AmountPlaces)))

		case domain.StatusExpired, domain.StatusCancelled:
			refunded, err := e.refund(ctx, entry, rec.Status)
			if err != nil {
				res.RefundFailed++
				errs = append(errs, err)
				continue
			}
			if refunded {
				res.Refunded++
			}

		default:
			panic(fmt.Sprintf("reconcile: unknown transfer status %q", string(rec.Status)))
		}
	}

	for _, rec := range records {
		if _, ok := local[rec.ID]; ok {
			continue
		}
		if e.session.Owns(rec.SenderID) && rec.Status == domain.StatusClaimed {
			res.AlreadySettled++
		}
	}
	return res, errors.Join(errs...)
}

// refund credits back an expired or cancelled transfer and drops its entry.
// It reports false when another pass already handled the entry.
func (e *Engine) refund(ctx context.Context, entry domain.SenderEntry, status domain.Status) (bool, error) {
	e.balanceMu.Lock()
	defer e.balanceMu.Unlock()

	current, err := e.session.Sent.List(ctx)
	if err != nil {
		return false, err
	}
	present := false
	for _, c := range current {
		if c.TransferID == entry.TransferID {
			present = true
			break
		}
	}
	if !present {
		return false, nil
	}

	amount := entry.Amount.StringFixed(domain.AmountPlaces)
	if _, err := e.session.Balance.Credit(ctx, entry.Amount); err != nil {
		metrics.Refunds.WithLabelValues("failed").Inc()
		e.notify(ctx, LevelError, entry.TransferID, "", "Refund failed",
			fmt.Sprintf("Could not refund %s coins; will retry: %v", amount, err))
		return false, err
	}
	if err := e.session.Sent.Remove(ctx, entry.TransferID); err != nil {
		// Keeping the entry without the credit lets the next pass retry cleanly.
		if _, derr := e.session.Balance.Debit(ctx, entry.Amount); derr != nil {
			e.notify(ctx, LevelCritical, entry.TransferID, "", "Wallet inconsistent",
				fmt.Sprintf("Refund of %s coins could not be recorded or undone: %v", amount, derr))
			return false, errors.Join(err, derr)
		}
		metrics.Refunds.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("remove refunded entry: %w", err)
	}

	metrics.Refunds.WithLabelValues("ok").Inc()
	e.notify(ctx, LevelInfo, entry.TransferID, "", "Transfer refunded",
		fmt.Sprintf("Your transfer of %s coins to %s was %s; the coins are back in your wallet.", amount, entry.RecipientID, status))
	return true, nil
}

// Cancel asks the ledger to cancel a pending transfer this user sent. The
// refund happens on the next reconciliation.
func (e *Engine) Cancel(ctx context.Context, transferID string) (domain.TransferRecord, error) {
	if !e.conn.Online() {
		return domain.TransferRecord{}, &domain.TransportError{Op: "cancel", Err: ErrOffline}
	}
	rec, err := e.ledger.CancelTransfer(ctx, transferID, e.session.UserID)
	if err != nil {
		return domain.TransferRecord{}, err
	}
	e.notify(ctx, LevelInfo, transferID, "", "Transfer cancelled",
		"The ledger cancelled the transfer; your coins return on the next sync.")
	return rec, nil
}
