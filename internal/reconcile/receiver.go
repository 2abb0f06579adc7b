package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/metrics"
	"github.com/punchamoorthee/coinledger/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReceiverResult summarizes a receiver reconciliation against the ledger.
type ReceiverResult struct {
	Verified      int
	Resubmitted   int
	Reverted      int
	Critical      int
	Discrepancies int
	Unknown       int
}

// Accept records a scanned intent in the receiver journal. The intent must
// be addressed to the session user; nothing is written otherwise. Scanning
// a transfer that is already tracked returns the existing entry; scanning
// one this device already credited or reverted fails with
// wallet.ErrTransferSettled.
func (e *Engine) Accept(ctx context.Context, in domain.Intent) (domain.ReceiverEntry, error) {
	if err := in.Validate(); err != nil {
		return domain.ReceiverEntry{}, err
	}
	if !e.session.Owns(in.RecipientID) {
		return domain.ReceiverEntry{}, fmt.Errorf("%w: intent is for %s", domain.ErrRecipientMismatch, in.RecipientID)
	}
	if e.session.Owns(in.SenderID) {
		return domain.ReceiverEntry{}, domain.ErrSelfTransfer
	}
	amount, err := domain.NormalizeAmount(in.Amount)
	if err != nil {
		return domain.ReceiverEntry{}, err
	}

	entry, added, err := e.session.Received.Add(ctx, domain.ReceiverEntry{
		LocalID:    e.opts.NewLocalID(),
		TransferID: in.TransferID,
		Amount:     amount,
		SenderID:   in.SenderID,
		AddedAt:    e.opts.Now().UTC(),
		Status:     domain.ReceiverAwaitingClaim,
	})
	if errors.Is(err, wallet.ErrTransferSettled) {
		e.notify(ctx, LevelWarning, in.TransferID, "", "Already settled",
			fmt.Sprintf("Transfer %s was already settled on this device and cannot be claimed again.", in.TransferID))
		return domain.ReceiverEntry{}, err
	}
	if err != nil {
		return domain.ReceiverEntry{}, err
	}
	if !added {
		e.notify(ctx, LevelInfo, entry.TransferID, entry.LocalID, "Already scanned",
			fmt.Sprintf("Transfer %s is already in your pending wallet (%s).", entry.TransferID, entry.Status))
		return entry, nil
	}
	e.notify(ctx, LevelInfo, entry.TransferID, entry.LocalID, "Transfer scanned",
		fmt.Sprintf("%s coins from %s added to your pending wallet.", amount.StringFixed(domain.AmountPlaces), in.SenderID))
	return entry, nil
}

// Claim runs the claim state machine for one receiver entry. Offline it
// credits the balance and leaves the claim for later. Online it credits,
// marks the entry confirmed, then submits the claim; a ledger rejection at
// that point does not undo the credit. The balance is credited at most once
// per entry, whatever the number of calls.
//
// The returned error covers local failures only. The ledger's answer is
// reported through the notifier and the entry's LastMessage.
func (e *Engine) Claim(ctx context.Context, localID string) (domain.ReceiverEntry, error) {
	online := e.conn.Online()
	entry, submit, err := e.applyClaim(ctx, localID, online)
	if err != nil || !submit {
		return entry, err
	}
	return e.submitClaim(ctx, entry), nil
}

func (e *Engine) applyClaim(ctx context.Context, localID string, online bool) (domain.ReceiverEntry, bool, error) {
	e.balanceMu.Lock()
	defer e.balanceMu.Unlock()

	entry, err := e.session.Received.Get(ctx, localID)
	if err != nil {
		return domain.ReceiverEntry{}, false, err
	}

	switch entry.Status {
	case domain.ReceiverConfirmedWithServer,
		domain.ReceiverRejectedAndReverted,
		domain.ReceiverCriticalReversalFailed:
		e.notify(ctx, LevelInfo, entry.TransferID, entry.LocalID, "Nothing to claim",
			fmt.Sprintf("Transfer %s is already %s.", entry.TransferID, entry.Status))
		return entry, false, nil

	case domain.ReceiverCreditedPendingSync:
		if !online {
			e.notify(ctx, LevelInfo, entry.TransferID, entry.LocalID, "Already credited",
				"Coins are already in your wallet; the claim will sync when you are back online.")
			return entry, false, nil
		}
		updated, err := e.session.Received.SetStatus(ctx, localID, domain.ReceiverConfirmedWithServer,
			"Submitting claim to the ledger.")
		if err != nil {
			return entry, false, err
		}
		return updated, true, nil

	case domain.ReceiverAwaitingClaim, domain.ReceiverClaimFailed:
		owner, err := e.session.Received.Settle(ctx, entry.TransferID, entry.LocalID)
		if err != nil {
			return entry, false, fmt.Errorf("record claim: %w", err)
		}
		if owner != entry.LocalID {
			updated, err := e.dropDuplicate(ctx, entry)
			return updated, false, err
		}

		if _, err := e.session.Balance.Credit(ctx, entry.Amount); err != nil {
			metrics.ClaimAttempts.WithLabelValues("credit_failed").Inc()
			failed, serr := e.session.Received.SetStatus(ctx, localID, domain.ReceiverClaimFailed,
				"Could not credit your wallet: "+err.Error())
			e.notify(ctx, LevelError, entry.TransferID, entry.LocalID, "Claim failed", err.Error())
			if serr != nil {
				return entry, false, errors.Join(err, serr)
			}
			return failed, false, err
		}

		next, msg := domain.ReceiverCreditedPendingSync, "Credited offline; the claim will sync when you are back online."
		if online {
			next, msg = domain.ReceiverConfirmedWithServer, "Credited; submitting claim to the ledger."
		}
		updated, err := e.session.Received.SetStatus(ctx, localID, next, msg)
		if err != nil {
			// The credit must not survive without the status that guards it.
			if _, derr := e.session.Balance.Debit(ctx, entry.Amount); derr != nil {
				e.notify(ctx, LevelCritical, entry.TransferID, entry.LocalID, "Wallet inconsistent",
					fmt.Sprintf("Credit of %s could not be recorded or undone: %v", entry.Amount.StringFixed(domain.AmountPlaces), derr))
				return entry, false, errors.Join(err, derr)
			}
			return entry, false, fmt.Errorf("persist claim status: %w", err)
		}
		if !online {
			metrics.ClaimAttempts.WithLabelValues("offline_credited").Inc()
			e.notify(ctx, LevelInfo, entry.TransferID, entry.LocalID, "Coins credited offline", msg)
		}
		return updated, online, nil

	default:
		panic(fmt.Sprintf("reconcile: unknown receiver status %q", string(entry.Status)))
	}
}

// dropDuplicate closes an entry whose transfer another entry already settled.
func (e *Engine) dropDuplicate(ctx context.Context, entry domain.ReceiverEntry) (domain.ReceiverEntry, error) {
	metrics.ClaimAttempts.WithLabelValues("duplicate").Inc()
	msg := fmt.Sprintf("Transfer %s was already settled on this device. Nothing was credited.", entry.TransferID)
	updated, err := e.session.Received.SetStatus(ctx, entry.LocalID, domain.ReceiverRejectedAndReverted, msg)
	if err != nil {
		return entry, err
	}
	e.notify(ctx, LevelWarning, entry.TransferID, entry.LocalID, "Duplicate transfer", msg)
	return updated, nil
}

// submitClaim sends the claim for a credited, confirmed entry and records
// the ledger's answer. It never touches the balance.
func (e *Engine) submitClaim(ctx context.Context, entry domain.ReceiverEntry) domain.ReceiverEntry {
	rec, err := e.ledger.ClaimTransfer(ctx, entry.TransferID, e.session.UserID)

	var (
		level    Level
		title    string
		msg      string
		verified bool
	)
	switch {
	case err == nil:
		metrics.ClaimAttempts.WithLabelValues("confirmed").Inc()
		level, title, verified = LevelInfo, "Claim confirmed", true
		msg = fmt.Sprintf("The ledger confirmed your claim of %s coins.", entry.Amount.StringFixed(domain.AmountPlaces))
		if !rec.Amount.Equal(entry.Amount) {
			e.reportAmountMismatch(ctx, entry, rec.Amount)
		}
	case domain.IsTransport(err):
		metrics.ClaimAttempts.WithLabelValues("transport").Inc()
		level, title = LevelWarning, "Claim not synced"
		msg = "The ledger could not be reached. Coins remain credited; the claim will be retried."
	default:
		metrics.ClaimAttempts.WithLabelValues("rejected").Inc()
		level, title = LevelWarning, "Claim rejected"
		msg = fmt.Sprintf("The ledger rejected the claim (%s). Coins remain credited until reconciliation.", domain.ReasonOf(err))
	}

	updated, uerr := e.session.Received.Update(ctx, entry.LocalID, func(x *domain.ReceiverEntry) error {
		x.LastMessage = msg
		x.Verified = x.Verified || verified
		return nil
	})
	if uerr != nil {
		e.logger.Error("failed to record claim outcome",
			zap.String("local_id", entry.LocalID),
			zap.String("transfer_id", entry.TransferID),
			zap.Error(uerr))
		updated = entry
		updated.LastMessage = msg
	}
	e.notify(ctx, level, entry.TransferID, entry.LocalID, title, msg)
	return updated
}

func (e *Engine) reportAmountMismatch(ctx context.Context, entry domain.ReceiverEntry, ledgerAmount decimal.Decimal) {
	e.notify(ctx, LevelError, entry.TransferID, entry.LocalID, "Amount discrepancy",
		fmt.Sprintf("Your wallet credited %s but the ledger records %s for transfer %s.",
			entry.Amount.StringFixed(domain.AmountPlaces),
			ledgerAmount.StringFixed(domain.AmountPlaces),
			entry.TransferID))
}

// RevertClaim undoes a local credit the ledger has invalidated. If the
// balance no longer covers the amount the entry becomes
// critical_reversal_failed and stays there until handled manually.
func (e *Engine) RevertClaim(ctx context.Context, localID, reason string) (domain.ReceiverEntry, error) {
	e.balanceMu.Lock()
	defer e.balanceMu.Unlock()

	entry, err := e.session.Received.Get(ctx, localID)
	if err != nil {
		return domain.ReceiverEntry{}, err
	}

	switch entry.Status {
	case domain.ReceiverRejectedAndReverted, domain.ReceiverCriticalReversalFailed:
		return entry, nil
	}
	// A reverted transfer stays settled even after its entry is removed.
	if _, err := e.session.Received.Settle(ctx, entry.TransferID, entry.LocalID); err != nil {
		return entry, fmt.Errorf("record reversal: %w", err)
	}

	switch entry.Status {
	case domain.ReceiverAwaitingClaim, domain.ReceiverClaimFailed:
		updated, err := e.session.Received.SetStatus(ctx, localID, domain.ReceiverRejectedAndReverted,
			fmt.Sprintf("The ledger reports this transfer %s. Nothing was credited.", reason))
		if err != nil {
			return entry, err
		}
		e.notify(ctx, LevelInfo, entry.TransferID, entry.LocalID, "Transfer unavailable", updated.LastMessage)
		return updated, nil

	case domain.ReceiverCreditedPendingSync, domain.ReceiverConfirmedWithServer:
		amount := entry.Amount.StringFixed(domain.AmountPlaces)
		if _, err := e.session.Balance.Debit(ctx, entry.Amount); err != nil {
			if !errors.Is(err, wallet.ErrInsufficientFunds) {
				metrics.Reversals.WithLabelValues("failed").Inc()
				e.notify(ctx, LevelError, entry.TransferID, entry.LocalID, "Reversal failed",
					fmt.Sprintf("Could not reverse %s coins; will retry: %v", amount, err))
				return entry, err
			}
			metrics.Reversals.WithLabelValues("critical").Inc()
			msg := fmt.Sprintf("The ledger reports this transfer %s but %s coins could not be reversed: %v. Contact support.", reason, amount, err)
			updated, serr := e.session.Received.SetStatus(ctx, localID, domain.ReceiverCriticalReversalFailed, msg)
			e.notify(ctx, LevelCritical, entry.TransferID, entry.LocalID, "Reversal failed", msg)
			if serr != nil {
				return entry, serr
			}
			return updated, nil
		}

		msg := fmt.Sprintf("The ledger reports this transfer %s; %s coins were reversed.", reason, amount)
		updated, err := e.session.Received.SetStatus(ctx, localID, domain.ReceiverRejectedAndReverted, msg)
		if err != nil {
			if _, cerr := e.session.Balance.Credit(ctx, entry.Amount); cerr != nil {
				return entry, errors.Join(err, cerr)
			}
			return entry, fmt.Errorf("persist reversal: %w", err)
		}
		metrics.Reversals.WithLabelValues("reverted").Inc()
		e.notify(ctx, LevelWarning, entry.TransferID, entry.LocalID, "Claim reversed", msg)
		return updated, nil

	default:
		panic(fmt.Sprintf("reconcile: unknown receiver status %q", string(entry.Status)))
	}
}

// ReconcileReceiver corrects receiver entries against the ledger records:
// expired or cancelled transfers are reverted, pending ones are claimed
// again, and claimed ones are verified.
func (e *Engine) ReconcileReceiver(ctx context.Context, records []domain.TransferRecord) (ReceiverResult, error) {
	entries, err := e.session.Received.List(ctx)
	if err != nil {
		return ReceiverResult{}, err
	}
	byID := indexRecords(records)
	now := e.opts.Now()

	var res ReceiverResult
	var errs []error
	for _, entry := range entries {
		if entry.Status.Final() && (entry.Verified || entry.Status != domain.ReceiverConfirmedWithServer) {
			continue
		}
		rec, ok := byID[entry.TransferID]
		if !ok || !e.session.Owns(rec.RecipientID) {
			res.Unknown++
			continue
		}

		switch rec.EffectiveAt(now).Status {
		case domain.StatusClaimed:
			if !entry.Status.Credited() {
				// Claimed by this account elsewhere; the claim pass credits it.
				continue
			}
			if !rec.Amount.Equal(entry.Amount) {
				res.Discrepancies++
				e.reportAmountMismatch(ctx, entry, rec.Amount)
			}
			if _, err := e.session.Received.Update(ctx, entry.LocalID, func(x *domain.ReceiverEntry) error {
				x.Status = domain.ReceiverConfirmedWithServer
				x.Verified = true
				x.LastMessage = "Confirmed by the ledger."
				return nil
			}); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Verified++

		case domain.StatusPending:
			if entry.Status != domain.ReceiverConfirmedWithServer {
				// Still claimable; the claim pass owns it.
				continue
			}
			res.Resubmitted++
			e.submitClaim(ctx, entry)

		case domain.StatusExpired, domain.StatusCancelled:
			updated, err := e.RevertClaim(ctx, entry.LocalID, string(rec.EffectiveAt(now).Status))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			switch updated.Status {
			case domain.ReceiverCriticalReversalFailed:
				res.Critical++
			case domain.ReceiverRejectedAndReverted:
				res.Reverted++
			}

		default:
			panic(fmt.Sprintf("reconcile: unknown transfer status %q", string(rec.Status)))
		}
	}
	return res, errors.Join(errs...)
}

// ProcessReceiverClaims drains every claimable entry, oldest first, with a
// fixed delay between ledger calls. It is a no-op while offline or while a
// previous pass is still running.
func (e *Engine) ProcessReceiverClaims(ctx context.Context) (PassResult, error) {
	if !e.conn.Online() || !e.claiming.CompareAndSwap(false, true) {
		return PassResult{Skipped: true}, nil
	}
	defer e.claiming.Store(false)
	metrics.ReconcilePasses.WithLabelValues("claims").Inc()

	entries, err := e.session.Received.List(ctx)
	if err != nil {
		return PassResult{}, err
	}

	var res PassResult
	pace := e.pacer()
	for _, entry := range entries {
		if !entry.Status.Claimable() {
			continue
		}
		if !e.conn.Online() {
			break
		}
		if err := pace.Wait(ctx); err != nil {
			return res, err
		}
		res.Processed++
		updated, err := e.Claim(ctx, entry.LocalID)
		if err != nil || !updated.Verified {
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// Dismiss removes an entry at the user's request.
func (e *Engine) Dismiss(ctx context.Context, localID string) error {
	entry, err := e.session.Received.Get(ctx, localID)
	if err != nil {
		return err
	}
	if !wallet.Dismissible(entry, e.opts.Now(), e.opts.StaleAfter) {
		return fmt.Errorf("%w: %s is %s", ErrNotDismissible, localID, entry.Status)
	}
	if err := e.session.Received.Remove(ctx, localID); err != nil {
		return err
	}

	switch entry.Status {
	case domain.ReceiverCriticalReversalFailed:
		e.notify(ctx, LevelWarning, entry.TransferID, entry.LocalID, "Item dismissed",
			"This item needed a manual correction. Dismissing it does not resolve it; contact support.")
	case domain.ReceiverCreditedPendingSync:
		e.notify(ctx, LevelWarning, entry.TransferID, entry.LocalID, "Item dismissed",
			"The local credit stays but this claim will no longer be synced.")
	default:
		e.notify(ctx, LevelInfo, entry.TransferID, entry.LocalID, "Item dismissed",
			"Dismissing does not affect the ledger or your balance.")
	}
	return nil
}

// SweepStale drops receiver entries that are old enough and hold nothing
// the ledger still needs to settle.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	now := e.opts.Now()
	removed, err := e.session.Received.RemoveWhere(ctx, func(x domain.ReceiverEntry) bool {
		return wallet.Sweepable(x, now, e.opts.StaleAfter)
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		e.logger.Info("swept stale receiver entries", zap.Int("count", len(removed)))
	}
	return len(removed), nil
}

// PendingReceived is the total of scanned transfers not yet confirmed.
func (e *Engine) PendingReceived(ctx context.Context) (decimal.Decimal, error) {
	return e.session.Received.PendingReceived(ctx)
}
