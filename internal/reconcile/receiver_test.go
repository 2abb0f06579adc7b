package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/reconcile/mocks"
	"github.com/punchamoorthee/coinledger/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestClaim_CreditsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	bob := newDevice(t, "bob@upi", ledger, clock, false)
	alice.fund(t, "50")

	in, err := alice.engine.Send(ctx, "bob@upi", dec("50"))
	require.NoError(t, err)
	accepted, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bob.engine.Claim(ctx, accepted.LocalID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, "50.00", bob.balance(t))

	bob.conn.Set(true)
	for i := 0; i < 3; i++ {
		_, err := bob.engine.ProcessReceiverClaims(ctx)
		require.NoError(t, err)
	}
	_, err = bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)
	_, _, err = bob.engine.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, "50.00", bob.balance(t))
	assert.True(t, bob.entry(t, accepted.LocalID).Verified)
}

func TestClaim_ConcurrentOnlineClaimsHitLedgerOnce(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	bob := newDevice(t, "bob@upi", ledger, newClock(), true)

	ledger.EXPECT().
		ClaimTransfer(gomock.Any(), "T1", "bob@upi").
		Return(domain.TransferRecord{ID: "T1", RecipientID: "bob@upi", Amount: dec("7"), Status: domain.StatusClaimed}, nil).
		Times(1)

	accepted, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T1", SenderID: "alice@upi", RecipientID: "bob@upi", Amount: dec("7")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bob.engine.Claim(ctx, accepted.LocalID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, "7.00", bob.balance(t))
	assert.True(t, bob.entry(t, accepted.LocalID).Verified)
}

func TestClaim_TransportFailureKeepsCredit(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	bob := newDevice(t, "bob@upi", ledger, clock, true)
	alice.fund(t, "9")

	in, err := alice.engine.Send(ctx, "bob@upi", dec("9"))
	require.NoError(t, err)
	accepted, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)

	ledger.down.Store(true)
	got, err := bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiverConfirmedWithServer, got.Status)
	assert.False(t, got.Verified)
	assert.Equal(t, "9.00", bob.balance(t))

	n, ok := bob.notices.Last(in.TransferID)
	require.True(t, ok)
	assert.Equal(t, "Claim not synced", n.Title)

	// A confirmed but unverified entry is resubmitted by reconciliation.
	ledger.down.Store(false)
	_, rres, err := bob.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rres.Resubmitted)
	assert.True(t, bob.entry(t, accepted.LocalID).Verified)
	assert.Equal(t, "9.00", bob.balance(t))

	rec, err := ledger.svc.Get(ctx, in.TransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, rec.Status)
}

func TestReconcileReceiver_CancelledTransferIsReverted(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	bob := newDevice(t, "bob@upi", ledger, clock, false)
	alice.fund(t, "100")

	in, err := alice.engine.Send(ctx, "bob@upi", dec("50"))
	require.NoError(t, err)
	accepted, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)
	_, err = bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", bob.balance(t))

	rec, err := alice.engine.Cancel(ctx, in.TransferID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, rec.Status)
	assert.Equal(t, "50.00", alice.balance(t), "the refund waits for reconciliation")

	sres, _, err := alice.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sres.Refunded)
	assert.Equal(t, "100.00", alice.balance(t))

	bob.conn.Set(true)
	_, rres, err := bob.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rres.Reverted)
	assert.Equal(t, "0.00", bob.balance(t))
	assert.Equal(t, domain.ReceiverRejectedAndReverted, bob.entry(t, accepted.LocalID).Status)

	_, rres, err = bob.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rres.Reverted)
	assert.Equal(t, "0.00", bob.balance(t))
}

func TestReconcileReceiver_ShortfallGoesCritical(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	bob := newDevice(t, "bob@upi", ledger, clock, false)
	alice.fund(t, "50")

	in, err := alice.engine.Send(ctx, "bob@upi", dec("50"))
	require.NoError(t, err)
	accepted, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)
	_, err = bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)

	_, err = bob.engine.Send(ctx, "carol@upi", dec("30"))
	require.NoError(t, err)
	assert.Equal(t, "20.00", bob.balance(t))

	clock.Advance(domain.DefaultTTL + time.Minute)
	bob.conn.Set(true)

	_, rres, err := bob.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rres.Critical)
	assert.Equal(t, "20.00", bob.balance(t), "the balance never goes negative")

	got := bob.entry(t, accepted.LocalID)
	assert.Equal(t, domain.ReceiverCriticalReversalFailed, got.Status)
	n, ok := bob.notices.Last(in.TransferID)
	require.True(t, ok)
	assert.Equal(t, LevelCritical, n.Level)

	swept, err := bob.engine.SweepStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	require.NoError(t, bob.engine.Dismiss(ctx, accepted.LocalID))
	n, _ = bob.notices.Last(in.TransferID)
	assert.Equal(t, LevelWarning, n.Level)
}

func TestRevertClaim(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	bob := newDevice(t, "bob@upi", mocks.NewMockLedger(ctrl), newClock(), false)

	awaiting, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T1", SenderID: "alice", RecipientID: "bob@upi", Amount: dec("3")})
	require.NoError(t, err)
	got, err := bob.engine.RevertClaim(ctx, awaiting.LocalID, "expired")
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiverRejectedAndReverted, got.Status)
	assert.Equal(t, "0.00", bob.balance(t), "nothing credited, nothing debited")

	credited, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T2", SenderID: "alice", RecipientID: "bob@upi", Amount: dec("4")})
	require.NoError(t, err)
	_, err = bob.engine.Claim(ctx, credited.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "4.00", bob.balance(t))

	for i := 0; i < 2; i++ {
		got, err = bob.engine.RevertClaim(ctx, credited.LocalID, "cancelled")
		require.NoError(t, err)
		assert.Equal(t, domain.ReceiverRejectedAndReverted, got.Status)
	}
	assert.Equal(t, "0.00", bob.balance(t), "a reversal is applied once")
}

func TestProcessReceiverClaims_SkipsWhileInFlight(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	ledger := mocks.NewMockLedger(ctrl)
	bob := newDevice(t, "bob@upi", ledger, newClock(), true)

	started := make(chan struct{})
	release := make(chan struct{})
	ledger.EXPECT().
		ClaimTransfer(gomock.Any(), "T1", "bob@upi").
		DoAndReturn(func(ctx context.Context, id, claimant string) (domain.TransferRecord, error) {
			close(started)
			<-release
			return domain.TransferRecord{ID: id, RecipientID: claimant, Amount: dec("2"), Status: domain.StatusClaimed}, nil
		}).
		Times(1)

	accepted, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T1", SenderID: "alice", RecipientID: "bob@upi", Amount: dec("2")})
	require.NoError(t, err)

	done := make(chan PassResult)
	go func() {
		res, err := bob.engine.ProcessReceiverClaims(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	<-started

	res, err := bob.engine.ProcessReceiverClaims(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	// A direct claim during the pass sees the entry already confirmed.
	got, err := bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiverConfirmedWithServer, got.Status)

	close(release)
	assert.Equal(t, PassResult{Processed: 1, Succeeded: 1}, <-done)
	assert.Equal(t, "2.00", bob.balance(t))
}

func TestDismissAndSweep(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	clock := newClock()
	bob := newDevice(t, "bob@upi", mocks.NewMockLedger(ctrl), clock, false)

	stuck, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T1", SenderID: "alice", RecipientID: "bob@upi", Amount: dec("1")})
	require.NoError(t, err)
	idle, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T2", SenderID: "alice", RecipientID: "bob@upi", Amount: dec("2")})
	require.NoError(t, err)
	credited, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T3", SenderID: "alice", RecipientID: "bob@upi", Amount: dec("3")})
	require.NoError(t, err)
	_, err = bob.engine.Claim(ctx, credited.LocalID)
	require.NoError(t, err)

	err = bob.engine.Dismiss(ctx, stuck.LocalID)
	assert.ErrorIs(t, err, ErrNotDismissible)

	pending, err := bob.engine.PendingReceived(ctx)
	require.NoError(t, err)
	assert.Equal(t, "6.00", pending.StringFixed(2))

	clock.Advance(49 * time.Hour)
	require.NoError(t, bob.engine.Dismiss(ctx, stuck.LocalID))

	swept, err := bob.engine.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = bob.session.Received.Get(ctx, idle.LocalID)
	assert.Error(t, err)
	assert.Equal(t, domain.ReceiverCreditedPendingSync, bob.entry(t, credited.LocalID).Status,
		"an unsynced credit is never swept")
	assert.Equal(t, "3.00", bob.balance(t))
}

func TestAccept_DismissedClaimCannotBeRescanned(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	bob := newDevice(t, "bob@upi", ledger, clock, true)
	alice.fund(t, "50")

	in, err := alice.engine.Send(ctx, "bob@upi", dec("50"))
	require.NoError(t, err)
	accepted, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)
	got, err := bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)
	require.True(t, got.Verified)

	require.NoError(t, bob.engine.Dismiss(ctx, accepted.LocalID))

	_, err = bob.engine.Accept(ctx, in)
	assert.ErrorIs(t, err, wallet.ErrTransferSettled)
	n, ok := bob.notices.Last(in.TransferID)
	require.True(t, ok)
	assert.Equal(t, "Already settled", n.Title)

	list, err := bob.session.Received.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, rres, err := bob.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rres.Verified)
	assert.Equal(t, "50.00", bob.balance(t))
}

func TestAccept_SweptClaimCannotBeRescanned(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	carol := newDevice(t, "carol@upi", ledger, clock, true)
	alice.fund(t, "30")

	in, err := alice.engine.Send(ctx, "carol@upi", dec("30"))
	require.NoError(t, err)
	accepted, err := carol.engine.Accept(ctx, in)
	require.NoError(t, err)
	_, err = carol.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)

	clock.Advance(49 * time.Hour)
	swept, err := carol.engine.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = carol.engine.Accept(ctx, in)
	assert.ErrorIs(t, err, wallet.ErrTransferSettled)

	_, _, err = carol.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "30.00", carol.balance(t))
}

func TestAccept_RevertedTransferStaysSettled(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	bob := newDevice(t, "bob@upi", ledger, clock, false)
	alice.fund(t, "50")

	in, err := alice.engine.Send(ctx, "bob@upi", dec("50"))
	require.NoError(t, err)
	accepted, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)
	_, err = bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)

	_, err = alice.engine.Cancel(ctx, in.TransferID)
	require.NoError(t, err)
	bob.conn.Set(true)
	_, rres, err := bob.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rres.Reverted)
	assert.Equal(t, "0.00", bob.balance(t))

	bob.conn.Set(false)
	again, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, accepted.LocalID, again.LocalID, "the reverted entry is returned")
	got, err := bob.engine.Claim(ctx, again.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiverRejectedAndReverted, got.Status)
	assert.Equal(t, "0.00", bob.balance(t))

	require.NoError(t, bob.engine.Dismiss(ctx, accepted.LocalID))
	_, err = bob.engine.Accept(ctx, in)
	assert.ErrorIs(t, err, wallet.ErrTransferSettled)
	assert.Equal(t, "0.00", bob.balance(t))
}

func TestClaim_SecondEntryForSettledTransferIsDropped(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	bob := newDevice(t, "bob@upi", mocks.NewMockLedger(ctrl), newClock(), false)

	accepted, err := bob.engine.Accept(ctx, domain.Intent{TransferID: "T1", SenderID: "alice", RecipientID: "bob@upi", Amount: dec("8")})
	require.NoError(t, err)
	// Journals written before settle marks existed can hold a second entry
	// for a transfer another entry already credited.
	_, err = bob.session.Received.Settle(ctx, "T1", "earlier-entry")
	require.NoError(t, err)

	got, err := bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiverRejectedAndReverted, got.Status)
	assert.Equal(t, "0.00", bob.balance(t))

	n, ok := bob.notices.Last("T1")
	require.True(t, ok)
	assert.Equal(t, "Duplicate transfer", n.Title)
}
