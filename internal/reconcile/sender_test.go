package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/reconcile/mocks"
	"github.com/punchamoorthee/coinledger/internal/service"
	"github.com/punchamoorthee/coinledger/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestSend_Validation(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	alice := newDevice(t, "alice@upi", mocks.NewMockLedger(ctrl), newClock(), false)
	alice.fund(t, "10")

	tests := []struct {
		name      string
		recipient string
		amount    decimal.Decimal
		want      error
	}{
		{"empty recipient", "  ", dec("1"), domain.ErrMissingField},
		{"to self", "ALICE@upi", dec("1"), domain.ErrSelfTransfer},
		{"zero amount", "bob@upi", decimal.Zero, domain.ErrInvalidAmount},
		{"negative amount", "bob@upi", dec("-3"), domain.ErrInvalidAmount},
		{"insufficient funds", "bob@upi", dec("10.01"), wallet.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := alice.engine.Send(ctx, tt.recipient, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, alice.sent(t))
	assert.Equal(t, "10.00", alice.balance(t))
}

func TestProcessSenderSyncs_ResumesAfterOutage(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, false)
	alice.fund(t, "30")

	first, err := alice.engine.Send(ctx, "bob@upi", dec("10"))
	require.NoError(t, err)
	second, err := alice.engine.Send(ctx, "carol@upi", dec("5"))
	require.NoError(t, err)

	_, err = ledger.svc.Get(ctx, first.TransferID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	alice.conn.Set(true)
	ledger.down.Store(true)
	res, err := alice.engine.ProcessSenderSyncs(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Processed: 2, Failed: 2}, res)
	for _, e := range alice.sent(t) {
		assert.False(t, e.Synced())
	}

	ledger.down.Store(false)
	res, err = alice.engine.ProcessSenderSyncs(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Processed: 2, Succeeded: 2}, res)

	sent := alice.sent(t)
	require.Len(t, sent, 2)
	assert.Equal(t, first.TransferID, sent[0].TransferID, "journal order is preserved")
	assert.Equal(t, second.TransferID, sent[1].TransferID)
	assert.True(t, sent[0].Synced())
	assert.True(t, sent[1].Synced())

	res, err = alice.engine.ProcessSenderSyncs(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed, "synced entries are not resubmitted")
	assert.Equal(t, "15.00", alice.balance(t))
}

func TestProcessSenderSyncs_ReplayAndConflict(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, false)
	alice.fund(t, "30")

	replayed, err := alice.engine.Send(ctx, "bob@upi", dec("10"))
	require.NoError(t, err)
	conflicting, err := alice.engine.Send(ctx, "bob@upi", dec("5"))
	require.NoError(t, err)

	// The first create reached the ledger but its answer was lost.
	sent := alice.sent(t)
	_, _, err = ledger.svc.Create(ctx, service.CreateParams{
		ID: replayed.TransferID, SenderID: "alice@upi", RecipientID: "bob@upi",
		Amount: dec("10"), CreatedAt: sent[0].CreatedAt,
	})
	require.NoError(t, err)
	// Another device already used the second ID for something else.
	_, _, err = ledger.svc.Create(ctx, service.CreateParams{
		ID: conflicting.TransferID, SenderID: "alice@upi", RecipientID: "dave@upi",
		Amount: dec("1"), CreatedAt: clock.Now(),
	})
	require.NoError(t, err)

	alice.conn.Set(true)
	res, err := alice.engine.ProcessSenderSyncs(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Processed: 2, Succeeded: 1, Failed: 1}, res)

	sent = alice.sent(t)
	require.Len(t, sent, 2)
	assert.True(t, sent[0].Synced(), "a replayed create counts as logged")
	assert.False(t, sent[1].Synced(), "a taken ID is not logged")

	n, ok := alice.notices.Last(conflicting.TransferID)
	require.True(t, ok)
	assert.Equal(t, LevelError, n.Level)
	assert.Equal(t, "Transfer ID conflict", n.Title)

	rec, err := ledger.svc.Get(ctx, conflicting.TransferID)
	require.NoError(t, err)
	assert.Equal(t, "dave@upi", rec.RecipientID, "an existing record is never overwritten")

	// The foreign record ends cancelled; it must not refund alice's entry.
	_, err = ledger.svc.Cancel(ctx, conflicting.TransferID, "alice@upi")
	require.NoError(t, err)
	sres, _, err := alice.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sres.Conflicts)
	assert.Zero(t, sres.Refunded)
	assert.Equal(t, 1, sres.Pending)
	assert.Equal(t, "15.00", alice.balance(t))
	assert.Len(t, alice.sent(t), 2)
}

func TestProcessSenderSyncs_SkipsEntryWithoutRecipient(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	alice := newDevice(t, "alice@upi", mocks.NewMockLedger(ctrl), newClock(), true)

	_, err := alice.session.Sent.Append(ctx, domain.SenderEntry{TransferID: "T1", Amount: dec("1"), SenderID: "alice@upi"})
	require.NoError(t, err)

	res, err := alice.engine.ProcessSenderSyncs(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	require.Len(t, alice.sent(t), 1)
	assert.False(t, alice.sent(t)[0].Synced())
}

func TestReconcileSender(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	clock := newClock()
	alice := newDevice(t, "alice@upi", mocks.NewMockLedger(ctrl), clock, false)
	alice.fund(t, "100")

	ids := make([]string, 0, 5)
	for _, amt := range []string{"10", "20", "30", "15", "5"} {
		in, err := alice.engine.Send(ctx, "bob@upi", dec(amt))
		require.NoError(t, err)
		ids = append(ids, in.TransferID)
	}
	assert.Equal(t, "20.00", alice.balance(t))

	now := clock.Now()
	record := func(id, amt string, status domain.Status, expires time.Time) domain.TransferRecord {
		return domain.TransferRecord{ID: id, SenderID: "alice@upi", RecipientID: "bob@upi", Amount: dec(amt), Status: status, CreatedAt: now, ExpiresAt: expires}
	}
	records := []domain.TransferRecord{
		record(ids[0], "10", domain.StatusClaimed, now.Add(time.Minute)),
		record(ids[1], "20", domain.StatusCancelled, now.Add(time.Minute)),
		record(ids[2], "30", domain.StatusPending, now.Add(-time.Second)),
		record(ids[3], "15", domain.StatusPending, now.Add(time.Minute)),
		record("elsewhere", "8", domain.StatusClaimed, now.Add(time.Minute)),
	}

	res, err := alice.engine.ReconcileSender(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, SenderResult{Settled: 1, Refunded: 2, Pending: 1, Unknown: 1, AlreadySettled: 1}, res)
	assert.Equal(t, "70.00", alice.balance(t))

	left := alice.sent(t)
	require.Len(t, left, 2)
	assert.Equal(t, ids[3], left[0].TransferID)
	assert.Equal(t, ids[4], left[1].TransferID)

	res, err = alice.engine.ReconcileSender(ctx, records)
	require.NoError(t, err)
	assert.Zero(t, res.Refunded)
	assert.Equal(t, "70.00", alice.balance(t))
}

func TestCancel_RejectedByLedger(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newServiceLedger(t, clock)
	alice := newDevice(t, "alice@upi", ledger, clock, true)
	bob := newDevice(t, "bob@upi", ledger, clock, true)
	alice.fund(t, "5")

	in, err := alice.engine.Send(ctx, "bob@upi", dec("5"))
	require.NoError(t, err)

	_, err = bob.engine.Cancel(ctx, in.TransferID)
	assert.ErrorIs(t, err, domain.ErrNotSender)

	accepted, err := bob.engine.Accept(ctx, in)
	require.NoError(t, err)
	_, err = bob.engine.Claim(ctx, accepted.LocalID)
	require.NoError(t, err)

	_, err = alice.engine.Cancel(ctx, in.TransferID)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Equal(t, "0.00", alice.balance(t))
}
