package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/kv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, user string) *Session {
	t.Helper()
	s, err := NewSession(user, kv.NewMemoryStore())
	require.NoError(t, err)
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewSession_RequiresUser(t *testing.T) {
	_, err := NewSession("  ", kv.NewMemoryStore())
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestSession_IsolatesUsers(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	alice, err := NewSession("alice@upi", store)
	require.NoError(t, err)
	bob, err := NewSession("bob@upi", store)
	require.NoError(t, err)

	_, err = alice.Balance.Credit(ctx, dec("10"))
	require.NoError(t, err)

	got, err := bob.Balance.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
	assert.True(t, alice.Owns("ALICE@upi"))
	assert.False(t, alice.Owns("bob@upi"))
}

func TestBalance_NeverNegative(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "alice")

	bal, err := s.Balance.Credit(ctx, dec("30.005"))
	require.NoError(t, err)
	assert.Equal(t, "30.01", bal.StringFixed(2))

	_, err = s.Balance.Debit(ctx, dec("30.02"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err = s.Balance.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "30.01", bal.StringFixed(2), "a failed debit leaves the balance unchanged")

	bal, err = s.Balance.Debit(ctx, dec("30.01"))
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	_, err = s.Balance.Credit(ctx, dec("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestBalance_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "alice")
	_, err := s.Balance.Credit(ctx, dec("10"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Balance.Debit(ctx, dec("1")); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	bal, err := s.Balance.Balance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestSenderJournal(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "alice")
	e1 := domain.SenderEntry{TransferID: "T1", Amount: dec("5"), SenderID: "alice", RecipientID: "bob"}
	e2 := domain.SenderEntry{TransferID: "T2", Amount: dec("7"), SenderID: "alice", RecipientID: "carol"}

	added, err := s.Sent.Append(ctx, e1)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.Sent.Append(ctx, e1)
	require.NoError(t, err)
	assert.False(t, added)
	_, err = s.Sent.Append(ctx, e2)
	require.NoError(t, err)

	list, err := s.Sent.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "T1", list[0].TransferID)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Sent.MarkSynced(ctx, "T1", at))
	require.NoError(t, s.Sent.MarkSynced(ctx, "missing", at))
	list, err = s.Sent.List(ctx)
	require.NoError(t, err)
	assert.True(t, list[0].Synced())
	assert.True(t, list[0].SyncedAt.Equal(at))
	assert.False(t, list[1].Synced())

	require.NoError(t, s.Sent.Remove(ctx, "T1"))
	require.NoError(t, s.Sent.Remove(ctx, "missing"))
	list, err = s.Sent.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "T2", list[0].TransferID)
}

func TestReceiverJournal_AddDeduplicatesTransfers(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "bob")
	e := domain.ReceiverEntry{LocalID: "L1", TransferID: "T1", Amount: dec("5"), Status: domain.ReceiverAwaitingClaim}

	_, added, err := s.Received.Add(ctx, e)
	require.NoError(t, err)
	assert.True(t, added)

	dup := e
	dup.LocalID = "L2"
	dup.TransferID = "t1"
	got, added, err := s.Received.Add(ctx, dup)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, "L1", got.LocalID)

	for _, status := range []domain.ReceiverStatus{domain.ReceiverConfirmedWithServer, domain.ReceiverRejectedAndReverted} {
		_, err = s.Received.SetStatus(ctx, "L1", status, "")
		require.NoError(t, err)
		got, added, err = s.Received.Add(ctx, dup)
		require.NoError(t, err)
		assert.False(t, added, status)
		assert.Equal(t, "L1", got.LocalID)
	}
}

func TestReceiverJournal_SettledMarksOutliveEntries(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "bob")
	e := domain.ReceiverEntry{LocalID: "L1", TransferID: "T1", Amount: dec("5"), Status: domain.ReceiverAwaitingClaim}

	_, _, err := s.Received.Add(ctx, e)
	require.NoError(t, err)

	owner, err := s.Received.Settle(ctx, "T1", "L1")
	require.NoError(t, err)
	assert.Equal(t, "L1", owner)
	owner, err = s.Received.Settle(ctx, "t1", "L9")
	require.NoError(t, err)
	assert.Equal(t, "L1", owner, "the first entry keeps the mark")

	require.NoError(t, s.Received.Remove(ctx, "L1"))
	_, err = s.Received.RemoveWhere(ctx, func(domain.ReceiverEntry) bool { return true })
	require.NoError(t, err)

	owner, ok, err := s.Received.SettledBy(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "L1", owner)

	again := e
	again.LocalID = "L2"
	_, added, err := s.Received.Add(ctx, again)
	assert.ErrorIs(t, err, ErrTransferSettled)
	assert.False(t, added)

	_, added, err = s.Received.Add(ctx, domain.ReceiverEntry{LocalID: "L3", TransferID: "T2", Amount: dec("1"), Status: domain.ReceiverAwaitingClaim})
	require.NoError(t, err)
	assert.True(t, added, "unsettled transfers are unaffected")
}

func TestReceiverJournal_Update(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "bob")
	_, _, err := s.Received.Add(ctx, domain.ReceiverEntry{LocalID: "L1", TransferID: "T1", Amount: dec("5"), Status: domain.ReceiverAwaitingClaim})
	require.NoError(t, err)

	got, err := s.Received.SetStatus(ctx, "L1", domain.ReceiverCreditedPendingSync, "credited offline")
	require.NoError(t, err)
	assert.Equal(t, domain.ReceiverCreditedPendingSync, got.Status)

	stored, err := s.Received.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "credited offline", stored.LastMessage)

	_, err = s.Received.SetStatus(ctx, "nope", domain.ReceiverClaimFailed, "")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = s.Received.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestReceiverJournal_PendingReceived(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "bob")
	statuses := map[string]domain.ReceiverStatus{
		"L1": domain.ReceiverAwaitingClaim,
		"L2": domain.ReceiverClaimFailed,
		"L3": domain.ReceiverCreditedPendingSync,
		"L4": domain.ReceiverConfirmedWithServer,
		"L5": domain.ReceiverRejectedAndReverted,
		"L6": domain.ReceiverCriticalReversalFailed,
	}
	for id, st := range statuses {
		_, _, err := s.Received.Add(ctx, domain.ReceiverEntry{LocalID: id, TransferID: "T" + id, Amount: dec("1.25"), Status: st})
		require.NoError(t, err)
	}

	total, err := s.Received.PendingReceived(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3.75", total.StringFixed(2))
}

func TestDismissibleAndSweepable(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)
	old := now.Add(-49 * time.Hour)

	tests := []struct {
		status        domain.ReceiverStatus
		added         time.Time
		verified      bool
		wantDismiss   bool
		wantSweepable bool
	}{
		{domain.ReceiverAwaitingClaim, fresh, false, false, false},
		{domain.ReceiverAwaitingClaim, old, false, true, true},
		{domain.ReceiverClaimFailed, old, false, true, true},
		{domain.ReceiverCreditedPendingSync, fresh, false, false, false},
		{domain.ReceiverCreditedPendingSync, old, false, true, false},
		{domain.ReceiverCriticalReversalFailed, fresh, false, true, false},
		{domain.ReceiverCriticalReversalFailed, old, false, true, false},
		{domain.ReceiverConfirmedWithServer, fresh, true, true, false},
		{domain.ReceiverConfirmedWithServer, old, false, true, false},
		{domain.ReceiverConfirmedWithServer, old, true, true, true},
		{domain.ReceiverRejectedAndReverted, old, false, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			e := domain.ReceiverEntry{Status: tt.status, AddedAt: tt.added, Verified: tt.verified}
			assert.Equal(t, tt.wantDismiss, Dismissible(e, now, DefaultStaleAfter))
			assert.Equal(t, tt.wantSweepable, Sweepable(e, now, DefaultStaleAfter))
		})
	}
}

func TestReceiverJournal_RemoveWhere(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, "bob")
	for _, id := range []string{"L1", "L2", "L3"} {
		_, _, err := s.Received.Add(ctx, domain.ReceiverEntry{LocalID: id, TransferID: "T" + id, Amount: dec("1"), Status: domain.ReceiverAwaitingClaim})
		require.NoError(t, err)
	}

	removed, err := s.Received.RemoveWhere(ctx, func(e domain.ReceiverEntry) bool { return e.LocalID != "L2" })
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	list, err := s.Received.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "L2", list[0].LocalID)
}
