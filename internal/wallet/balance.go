package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/kv"
	"github.com/shopspring/decimal"
)

var ErrInsufficientFunds = errors.New("insufficient balance")

// BalanceStore is the user's spendable balance. It never goes negative.
type BalanceStore struct {
	mu    sync.Mutex
	store kv.Store
}

// Balance returns the current balance; a user with no stored balance has zero.
func (b *BalanceStore) Balance(ctx context.Context) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx)
}

func (b *BalanceStore) Credit(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	return b.apply(ctx, amount, false)
}

// Debit fails with ErrInsufficientFunds, leaving the balance untouched,
// when amount exceeds the balance.
func (b *BalanceStore) Debit(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	return b.apply(ctx, amount, true)
}

func (b *BalanceStore) apply(ctx context.Context, amount decimal.Decimal, debit bool) (decimal.Decimal, error) {
	amount, err := domain.NormalizeAmount(amount)
	if err != nil {
		return decimal.Zero, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(amount)
	if debit {
		next = current.Sub(amount)
	}
	if next.IsNegative() {
		return current, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds,
			current.StringFixed(domain.AmountPlaces), amount.StringFixed(domain.AmountPlaces))
	}
	if err := b.store.Set(ctx, balanceKey, []byte(next.StringFixed(domain.AmountPlaces))); err != nil {
		return current, fmt.Errorf("persist balance: %w", err)
	}
	return next, nil
}

func (b *BalanceStore) load(ctx context.Context) (decimal.Decimal, error) {
	raw, err := b.store.Get(ctx, balanceKey)
	if errors.Is(err, kv.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load balance: %w", err)
	}
	v, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("stored balance %q is corrupt: %w", raw, err)
	}
	return v, nil
}
