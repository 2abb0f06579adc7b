// Package reconcile drives a wallet session's journals toward the ledger's
// authoritative outcome.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/metrics"
	"github.com/punchamoorthee/coinledger/internal/wallet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultItemDelay         = 500 * time.Millisecond
	DefaultReconcileInterval = time.Minute
)

var (
	ErrOffline        = errors.New("ledger is not reachable")
	ErrNotDismissible = errors.New("entry cannot be dismissed yet")
)

// Connectivity is the online flag the engine consults before any ledger call.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan struct{}, func())
}

type Options struct {
	// ItemDelay spaces ledger calls within one pass.
	ItemDelay         time.Duration
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
	Now               func() time.Time
	NewTransferID     func() string
	NewLocalID        func() string
}

func (o *Options) setDefaults() {
	if o.ItemDelay <= 0 {
		o.ItemDelay = DefaultItemDelay
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = DefaultReconcileInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = wallet.DefaultStaleAfter
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewTransferID == nil {
		o.NewTransferID = func() string { return ulid.Make().String() }
	}
	if o.NewLocalID == nil {
		o.NewLocalID = uuid.NewString
	}
}

// PassResult summarizes one claim or sender-sync pass.
type PassResult struct {
	Skipped   bool
	Processed int
	Succeeded int
	Failed    int
}

// Engine owns every balance-changing decision for one session. Local
// effects are applied and persisted under balanceMu; ledger calls happen
// outside it.
type Engine struct {
	session  *wallet.Session
	ledger   Ledger
	conn     Connectivity
	notifier Notifier
	logger   *zap.Logger
	opts     Options

	balanceMu sync.Mutex

	claiming    atomic.Bool
	syncing     atomic.Bool
	reconciling atomic.Bool
}

func New(session *wallet.Session, ledger Ledger, conn Connectivity, notifier Notifier, logger *zap.Logger, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		session:  session,
		ledger:   ledger,
		conn:     conn,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "reconcile"), zap.String("user_id", session.UserID)),
		opts:     opts,
	}
}

func (e *Engine) Session() *wallet.Session {
	return e.session
}

func (e *Engine) notify(ctx context.Context, level Level, transferID, localID, title, msg string) {
	e.notifier.Notify(ctx, Notice{
		Level:      level,
		Title:      title,
		Message:    msg,
		TransferID: transferID,
		LocalID:    localID,
		At:         e.opts.Now(),
	})
}

func (e *Engine) pacer() *rate.Limiter {
	return rate.NewLimiter(rate.Every(e.opts.ItemDelay), 1)
}

// Reconcile fetches the user's ledger records once and runs sender then
// receiver reconciliation against them. It is a no-op while offline or
// while another Reconcile is running.
func (e *Engine) Reconcile(ctx context.Context) (SenderResult, ReceiverResult, error) {
	if !e.conn.Online() || !e.reconciling.CompareAndSwap(false, true) {
		return SenderResult{}, ReceiverResult{}, nil
	}
	defer e.reconciling.Store(false)
	metrics.ReconcilePasses.WithLabelValues("reconcile").Inc()

	records, err := e.ledger.ListTransfersForUser(ctx, e.session.UserID)
	if err != nil {
		return SenderResult{}, ReceiverResult{}, err
	}
	sres, serr := e.ReconcileSender(ctx, records)
	rres, rerr := e.ReconcileReceiver(ctx, records)
	return sres, rres, errors.Join(serr, rerr)
}

// SyncAll runs the claim and sender-sync passes concurrently, then reconciles.
func (e *Engine) SyncAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.ProcessReceiverClaims(gctx)
		return err
	})
	g.Go(func() error {
		_, err := e.ProcessSenderSyncs(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	_, _, err := e.Reconcile(ctx)
	return err
}

// Run syncs when started online, on every online edge, and periodically
// while online, until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	edges, release := e.conn.Subscribe()
	defer release()

	ticker := time.NewTicker(e.opts.ReconcileInterval)
	defer ticker.Stop()

	syncNow := func(trigger string) {
		if !e.conn.Online() {
			return
		}
		if err := e.SyncAll(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("sync failed", zap.String("trigger", trigger), zap.Error(err))
		}
	}

	syncNow("start")
	for {
		select {
		case <-ctx.Done():
			return
		case <-edges:
			e.logger.Info("back online, syncing")
			syncNow("online")
		case <-ticker.C:
			syncNow("interval")
		}
	}
}

func indexRecords(records []domain.TransferRecord) map[string]domain.TransferRecord {
	byID := make(map[string]domain.TransferRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return byID
}
