package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/punchamoorthee/coinledger/internal/client"
	"github.com/punchamoorthee/coinledger/internal/config"
	"github.com/punchamoorthee/coinledger/internal/connectivity"
	"github.com/punchamoorthee/coinledger/internal/domain"
	"github.com/punchamoorthee/coinledger/internal/kv"
	"github.com/punchamoorthee/coinledger/internal/logging"
	"github.com/punchamoorthee/coinledger/internal/reconcile"
	"github.com/punchamoorthee/coinledger/internal/wallet"
	"go.uber.org/zap"
)

const usage = `usage: wallet [-user ID] <command> [args]

commands:
  fund <amount>             add coins to the local balance
  send <recipient> <amount> debit and print the transfer QR payload
  scan <payload>            accept a scanned QR payload ("-" reads stdin)
  claim <local-id|all>      claim one scanned transfer or all of them
  cancel <transfer-id>      cancel a pending transfer you sent
  sync                      push pending work and reconcile with the ledger
  status                    show balance and journals
  dismiss <local-id>        drop a receiver entry
  sweep                     drop stale receiver entries
  watch                     stay running and sync whenever the ledger is reachable
`

func main() {
	user := flag.String("user", "", "signed-in user id (WALLET_USER_ID)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadWallet()
	if err != nil {
		log.Fatal(err)
	}
	if *user != "" {
		cfg.UserID = *user
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("unable to open wallet", zap.Error(err))
	}
	defer app.close()

	if err := app.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		app.close()
		os.Exit(1)
	}
}

type app struct {
	engine *reconcile.Engine
	prober *connectivity.Prober
	store  kv.Store
	logger *zap.Logger
}

func open(ctx context.Context, cfg *config.WalletConfig, logger *zap.Logger) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	session, err := wallet.NewSession(cfg.UserID, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	ledger := client.New(cfg.LedgerURL, cfg.RequestTimeout, logger)
	conn := connectivity.NewSignal(false)
	prober := connectivity.NewProber(conn, ledger, cfg.ProbeInterval, logger)
	engine := reconcile.New(session, ledger, conn, reconcile.NewLogNotifier(logger), logger, reconcile.Options{
		ItemDelay:         cfg.ItemDelay,
		ReconcileInterval: cfg.ReconcileInterval,
		StaleAfter:        cfg.StaleAfter,
	})
	return &app{engine: engine, prober: prober, store: store, logger: logger}, nil
}

func openStore(ctx context.Context, cfg *config.WalletConfig) (kv.Store, error) {
	var (
		store kv.Store
		err   error
	)
	switch cfg.Store {
	case config.StoreMemory:
		store = kv.NewMemoryStore()
	case config.StoreRedis:
		store, err = kv.OpenRedis(ctx, cfg.RedisURL, "wallet")
	default:
		store, err = kv.OpenPebble(filepath.Join(cfg.DataDir, "db"))
	}
	if err != nil {
		return nil, err
	}
	if cfg.EncryptionKey == "" {
		return store, nil
	}
	sealed, err := kv.NewSealed(store, []byte(cfg.EncryptionKey))
	if err != nil {
		store.Close()
		return nil, err
	}
	return sealed, nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil && !errors.Is(err, kv.ErrClosed) {
		a.logger.Warn("failed to close wallet store", zap.Error(err))
	}
	a.store = nil
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	session := a.engine.Session()

	switch cmd {
	case "fund":
		if len(args) != 1 {
			return errors.New("fund <amount>")
		}
		amount, err := domain.ParseAmount(args[0])
		if err != nil {
			return err
		}
		bal, err := session.Balance.Credit(ctx, amount)
		if err != nil {
			return err
		}
		fmt.Printf("balance: %s\n", bal.StringFixed(domain.AmountPlaces))

	case "send":
		if len(args) != 2 {
			return errors.New("send <recipient> <amount>")
		}
		amount, err := domain.ParseAmount(args[1])
		if err != nil {
			return err
		}
		a.prober.Probe(ctx)
		in, err := a.engine.Send(ctx, args[0], amount)
		if err != nil {
			return err
		}
		payload, err := in.Encode()
		if err != nil {
			return err
		}
		fmt.Println(string(payload))

	case "scan":
		if len(args) != 1 {
			return errors.New("scan <payload>")
		}
		raw := []byte(strings.TrimSpace(args[0]))
		if args[0] == "-" {
			var err error
			if raw, err = io.ReadAll(os.Stdin); err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
		}
		in, err := domain.DecodeIntent(raw)
		if err != nil {
			return err
		}
		entry, err := a.engine.Accept(ctx, in)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", entry.LocalID, entry.TransferID, entry.Status)

	case "claim":
		if len(args) != 1 {
			return errors.New("claim <local-id|all>")
		}
		a.prober.Probe(ctx)
		if args[0] == "all" {
			res, err := a.engine.ProcessReceiverClaims(ctx)
			if err != nil {
				return err
			}
			if res.Skipped {
				return claimAllOffline(ctx, a.engine)
			}
			fmt.Printf("claimed %d of %d\n", res.Succeeded, res.Processed)
			return nil
		}
		entry, err := a.engine.Claim(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", entry.LocalID, entry.Status, entry.LastMessage)

	case "cancel":
		if len(args) != 1 {
			return errors.New("cancel <transfer-id>")
		}
		a.prober.Probe(ctx)
		rec, err := a.engine.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", rec.ID, rec.Status)

	case "sync":
		if !a.prober.Probe(ctx) {
			return errors.New("ledger is not reachable")
		}
		if err := a.engine.SyncAll(ctx); err != nil {
			return err
		}
		swept, err := a.engine.SweepStale(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("synced; swept %d stale entries\n", swept)

	case "status":
		return printStatus(ctx, a.engine)

	case "dismiss":
		if len(args) != 1 {
			return errors.New("dismiss <local-id>")
		}
		return a.engine.Dismiss(ctx, args[0])

	case "sweep":
		n, err := a.engine.SweepStale(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("swept %d entries\n", n)

	case "watch":
		go a.prober.Run(ctx)
		a.logger.Info("watching", zap.String("user_id", session.UserID))
		a.engine.Run(ctx)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// claimAllOffline credits every claimable entry locally so the claims sync later.
func claimAllOffline(ctx context.Context, engine *reconcile.Engine) error {
	entries, err := engine.Session().Received.List(ctx)
	if err != nil {
		return err
	}
	credited := 0
	for _, e := range entries {
		if !e.Status.Claimable() {
			continue
		}
		updated, err := engine.Claim(ctx, e.LocalID)
		if err != nil {
			return err
		}
		if updated.Status == domain.ReceiverCreditedPendingSync {
			credited++
		}
	}
	fmt.Printf("offline: %d entries credited locally, pending sync\n", credited)
	return nil
}

func printStatus(ctx context.Context, engine *reconcile.Engine) error {
	session := engine.Session()
	bal, err := session.Balance.Balance(ctx)
	if err != nil {
		return err
	}
	pending, err := engine.PendingReceived(ctx)
	if err != nil {
		return err
	}
	sent, err := session.Sent.List(ctx)
	if err != nil {
		return err
	}
	received, err := session.Received.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "user\t%s\n", session.UserID)
	fmt.Fprintf(w, "balance\t%s\n", bal.StringFixed(domain.AmountPlaces))
	fmt.Fprintf(w, "pending received\t%s\n", pending.StringFixed(domain.AmountPlaces))

	fmt.Fprintln(w, "\nSENT\tTO\tAMOUNT\tSYNCED")
	for _, e := range sent {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", e.TransferID, e.RecipientID, e.Amount.StringFixed(domain.AmountPlaces), e.Synced())
	}
	fmt.Fprintln(w, "\nRECEIVED\tTRANSFER\tAMOUNT\tSTATUS\tMESSAGE")
	for _, e := range received {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.LocalID, e.TransferID, e.Amount.StringFixed(domain.AmountPlaces), e.Status, e.LastMessage)
	}
	return nil
}
