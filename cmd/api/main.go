package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/coinledger/internal/api"
	"github.com/punchamoorthee/coinledger/internal/config"
	"github.com/punchamoorthee/coinledger/internal/logging"
	"github.com/punchamoorthee/coinledger/internal/service"
	"github.com/punchamoorthee/coinledger/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("unable to open ledger store", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer ledgerStore.Close()

	// Initialize Layers
	svc := service.NewTransferService(ledgerStore, service.Options{
		TTL:          cfg.TransferTTL,
		MaxClockSkew: cfg.MaxClockSkew,
	}, logger)
	handler := api.NewHandler(svc, logger)

	go svc.RunSweeper(ctx, cfg.SweepEvery)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("driver", cfg.DBDriver),
		zap.Duration("transfer_ttl", cfg.TransferTTL))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.TransferStore, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return store.OpenSQLite(cfg.SQLitePath)
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
}
