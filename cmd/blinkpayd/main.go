// blinkpayd is the settlement daemon: it serves the execute and receipt
// endpoints, runs the stale-run reaper and the payout worker, and settles
// payments against Solana.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"

	blinkpay "github.com/blinkbazaar/blinkpay"
	"github.com/blinkbazaar/blinkpay/httpapi"
	"github.com/blinkbazaar/blinkpay/internal/env"
	"github.com/blinkbazaar/blinkpay/mechanisms/svm"
	"github.com/blinkbazaar/blinkpay/store/postgres"
	"github.com/blinkbazaar/blinkpay/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("BLINKPAY_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("BLINKPAY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	cfg, err := settlementConfigFromEnv()
	if err != nil {
		logger.Error("invalid settlement config", "error", err)
		os.Exit(2)
	}

	vaultKey := env.String("BLINKPAY_VAULT_KEY", "")
	if vaultKey == "" {
		logger.Error("missing vault key", "env", "BLINKPAY_VAULT_KEY")
		os.Exit(2)
	}
	credVault, err := vault.NewFromBase64(vaultKey)
	if err != nil {
		logger.Error("invalid vault key", "error", err)
		os.Exit(2)
	}

	network := env.String("BLINKPAY_SOLANA_NETWORK", svm.SolanaMainnetCAIP2)
	rpcURL := env.String("BLINKPAY_SOLANA_RPC_URL", svm.RPCURLForNetwork(network))
	rpcClient := rpc.New(rpcURL)
	verifier := svm.NewVerifier(rpcClient)
	sender := svm.NewPayoutSender(rpcClient)

	var (
		runs     blinkpay.RunStore
		blinks   blinkpay.BlinkStore
		creators blinkpay.CreatorStore
		receipts blinkpay.ReceiptStore
		locks    blinkpay.LockManager
	)
	if env.String("DATABASE_URL", "") != "" {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		store := postgres.NewStore(db)
		runs, blinks, creators, receipts = store, store, store, store
		locks = postgres.NewLockManager(store)
		logger.Info("using postgres store")
	} else {
		store := blinkpay.NewMemoryStore()
		runs, blinks, creators, receipts = store, store, store, store
		locks = blinkpay.NewMemoryLockManager()
		logger.Warn("DATABASE_URL not set, using in-memory store; runs will not survive restart")
	}

	receiptSvc := blinkpay.NewReceiptService(receipts)
	queue := blinkpay.NewPayoutQueue(
		blinkpay.NewPayoutExecutor(credVault, sender),
		runs, blinks, creators, cfg, logger)
	queue.Start(ctx)

	settler := blinkpay.NewSettler(cfg, runs, blinks, creators,
		receiptSvc, verifier, blinkpay.NewTargetInvoker(cfg.InvokeTimeout),
		blinkpay.WithLockManager(locks),
		blinkpay.WithPayoutQueue(queue),
		blinkpay.WithLogger(logger))

	reaper := blinkpay.NewReaper(cfg, runs, logger)
	go reaper.Run(ctx)

	opts := []httpapi.Option{httpapi.WithLogger(logger)}
	if adminToken := env.String("BLINKPAY_ADMIN_TOKEN", ""); adminToken != "" {
		opts = append(opts, httpapi.WithLockAdmin(locks, adminToken))
	}
	server := httpapi.NewServer(settler, blinks, receiptSvc, opts...)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "network", network)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
		queue.Wait()
	}
}

func settlementConfigFromEnv() (blinkpay.Config, error) {
	cfg := blinkpay.DefaultConfig()

	var err error
	if cfg.LockTTL, err = env.Duration("BLINKPAY_LOCK_TTL", cfg.LockTTL); err != nil {
		return cfg, err
	}
	if cfg.PendingDeadline, err = env.Duration("BLINKPAY_PENDING_DEADLINE", cfg.PendingDeadline); err != nil {
		return cfg, err
	}
	if cfg.ReapInterval, err = env.Duration("BLINKPAY_REAP_INTERVAL", cfg.ReapInterval); err != nil {
		return cfg, err
	}
	if cfg.InvokeTimeout, err = env.Duration("BLINKPAY_INVOKE_TIMEOUT", cfg.InvokeTimeout); err != nil {
		return cfg, err
	}
	if cfg.PayoutMaxAttempts, err = env.Int("BLINKPAY_PAYOUT_MAX_ATTEMPTS", cfg.PayoutMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.PayoutBaseBackoff, err = env.Duration("BLINKPAY_PAYOUT_BASE_BACKOFF", cfg.PayoutBaseBackoff); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
