// Command sweep runs one deployment and one ledger reconciliation pass
// against the database and exits. Useful for cron-driven setups and for
// forcing a sweep out of band while the server keeps its own timers.
package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/config"
	"github.com/clearhold/clearhold/internal/deployer"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/ledgersync"
	"github.com/clearhold/clearhold/internal/logging"
	"github.com/clearhold/clearhold/internal/operator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text")

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required; a one-shot sweep needs persistent storage")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	chainClient, err := chain.New(chain.Config{
		RPCURL:        cfg.RPCURL,
		ChainID:       cfg.ChainID,
		TokenContract: cfg.TokenContract,
		VaultFactory:  cfg.VaultFactory,
	})
	if err != nil {
		logger.Error("failed to create chain client", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	signer, err := operator.New(cfg.OperatorKey, cfg.ChainID, chainClient.Raw())
	if err != nil {
		logger.Error("failed to create operator signer", "error", err)
		os.Exit(1)
	}
	relayer := operator.NewRelayer(chainClient, signer, cfg.Confirmations)

	store := escrow.NewPostgresStore(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	reconciler := deployer.New(store, chainClient, relayer, logger)
	deployer.NewTimer(reconciler, store, cfg.SweepInterval, cfg.SweepBatchSize, logger).Sweep(ctx)

	syncer := ledgersync.New(store, chainClient, cfg.DefaultFeePct, logger)
	ledgersync.NewTimer(syncer, store, cfg.SyncInterval, cfg.SweepBatchSize, logger).Sweep(ctx)

	logger.Info("sweep complete")
}
