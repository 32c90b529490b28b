// Package watcher tails the stable token's Transfer log for payments into
// predicted vault addresses.
//
// Funding normally surfaces on the deployment sweep. The watcher closes the
// gap between a payer's transfer landing and the next sweep tick by running
// the deployment check for the matching escrow as soon as the log appears.
// The check itself stays authoritative; a missed or duplicate log changes
// nothing, the sweep picks it up.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/units"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// LogSource reads chain head and event logs. Satisfied by *ethclient.Client.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// DeployChecker runs the deploy-on-funding check for one escrow.
type DeployChecker interface {
	Check(ctx context.Context, escrowID string) (*escrow.Escrow, error)
}

// Config for the funding watcher
type Config struct {
	RPCURL        string
	TokenContract common.Address
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest
	BatchSize     int    // cap on awaiting-deployment escrows scanned per tick
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
		BatchSize:    25,
	}
}

// Watcher monitors the token contract for transfers into predicted vaults
type Watcher struct {
	source  LogSource
	config  Config
	store   escrow.Store
	checker DeployChecker
	logger  *slog.Logger

	// Track transactions already handed to the checker
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// Option configures the watcher.
type Option func(*Watcher)

// WithSource sets a custom log source (useful for testing).
func WithSource(src LogSource) Option {
	return func(w *Watcher) {
		w.source = src
	}
}

// New creates a new funding watcher
func New(cfg Config, store escrow.Store, checker DeployChecker, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		config:    cfg,
		store:     store,
		checker:   checker,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.source == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		w.source = client
	}

	return w, nil
}

// Start begins watching for vault funding
func (w *Watcher) Start(ctx context.Context) error {
	// Get starting block
	if w.config.StartBlock == 0 {
		block, err := w.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("funding watcher started",
		"token", w.config.TokenContract.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.scan(ctx); err != nil {
				w.logger.Error("funding scan failed", "error", err)
			}
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	// Get current block
	currentBlock, err := w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// The watch set is whatever the deployment sweep would visit: accepted
	// escrows with a predicted vault and no code yet.
	awaiting, err := w.store.ListAwaitingDeployment(ctx, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list awaiting escrows: %w", err)
	}
	if len(awaiting) == 0 {
		w.lastBlock = currentBlock
		return nil
	}

	vaults := make(map[common.Hash]*escrow.Escrow, len(awaiting))
	toTopics := make([]common.Hash, 0, len(awaiting))
	for _, e := range awaiting {
		topic := common.BytesToHash(common.HexToAddress(e.VaultAddr).Bytes())
		vaults[topic] = e
		toTopics = append(toTopics, topic)
	}

	// Query for Transfer events into any watched vault address
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{w.config.TokenContract},
		Topics: [][]common.Hash{
			{transferEventSig}, // Transfer event
			nil,                // Any from address
			toTopics,           // Into a predicted vault
		},
	}

	logs, err := w.source.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog, vaults); err != nil {
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log, vaults map[common.Hash]*escrow.Escrow) error {
	// Topics[1] = from address (indexed)
	// Topics[2] = to address (indexed)
	// Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	rec, ok := vaults[vLog.Topics[2]]
	if !ok {
		return nil
	}

	txHash := vLog.TxHash.Hex()

	// Skip if already handed off
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If the check fails, we remove it so the next poll can retry.
	w.processed[txHash] = true
	w.mu.Unlock()

	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	amount := new(big.Int).SetBytes(vLog.Data)

	if _, err := w.checker.Check(ctx, rec.ID); err != nil {
		return fmt.Errorf("deployment check: %w", err)
	}

	w.logger.Info("vault funding observed",
		"escrow", rec.ID,
		"vault", rec.VaultAddr,
		"amount", formatAmount(amount),
		"tx", txHash,
	)

	succeeded = true
	return nil
}

func formatAmount(amount *big.Int) string {
	minor, err := units.FromChain(amount)
	if err != nil {
		return amount.String()
	}
	return units.Format(minor)
}
