package ledgersync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
)

// Timer periodically re-syncs stale escrow records from the chain.
type Timer struct {
	syncer    *Syncer
	store     escrow.Store
	interval  time.Duration
	staleness time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

func NewTimer(syncer *Syncer, store escrow.Store, interval time.Duration, batchSize int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Timer{
		syncer:    syncer,
		store:     store,
		interval:  interval,
		staleness: interval,
		batchSize: batchSize,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sync loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sync loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in ledger sync sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over stale records. Exported for the one-shot CLI.
func (t *Timer) Sweep(ctx context.Context) {
	stale, err := t.store.ListUnsynced(ctx, time.Now().Add(-t.staleness), t.batchSize)
	if err != nil {
		t.logger.Warn("listing stale escrows", "error", err)
		return
	}
	for _, e := range stale {
		if ctx.Err() != nil {
			return
		}
		if _, err := t.syncer.Sync(ctx, e.ID); err != nil {
			t.logger.Warn("ledger sync failed",
				"escrow_id", e.ID, "vault", e.VaultAddr, "error", err)
		}
	}
}
