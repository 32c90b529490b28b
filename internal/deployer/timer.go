package deployer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
)

// Timer periodically sweeps accepted escrows for funding arrivals.
type Timer struct {
	reconciler *Reconciler
	store      escrow.Store
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

func NewTimer(reconciler *Reconciler, store escrow.Store, interval time.Duration, batchSize int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Timer{
		reconciler: reconciler,
		store:      store,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.logger.Error("panic in deployment sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over escrows awaiting deployment. Exported so the
// one-shot CLI can reuse it.
func (t *Timer) Sweep(ctx context.Context) {
	pending, err := t.store.ListAwaitingDeployment(ctx, t.batchSize)
	if err != nil {
		t.logger.Warn("listing escrows awaiting deployment", "error", err)
		return
	}
	for _, e := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := t.reconciler.Check(ctx, e.ID); err != nil {
			t.logger.Warn("deployment check failed",
				"escrow_id", e.ID, "vault", e.VaultAddr, "error", err)
		}
	}
}
