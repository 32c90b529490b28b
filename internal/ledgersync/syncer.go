// Package ledgersync reconciles escrow records against chain state.
// The vault contract is custody truth; the record is a cache to be
// corrected, never the other way around.
//
// The syncer re-reads vault balances and resolution flags, settles
// records stuck in pending_release, and upgrades estimated distribution
// amounts to verified ones by scanning the actual token transfers in
// the resolving receipt.
package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/retry"
	"github.com/clearhold/clearhold/internal/traces"
	"github.com/clearhold/clearhold/internal/units"
)

// ChainReader is the read-only chain surface the syncer needs.
type ChainReader interface {
	CodeExists(ctx context.Context, addr common.Address) (bool, error)
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	VaultFlags(ctx context.Context, vault common.Address) (released, refunded bool, err error)
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransfersFrom(receipt *types.Receipt, from common.Address) []chain.TokenTransfer
}

// Syncer reconciles one escrow at a time against the chain.
type Syncer struct {
	store  escrow.Store
	chain  ChainReader
	logger *slog.Logger
	feePct float64
}

func New(store escrow.Store, chainReader ChainReader, feePct float64, logger *slog.Logger) *Syncer {
	return &Syncer{store: store, chain: chainReader, feePct: feePct, logger: logger}
}

// Sync refreshes one escrow from chain state and persists any drift it
// finds. It returns the corrected record.
func (s *Syncer) Sync(ctx context.Context, id string) (*escrow.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "ledgersync.sync", traces.EscrowID(id))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.VaultAddr == "" {
		return e, nil
	}
	vault := common.HexToAddress(e.VaultAddr)
	prev := e.Status

	// Transient RPC failures are retried before the record is given up
	// on for this pass.
	var balance *big.Int
	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var rerr error
		balance, rerr = s.chain.TokenBalance(ctx, vault)
		return rerr
	})
	if err != nil {
		return e, fmt.Errorf("reading vault balance: %w", err)
	}
	balanceMinor, err := units.FromChain(balance)
	if err != nil {
		return e, fmt.Errorf("converting vault balance: %w", err)
	}
	e.VaultBalanceMinor = balanceMinor

	hasCode := e.Deployed
	if !hasCode {
		err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			var rerr error
			hasCode, rerr = s.chain.CodeExists(ctx, vault)
			return rerr
		})
		if err != nil {
			return e, fmt.Errorf("reading vault code: %w", err)
		}
		e.Deployed = hasCode
	}

	if hasCode {
		var released, refunded bool
		err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			var rerr error
			released, refunded, rerr = s.chain.VaultFlags(ctx, vault)
			return rerr
		})
		if err != nil {
			return e, fmt.Errorf("reading vault flags: %w", err)
		}
		s.applyFlags(e, released, refunded)
	}

	if e.Status.Terminal() && !e.AmountsVerified {
		s.verifyAmounts(ctx, e, vault)
	}

	now := time.Now()
	e.LastSyncedAt = &now
	e.ChainVerifiedAt = &now

	if err := s.store.Update(ctx, e, prev); err != nil {
		if errors.Is(err, escrow.ErrStaleStatus) {
			metrics.StaleWritesTotal.Inc()
			return s.store.Get(ctx, e.ID)
		}
		return e, err
	}
	if e.Status != prev {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Status)).Inc()
		s.logger.Info("escrow corrected from chain state",
			"escrow_id", e.ID, "from", prev, "to", e.Status)
	}
	return e, nil
}

// applyFlags folds the vault's resolution flags into the record. Only
// non-terminal records move; a record already terminal keeps its status
// even if the flags disagree, since that disagreement is worth human
// eyes, not an automatic rewrite.
func (s *Syncer) applyFlags(e *escrow.Escrow, released, refunded bool) {
	if e.Status.Terminal() {
		if (released && e.Status == escrow.StatusRefunded) ||
			(refunded && e.Status == escrow.StatusReleased) {
			s.logger.Error("vault flags contradict terminal record",
				"escrow_id", e.ID, "status", e.Status,
				"chain_released", released, "chain_refunded", refunded)
			e.SetError("chain flags contradict recorded resolution")
		}
		return
	}

	switch {
	case released:
		if e.Settlement != nil && e.Settlement.Accepted {
			e.Status = escrow.StatusSettled
		} else {
			e.Status = escrow.StatusReleased
		}
		e.ClearError()
	case refunded:
		e.Status = escrow.StatusRefunded
		e.ClearError()
	default:
		// Vault still holds. A record stuck in pending_release whose tx
		// never landed drops back to funded so the parties can retry.
		if e.Status == escrow.StatusPendingRelease && e.VaultBalanceMinor > 0 {
			e.Status = escrow.StatusFunded
			e.SetError("release never confirmed on chain")
		}
		if e.Status == escrow.StatusDeployed && e.VaultBalanceMinor > 0 {
			e.Status = escrow.StatusFunded
		}
	}
}

// verifyAmounts replaces estimated distribution amounts with the sums
// actually observed in the resolving transaction's transfer events.
func (s *Syncer) verifyAmounts(ctx context.Context, e *escrow.Escrow, vault common.Address) {
	txHash := e.ReleaseTx
	if e.Status == escrow.StatusRefunded {
		txHash = e.RefundTx
	}
	if txHash == "" {
		s.estimateAmounts(e)
		return
	}

	receipt, err := s.chain.Receipt(ctx, common.HexToHash(txHash))
	if err != nil {
		// Receipt may be pruned or the node lagging. Leave the estimate
		// flagged; a later sync retries.
		s.logger.Warn("receipt unavailable for amount verification",
			"escrow_id", e.ID, "tx", txHash, "error", err)
		s.estimateAmounts(e)
		return
	}

	transfers := s.chain.TransfersFrom(receipt, vault)
	if len(transfers) == 0 {
		s.estimateAmounts(e)
		return
	}

	var toRecipient, toPayer, toFee, total int64
	recipientW := strings.ToLower(e.RecipientWallet)
	payerW := strings.ToLower(e.PayerWallet)
	feeW := strings.ToLower(e.FeeSplitAddr)
	for _, tr := range transfers {
		minor, err := units.FromChain(tr.Amount)
		if err != nil {
			s.logger.Warn("transfer amount out of range", "escrow_id", e.ID, "tx", txHash)
			continue
		}
		total += minor
		switch strings.ToLower(tr.To.Hex()) {
		case recipientW:
			toRecipient += minor
		case payerW:
			toPayer += minor
		case feeW:
			toFee += minor
		}
	}

	switch e.Status {
	case escrow.StatusReleased, escrow.StatusSettled:
		e.ReleasedMinor = toRecipient + toFee
	case escrow.StatusRefunded:
		e.ReleasedMinor = e.TotalMinor - toPayer
	}
	if e.ReleasedMinor > e.TotalMinor {
		e.ReleasedMinor = e.TotalMinor
	}
	e.RemainingMinor = e.TotalMinor - e.ReleasedMinor
	e.AmountsVerified = true
	s.logger.Info("distribution amounts verified from chain",
		"escrow_id", e.ID, "tx", txHash,
		"recipient", units.Format(toRecipient),
		"fee", units.Format(toFee),
		"payer", units.Format(toPayer),
		"total_out", units.Format(total))
}

// estimateAmounts fills distribution fields from the fee schedule when
// no transfer evidence is available yet. The record keeps advertising
// the amounts as unverified.
func (s *Syncer) estimateAmounts(e *escrow.Escrow) {
	switch e.Status {
	case escrow.StatusReleased, escrow.StatusSettled:
		if e.ReleasedMinor == 0 {
			e.ReleasedMinor = e.TotalMinor
		}
	case escrow.StatusRefunded:
		e.ReleasedMinor = 0
	}
	e.RemainingMinor = e.TotalMinor - e.ReleasedMinor
	s.logger.Debug("distribution amounts estimated, awaiting transfer evidence",
		"escrow_id", e.ID,
		"fee_estimate", units.Format(units.MulPct(e.ReleasedMinor, s.feePct)))
}
