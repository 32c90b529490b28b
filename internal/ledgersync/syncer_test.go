package ledgersync

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/units"
)

const (
	vaultHex    = "0x1111111111111111111111111111111111111111"
	feeSplitHex = "0x2222222222222222222222222222222222222222"
	payerWallet = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	recipWallet = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeChain struct {
	balance    *big.Int
	hasCode    bool
	released   bool
	refunded   bool
	receiptErr error
	transfers  []chain.TokenTransfer
}

func (f *fakeChain) CodeExists(_ context.Context, _ common.Address) (bool, error) {
	return f.hasCode, nil
}

func (f *fakeChain) TokenBalance(_ context.Context, _ common.Address) (*big.Int, error) {
	if f.balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) VaultFlags(_ context.Context, _ common.Address) (bool, bool, error) {
	return f.released, f.refunded, nil
}

func (f *fakeChain) Receipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeChain) TransfersFrom(_ *types.Receipt, _ common.Address) []chain.TokenTransfer {
	return f.transfers
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seed(t *testing.T, store escrow.Store, status escrow.Status, mutate func(*escrow.Escrow)) *escrow.Escrow {
	t.Helper()
	e := &escrow.Escrow{
		ID:              "esc_sync1",
		Payer:           "agent_alice",
		Recipient:       "agent_bob",
		TotalMinor:      100_000000,
		RemainingMinor:  100_000000,
		VaultAddr:       vaultHex,
		FeeSplitAddr:    feeSplitHex,
		PayerWallet:     payerWallet,
		RecipientWallet: recipWallet,
		Deployed:        true,
		Status:          status,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if mutate != nil {
		mutate(e)
	}
	if err := store.Create(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestSyncRefreshesBalance(t *testing.T) {
	store := escrow.NewMemoryStore()
	fc := &fakeChain{hasCode: true, balance: units.ToChain(100_000000)}
	s := New(store, fc, 1.99, testLogger())
	e := seed(t, store, escrow.StatusDeployed, nil)

	got, err := s.Sync(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.VaultBalanceMinor != 100_000000 {
		t.Errorf("expected refreshed balance, got %d", got.VaultBalanceMinor)
	}
	if got.Status != escrow.StatusFunded {
		t.Errorf("deployed vault with balance should be funded, got %s", got.Status)
	}
	if got.LastSyncedAt == nil {
		t.Error("expected sync cursor advanced")
	}
}

func TestSyncResolvesReleasedFlag(t *testing.T) {
	store := escrow.NewMemoryStore()
	fc := &fakeChain{
		hasCode:  true,
		released: true,
		transfers: []chain.TokenTransfer{
			{To: common.HexToAddress(recipWallet), Amount: units.ToChain(98_010000)},
			{To: common.HexToAddress(feeSplitHex), Amount: units.ToChain(1_990000)},
		},
	}
	s := New(store, fc, 1.99, testLogger())
	e := seed(t, store, escrow.StatusPendingRelease, func(e *escrow.Escrow) {
		e.ReleaseTx = "0xreleasetx"
	})

	got, err := s.Sync(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != escrow.StatusReleased {
		t.Errorf("expected released, got %s", got.Status)
	}
	if !got.AmountsVerified {
		t.Error("expected amounts verified from transfers")
	}
	if got.ReleasedMinor != 100_000000 {
		t.Errorf("expected full release recorded, got %d", got.ReleasedMinor)
	}
	if got.RemainingMinor != 0 {
		t.Errorf("expected nothing remaining, got %d", got.RemainingMinor)
	}
}

func TestSyncSettledWhenProposalAccepted(t *testing.T) {
	store := escrow.NewMemoryStore()
	fc := &fakeChain{
		hasCode:  true,
		released: true,
		transfers: []chain.TokenTransfer{
			{To: common.HexToAddress(recipWallet), Amount: units.ToChain(58_806000)},
			{To: common.HexToAddress(feeSplitHex), Amount: units.ToChain(1_194000)},
			{To: common.HexToAddress(payerWallet), Amount: units.ToChain(40_000000)},
		},
	}
	s := New(store, fc, 1.99, testLogger())
	e := seed(t, store, escrow.StatusPendingRelease, func(e *escrow.Escrow) {
		e.ReleaseTx = "0xsettletx"
		e.Settlement = &escrow.SettlementProposal{
			ProposedBy:  escrow.RoleRecipient,
			AmountMinor: 60_000000,
			Accepted:    true,
		}
	})

	got, err := s.Sync(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != escrow.StatusSettled {
		t.Errorf("expected settled, got %s", got.Status)
	}
	if got.ReleasedMinor != 60_000000 {
		t.Errorf("expected recipient share plus fee, got %d", got.ReleasedMinor)
	}
	if got.RemainingMinor != 40_000000 {
		t.Errorf("expected payer share remaining, got %d", got.RemainingMinor)
	}
}

func TestSyncRefundedFlag(t *testing.T) {
	store := escrow.NewMemoryStore()
	fc := &fakeChain{
		hasCode:  true,
		refunded: true,
		transfers: []chain.TokenTransfer{
			{To: common.HexToAddress(payerWallet), Amount: units.ToChain(100_000000)},
		},
	}
	s := New(store, fc, 1.99, testLogger())
	e := seed(t, store, escrow.StatusFunded, func(e *escrow.Escrow) {
		e.RefundTx = "0xrefundtx"
	})

	got, err := s.Sync(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != escrow.StatusRefunded {
		t.Errorf("expected refunded, got %s", got.Status)
	}
	if got.ReleasedMinor != 0 || got.RemainingMinor != 100_000000 {
		t.Errorf("refund should release nothing: released=%d remaining=%d",
			got.ReleasedMinor, got.RemainingMinor)
	}
	if !got.AmountsVerified {
		t.Error("expected amounts verified")
	}
}

func TestSyncStuckPendingDropsToFunded(t *testing.T) {
	store := escrow.NewMemoryStore()
	fc := &fakeChain{hasCode: true, balance: units.ToChain(100_000000)}
	s := New(store, fc, 1.99, testLogger())
	e := seed(t, store, escrow.StatusPendingRelease, nil)

	got, err := s.Sync(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != escrow.StatusFunded {
		t.Errorf("expected rollback to funded, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected unconfirmed release recorded on record")
	}
}

func TestSyncEstimatesWithoutReceipt(t *testing.T) {
	store := escrow.NewMemoryStore()
	fc := &fakeChain{hasCode: true, released: true, receiptErr: errors.New("pruned")}
	s := New(store, fc, 1.99, testLogger())
	e := seed(t, store, escrow.StatusReleased, func(e *escrow.Escrow) {
		e.ReleaseTx = "0xgone"
	})

	got, err := s.Sync(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.AmountsVerified {
		t.Error("estimate must stay flagged unverified")
	}
	if got.ReleasedMinor != got.TotalMinor {
		t.Errorf("expected full-release estimate, got %d", got.ReleasedMinor)
	}
}

func TestSyncNeverRewritesTerminalStatus(t *testing.T) {
	store := escrow.NewMemoryStore()
	// Chain disagrees: record says refunded, flags say released.
	fc := &fakeChain{hasCode: true, released: true}
	s := New(store, fc, 1.99, testLogger())
	e := seed(t, store, escrow.StatusRefunded, func(e *escrow.Escrow) {
		e.AmountsVerified = true
	})

	got, err := s.Sync(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got.Status != escrow.StatusRefunded {
		t.Errorf("terminal status must not flip, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected contradiction surfaced on record")
	}
}
