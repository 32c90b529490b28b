package deployer

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/units"
)

// fakeChain holds per-address code and balance state that tests mutate
// to simulate chain events.
type fakeChain struct {
	code     map[common.Address]bool
	balances map[common.Address]*big.Int
	codeErr  error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		code:     make(map[common.Address]bool),
		balances: make(map[common.Address]*big.Int),
	}
}

func (f *fakeChain) CodeExists(_ context.Context, addr common.Address) (bool, error) {
	if f.codeErr != nil {
		return false, f.codeErr
	}
	return f.code[addr], nil
}

func (f *fakeChain) TokenBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

// fakeDeployer simulates the factory relay, planting code on success.
type fakeDeployer struct {
	chain     *fakeChain
	target    common.Address
	calls     int
	fail      error
	plantCode bool
}

func (f *fakeDeployer) DeployVault(_ context.Context, salt [32]byte, payer, recipient common.Address) (string, error) {
	f.calls++
	if f.fail != nil {
		return "0xfailedtx", f.fail
	}
	if f.plantCode {
		f.chain.code[f.target] = true
	}
	return "0xdeploytx", nil
}

const vaultHex = "0x1111111111111111111111111111111111111111"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedAccepted(t *testing.T, store escrow.Store) *escrow.Escrow {
	t.Helper()
	e := &escrow.Escrow{
		ID:              "esc_test1",
		Payer:           "agent_alice",
		Recipient:       "agent_bob",
		TotalMinor:      100_000000,
		RemainingMinor:  100_000000,
		Salt:            "0x" + strings.Repeat("cd", 32),
		VaultAddr:       vaultHex,
		PayerWallet:     "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		RecipientWallet: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Status:          escrow.StatusAccepted,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if err := store.Create(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestCheckNoFundsNoAction(t *testing.T) {
	store := escrow.NewMemoryStore()
	chain := newFakeChain()
	dep := &fakeDeployer{chain: chain, target: common.HexToAddress(vaultHex), plantCode: true}
	rec := New(store, chain, dep, testLogger())
	e := seedAccepted(t, store)

	got, err := rec.Check(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got.Status != escrow.StatusAccepted {
		t.Errorf("expected accepted, got %s", got.Status)
	}
	if dep.calls != 0 {
		t.Error("must not deploy without funds")
	}
}

func TestCheckDeploysOnFunding(t *testing.T) {
	store := escrow.NewMemoryStore()
	chain := newFakeChain()
	vault := common.HexToAddress(vaultHex)
	dep := &fakeDeployer{chain: chain, target: vault, plantCode: true}
	rec := New(store, chain, dep, testLogger())
	e := seedAccepted(t, store)

	chain.balances[vault] = units.ToChain(100_000000)

	got, err := rec.Check(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got.Status != escrow.StatusFunded {
		t.Errorf("expected funded, got %s", got.Status)
	}
	if !got.Deployed {
		t.Error("expected deployed flag set")
	}
	if got.VaultBalanceMinor != 100_000000 {
		t.Errorf("expected cached balance, got %d", got.VaultBalanceMinor)
	}
	if got.DeployTx != "0xdeploytx" {
		t.Errorf("expected deploy tx recorded, got %q", got.DeployTx)
	}
	if dep.calls != 1 {
		t.Errorf("expected one deploy, got %d", dep.calls)
	}

	// Second pass is a no-op; code already there.
	got, err = rec.Check(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if dep.calls != 1 {
		t.Errorf("re-check must not redeploy, got %d calls", dep.calls)
	}
	if got.Status != escrow.StatusFunded {
		t.Errorf("expected still funded, got %s", got.Status)
	}
}

func TestCheckAdoptsExternalDeployment(t *testing.T) {
	store := escrow.NewMemoryStore()
	chain := newFakeChain()
	vault := common.HexToAddress(vaultHex)
	dep := &fakeDeployer{chain: chain, target: vault}
	rec := New(store, chain, dep, testLogger())
	e := seedAccepted(t, store)

	// Code exists but no balance: deployed out of band, not yet funded.
	chain.code[vault] = true

	got, err := rec.Check(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got.Status != escrow.StatusDeployed {
		t.Errorf("expected deployed, got %s", got.Status)
	}
	if dep.calls != 0 {
		t.Error("must not deploy over existing code")
	}

	// Funds arrive later.
	chain.balances[vault] = units.ToChain(100_000000)
	got, err = rec.Check(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("check after funding: %v", err)
	}
	if got.Status != escrow.StatusFunded {
		t.Errorf("expected funded, got %s", got.Status)
	}
}

func TestCheckDeployFailureStaysAccepted(t *testing.T) {
	store := escrow.NewMemoryStore()
	chain := newFakeChain()
	vault := common.HexToAddress(vaultHex)
	dep := &fakeDeployer{chain: chain, target: vault, fail: errors.New("execution reverted")}
	rec := New(store, chain, dep, testLogger())
	e := seedAccepted(t, store)

	chain.balances[vault] = units.ToChain(50_000000)

	if _, err := rec.Check(context.Background(), e.ID); err == nil {
		t.Fatal("expected deploy failure to surface")
	}

	got, _ := store.Get(context.Background(), e.ID)
	if got.Status != escrow.StatusAccepted {
		t.Errorf("expected accepted after failed deploy, got %s", got.Status)
	}
	if got.DeployTx != "0xfailedtx" {
		t.Errorf("expected failed tx reference kept, got %q", got.DeployTx)
	}
	if got.LastError == "" {
		t.Error("expected failure recorded on record")
	}

	// Retry succeeds once the chain cooperates.
	dep.fail = nil
	dep.plantCode = true
	got, err := rec.Check(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != escrow.StatusFunded {
		t.Errorf("expected funded after retry, got %s", got.Status)
	}
	if got.LastError != "" {
		t.Error("expected error cleared on success")
	}
}

func TestCheckConfirmedButNoCode(t *testing.T) {
	store := escrow.NewMemoryStore()
	chain := newFakeChain()
	vault := common.HexToAddress(vaultHex)
	// Deploy "succeeds" but never plants code at the address.
	dep := &fakeDeployer{chain: chain, target: vault, plantCode: false}
	rec := New(store, chain, dep, testLogger())
	e := seedAccepted(t, store)

	chain.balances[vault] = units.ToChain(10_000000)

	if _, err := rec.Check(context.Background(), e.ID); err == nil {
		t.Fatal("expected anomaly to surface")
	}

	got, _ := store.Get(context.Background(), e.ID)
	if got.Status != escrow.StatusAccepted {
		t.Errorf("expected accepted, got %s", got.Status)
	}
	if got.Deployed {
		t.Error("must not claim deployed without code")
	}
	if got.LastError == "" {
		t.Error("expected anomaly recorded")
	}
}

func TestSweepProcessesBatch(t *testing.T) {
	store := escrow.NewMemoryStore()
	chain := newFakeChain()
	vault := common.HexToAddress(vaultHex)
	dep := &fakeDeployer{chain: chain, target: vault, plantCode: true}
	rec := New(store, chain, dep, testLogger())
	e := seedAccepted(t, store)
	chain.balances[vault] = units.ToChain(100_000000)

	timer := NewTimer(rec, store, time.Second, 10, testLogger())
	timer.Sweep(context.Background())

	got, _ := store.Get(context.Background(), e.ID)
	if got.Status != escrow.StatusFunded {
		t.Errorf("expected funded after sweep, got %s", got.Status)
	}
}
