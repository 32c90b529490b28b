package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/pagination"
)

// mockPredictor returns deterministic addresses derived from the salt.
type mockPredictor struct {
	failPredict bool
	calls       int
}

func (m *mockPredictor) NewSalt(escrowID string) string {
	return "0x" + strings.Repeat("ab", 32)
}

func (m *mockPredictor) Predict(_ context.Context, salt, payerWallet, recipientWallet string) (string, string, error) {
	m.calls++
	if m.failPredict {
		return "", "", errors.New("rpc unavailable")
	}
	return "0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222", nil
}

// mockResolver maps parties to wallets, or fails for unknown parties.
type mockResolver struct {
	wallets map[string]string
}

func (m *mockResolver) ResolveWallet(_ context.Context, party string) (string, error) {
	w, ok := m.wallets[party]
	if !ok {
		return "", errors.New("wallet not registered")
	}
	return w, nil
}

type mockReleaser struct {
	mu     sync.Mutex
	calls  int
	fail   error
	txHash string
}

func (m *mockReleaser) ReleaseMutual(_ context.Context, vaultAddr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return m.txHash, m.fail
	}
	return "0xrelease", nil
}

type mockCanceller struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (m *mockCanceller) Cancel(_ context.Context, vaultAddr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return "", m.fail
	}
	return "0xcancel", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	base := []ServiceOption{
		WithPredictor(&mockPredictor{}),
		WithResolver(&mockResolver{wallets: map[string]string{
			"agent_alice": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"agent_bob":   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		}}),
		WithMutualReleaser(&mockReleaser{}),
		WithCanceller(&mockCanceller{}),
		WithDeployment(84532, "0xfactory"),
	}
	return NewService(store, testLogger(), append(base, opts...)...), store
}

func createAccepted(t *testing.T, svc *Service) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), "agent_alice", "agent_bob", 100_000000, RolePayer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err = svc.Accept(context.Background(), e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return e
}

func forceStatus(t *testing.T, store *MemoryStore, id string, status Status) *Escrow {
	t.Helper()
	e, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	prev := e.Status
	e.Status = status
	if err := store.Update(context.Background(), e, prev); err != nil {
		t.Fatalf("force status: %v", err)
	}
	return e
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "agent_alice", "agent_bob", 0, RolePayer); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := svc.Create(ctx, "agent_alice", "agent_bob", -5, RolePayer); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: got %v", err)
	}
	if _, err := svc.Create(ctx, "agent_alice", "agent_alice", 100, RolePayer); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("self escrow: got %v", err)
	}

	e, err := svc.Create(ctx, "agent_alice", "agent_bob", 50_000000, RoleRecipient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Status != StatusInitiated {
		t.Errorf("expected initiated, got %s", e.Status)
	}
	if e.RemainingMinor != 50_000000 || e.ReleasedMinor != 0 {
		t.Errorf("bad amounts: remaining=%d released=%d", e.RemainingMinor, e.ReleasedMinor)
	}
	if e.Alias == "" {
		t.Error("expected shareable alias")
	}
}

func TestAcceptPredictsAddress(t *testing.T) {
	svc, _ := newTestService(t)
	e := createAccepted(t, svc)

	if e.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", e.Status)
	}
	if e.Salt == "" {
		t.Error("expected salt to be generated at acceptance")
	}
	if e.VaultAddr == "" || e.FeeSplitAddr == "" {
		t.Error("expected predicted addresses")
	}
	if e.PayerWallet == "" || e.RecipientWallet == "" {
		t.Error("expected wallets bound at acceptance")
	}
	if e.ChainID != 84532 || e.FactoryAddr != "0xfactory" {
		t.Error("expected deployment parameters stamped on record")
	}
}

func TestAcceptOnlyCounterparty(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	e, _ := svc.Create(ctx, "agent_alice", "agent_bob", 100, RolePayer)

	if _, err := svc.Accept(ctx, e.ID, "agent_alice"); !errors.Is(err, ErrWrongRole) {
		t.Errorf("initiator accepting own escrow: got %v", err)
	}
	if _, err := svc.Accept(ctx, e.ID, "agent_mallory"); !errors.Is(err, ErrNotParty) {
		t.Errorf("stranger accepting: got %v", err)
	}
}

func TestAcceptSurvivesPredictionFailure(t *testing.T) {
	pred := &mockPredictor{failPredict: true}
	svc, _ := newTestService(t, WithPredictor(pred))
	ctx := context.Background()
	e, _ := svc.Create(ctx, "agent_alice", "agent_bob", 100, RolePayer)

	e, err := svc.Accept(ctx, e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("accept should succeed despite prediction failure: %v", err)
	}
	if e.Status != StatusAccepted {
		t.Errorf("expected accepted, got %s", e.Status)
	}
	if e.VaultAddr != "" {
		t.Error("expected no vault address after failed prediction")
	}
	if e.LastError == "" {
		t.Error("expected prediction failure recorded on the record")
	}

	// Node recovers; retry fills the address in.
	pred.failPredict = false
	e, err = svc.EnsurePrediction(ctx, e.ID)
	if err != nil {
		t.Fatalf("ensure prediction: %v", err)
	}
	if e.VaultAddr == "" {
		t.Error("expected vault address after retry")
	}
	if e.LastError != "" {
		t.Error("expected error cleared after successful prediction")
	}
}

func TestAcceptWithUnresolvedWallet(t *testing.T) {
	svc, _ := newTestService(t, WithResolver(&mockResolver{wallets: map[string]string{
		"agent_alice": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}}))
	ctx := context.Background()
	e, _ := svc.Create(ctx, "agent_alice", "agent_bob", 100, RolePayer)

	e, err := svc.Accept(ctx, e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("accept should not require both wallets: %v", err)
	}
	if e.VaultAddr != "" {
		t.Error("expected prediction deferred while a wallet is missing")
	}
	if _, err := svc.EnsurePrediction(ctx, e.ID); !errors.Is(err, ErrWalletMissing) {
		t.Errorf("expected ErrWalletMissing, got %v", err)
	}
}

func TestDeclineAndCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	e, _ := svc.Create(ctx, "agent_alice", "agent_bob", 100, RolePayer)
	if _, err := svc.Decline(ctx, e.ID, "agent_alice"); !errors.Is(err, ErrWrongRole) {
		t.Errorf("initiator declining: got %v", err)
	}
	e2, err := svc.Decline(ctx, e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if e2.Status != StatusDeclined {
		t.Errorf("expected declined, got %s", e2.Status)
	}

	e, _ = svc.Create(ctx, "agent_alice", "agent_bob", 100, RolePayer)
	if _, err := svc.Cancel(ctx, e.ID, "agent_bob"); !errors.Is(err, ErrWrongRole) {
		t.Errorf("counterparty cancelling pre-funding: got %v", err)
	}
	e2, err = svc.Cancel(ctx, e.ID, "agent_alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if e2.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", e2.Status)
	}

	// Terminal records reject further lifecycle actions.
	if _, err := svc.Accept(ctx, e.ID, "agent_bob"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("accepting cancelled escrow: got %v", err)
	}
}

func TestMutualApprovalReleases(t *testing.T) {
	releaser := &mockReleaser{}
	svc, store := newTestService(t, WithMutualReleaser(releaser))
	ctx := context.Background()

	e := createAccepted(t, svc)
	forceStatus(t, store, e.ID, StatusFunded)

	e2, err := svc.Approve(ctx, e.ID, "agent_alice")
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if e2.Status != StatusFunded {
		t.Errorf("single approval must not change status, got %s", e2.Status)
	}
	if !e2.PayerApproved || e2.RecipientApproved {
		t.Error("expected only payer approval set")
	}
	if releaser.calls != 0 {
		t.Error("release must wait for both approvals")
	}

	e2, err = svc.Approve(ctx, e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if e2.Status != StatusReleased {
		t.Errorf("expected released, got %s", e2.Status)
	}
	if releaser.calls != 1 {
		t.Errorf("expected exactly one release call, got %d", releaser.calls)
	}
	if e2.ReleasedMinor != e2.TotalMinor || e2.RemainingMinor != 0 {
		t.Errorf("bad final amounts: released=%d remaining=%d", e2.ReleasedMinor, e2.RemainingMinor)
	}
	if e2.ReleaseTx == "" {
		t.Error("expected release tx recorded")
	}
}

func TestApprovalReleaseRevertRollsBack(t *testing.T) {
	releaser := &mockReleaser{fail: errors.New("execution reverted: nothing to release"), txHash: "0xdead"}
	svc, store := newTestService(t, WithMutualReleaser(releaser))
	ctx := context.Background()

	e := createAccepted(t, svc)
	forceStatus(t, store, e.ID, StatusFunded)

	if _, err := svc.Approve(ctx, e.ID, "agent_alice"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if _, err := svc.Approve(ctx, e.ID, "agent_bob"); err == nil {
		t.Fatal("expected release failure to surface")
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFunded {
		t.Errorf("expected rollback to funded, got %s", got.Status)
	}
	if !got.PayerApproved || !got.RecipientApproved {
		t.Error("approvals must survive a failed release")
	}
	if got.LastError == "" {
		t.Error("expected failure recorded")
	}
}

func TestApprovalReleaseTimeoutStaysPending(t *testing.T) {
	releaser := &mockReleaser{fail: fmt.Errorf("waiting for confirmation: %w", context.DeadlineExceeded), txHash: "0xslow"}
	svc, store := newTestService(t, WithMutualReleaser(releaser))
	ctx := context.Background()

	e := createAccepted(t, svc)
	forceStatus(t, store, e.ID, StatusFunded)

	_, _ = svc.Approve(ctx, e.ID, "agent_alice")
	e2, err := svc.Approve(ctx, e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("timeout is not a hard failure: %v", err)
	}
	if e2.Status != StatusPendingRelease {
		t.Errorf("expected pending_release while tx unconfirmed, got %s", e2.Status)
	}
	if e2.ReleaseTx != "0xslow" {
		t.Errorf("expected in-flight tx recorded, got %q", e2.ReleaseTx)
	}
}

// failingStore passes through to the memory store, failing updates
// whose expected status matches failExpect.
type failingStore struct {
	*MemoryStore
	failExpect Status
}

func (f *failingStore) Update(ctx context.Context, e *Escrow, expect Status) error {
	if expect == f.failExpect {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.Update(ctx, e, expect)
}

func TestApprovalReleaseTimeoutLogsPersistFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	releaser := &mockReleaser{fail: fmt.Errorf("waiting for confirmation: %w", context.DeadlineExceeded), txHash: "0xslow"}
	inner := NewMemoryStore()
	store := &failingStore{MemoryStore: inner, failExpect: StatusPendingRelease}
	svc := NewService(store, logger,
		WithPredictor(&mockPredictor{}),
		WithResolver(&mockResolver{wallets: map[string]string{
			"agent_alice": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"agent_bob":   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		}}),
		WithMutualReleaser(releaser),
		WithCanceller(&mockCanceller{}),
		WithDeployment(84532, "0xfactory"),
	)
	ctx := context.Background()

	e := createAccepted(t, svc)
	forceStatus(t, inner, e.ID, StatusFunded)

	if _, err := svc.Approve(ctx, e.ID, "agent_alice"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	e2, err := svc.Approve(ctx, e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("timeout is not a hard failure: %v", err)
	}
	if e2.Status != StatusPendingRelease {
		t.Errorf("expected pending_release, got %s", e2.Status)
	}
	// The failed persist of the pending record must leave a trace.
	if !strings.Contains(buf.String(), "persisting pending release") {
		t.Errorf("expected persist failure logged, got:\n%s", buf.String())
	}
}

func TestApproveRequiresFunded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	e := createAccepted(t, svc)

	if _, err := svc.Approve(ctx, e.ID, "agent_alice"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("approving before funding: got %v", err)
	}
}

func TestMutualCancellation(t *testing.T) {
	canceller := &mockCanceller{}
	svc, store := newTestService(t, WithCanceller(canceller))
	ctx := context.Background()

	e := createAccepted(t, svc)
	forceStatus(t, store, e.ID, StatusFunded)

	e2, err := svc.RequestCancel(ctx, e.ID, "agent_bob")
	if err != nil {
		t.Fatalf("first cancel request: %v", err)
	}
	if e2.Status != StatusFunded || !e2.RecipientWantsCancel {
		t.Error("first request should only set the flag")
	}
	if canceller.calls != 0 {
		t.Error("chain cancel must wait for the second request")
	}

	e2, err = svc.RequestCancel(ctx, e.ID, "agent_alice")
	if err != nil {
		t.Fatalf("second cancel request: %v", err)
	}
	if e2.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", e2.Status)
	}
	if canceller.calls != 1 {
		t.Errorf("expected one chain cancel, got %d", canceller.calls)
	}
	if e2.RefundTx == "" {
		t.Error("expected refund tx recorded")
	}
}

func TestMutualCancellationFailureLeavesNoRequest(t *testing.T) {
	canceller := &mockCanceller{fail: errors.New("execution reverted")}
	svc, store := newTestService(t, WithCanceller(canceller))
	ctx := context.Background()

	e := createAccepted(t, svc)
	forceStatus(t, store, e.ID, StatusFunded)

	if _, err := svc.RequestCancel(ctx, e.ID, "agent_bob"); err != nil {
		t.Fatalf("first cancel request: %v", err)
	}
	if _, err := svc.RequestCancel(ctx, e.ID, "agent_alice"); err == nil {
		t.Fatal("expected chain failure to surface")
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusFunded {
		t.Errorf("expected still funded, got %s", got.Status)
	}
	if got.PayerWantsCancel {
		t.Error("the failing party's request must not persist")
	}
	if !got.RecipientWantsCancel {
		t.Error("the earlier request must survive")
	}
}

func TestConcurrentApprovalsSingleRelease(t *testing.T) {
	releaser := &mockReleaser{}
	svc, store := newTestService(t, WithMutualReleaser(releaser))
	ctx := context.Background()

	e := createAccepted(t, svc)
	forceStatus(t, store, e.ID, StatusFunded)
	if _, err := svc.Approve(ctx, e.ID, "agent_alice"); err != nil {
		t.Fatalf("first approval: %v", err)
	}

	// Two racing second approvals: exactly one may trigger the release,
	// the loser gets a stale-status or invalid-transition error.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Approve(ctx, e.ID, "agent_bob")
		}(i)
	}
	wg.Wait()

	if releaser.calls != 1 {
		t.Fatalf("expected exactly one release despite the race, got %d", releaser.calls)
	}
	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			if !errors.Is(err, ErrStaleStatus) && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected race error: %v", err)
			}
		}
	}
	if failures != 1 {
		t.Errorf("expected one loser, got %d", failures)
	}
}

func TestMemoryStoreStaleUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := &Escrow{ID: "esc_1", Payer: "a", Recipient: "b", Status: StatusInitiated}
	if err := store.Create(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Status = StatusAccepted
	if err := store.Update(ctx, e, StatusInitiated); err != nil {
		t.Fatalf("first update: %v", err)
	}
	e.Status = StatusDeclined
	if err := store.Update(ctx, e, StatusInitiated); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected stale status, got %v", err)
	}
	if err := store.Update(ctx, &Escrow{ID: "esc_missing"}, StatusInitiated); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListByPartyCursorPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := &Escrow{
			ID:        fmt.Sprintf("esc_%d", i),
			Payer:     "agent_alice",
			Recipient: "agent_bob",
			Status:    StatusInitiated,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := store.ListByParty(ctx, "agent_alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].ID != "esc_4" || page1[1].ID != "esc_3" {
		t.Fatalf("unexpected first page: %+v", ids(page1))
	}

	cursor := pagination.Encode(page1[1].CreatedAt, page1[1].ID)
	page2, err := store.ListByParty(ctx, "agent_alice", 2, WithCursor(cursor))
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || page2[0].ID != "esc_2" || page2[1].ID != "esc_1" {
		t.Fatalf("unexpected second page: %+v", ids(page2))
	}

	// A garbage cursor is ignored rather than failing the listing.
	all, err := store.ListByParty(ctx, "agent_alice", 10, WithCursor("!!!not-base64!!!"))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("got %d escrows, want 5", len(all))
	}
}

func ids(escrows []*Escrow) []string {
	out := make([]string, len(escrows))
	for i, e := range escrows {
		out[i] = e.ID
	}
	return out
}
