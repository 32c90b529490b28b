package settlement

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/syncutil"
)

// fakeLifecycle records which shortcut the negotiation converged on.
type fakeLifecycle struct {
	store     escrow.Store
	approved  []string
	cancelled []string
}

func (f *fakeLifecycle) Approve(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	f.approved = append(f.approved, party)
	return f.store.Get(ctx, id)
}

func (f *fakeLifecycle) RequestCancel(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	f.cancelled = append(f.cancelled, party)
	return f.store.Get(ctx, id)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T) (*Service, *escrow.MemoryStore, *fakeLifecycle) {
	t.Helper()
	store := escrow.NewMemoryStore()
	e := &escrow.Escrow{
		ID:             "esc_set1",
		Payer:          "agent_alice",
		Recipient:      "agent_bob",
		TotalMinor:     100_000000,
		RemainingMinor: 100_000000,
		Status:         escrow.StatusFunded,
		Deployed:       true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := store.Create(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	lc := &fakeLifecycle{store: store}
	return NewService(store, lc, &syncutil.ShardedMutex{}, testLogger()), store, lc
}

func TestProposeAndAccept(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	e, err := svc.Propose(ctx, "esc_set1", "agent_bob", 60_000000, "half the work done")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if e.Settlement == nil || e.Settlement.ProposedBy != escrow.RoleRecipient {
		t.Fatal("expected recipient proposal recorded")
	}
	if e.Settlement.Accepted {
		t.Error("proposal must not be accepted yet")
	}

	// Proposer cannot accept their own proposal.
	if _, err := svc.Accept(ctx, "esc_set1", "agent_bob"); !errors.Is(err, ErrOwnProposal) {
		t.Errorf("expected own-proposal rejection, got %v", err)
	}

	e, err = svc.Accept(ctx, "esc_set1", "agent_alice")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !e.Settlement.Accepted {
		t.Error("expected proposal accepted")
	}
	if e.Settlement.RecipientMinor != 60_000000 || e.Settlement.PayerMinor != 40_000000 {
		t.Errorf("bad shares: recipient=%d payer=%d",
			e.Settlement.RecipientMinor, e.Settlement.PayerMinor)
	}
	if len(e.SettlementHistory) != 2 {
		t.Errorf("expected proposed+accepted history, got %d entries", len(e.SettlementHistory))
	}

	// No double acceptance.
	if _, err := svc.Accept(ctx, "esc_set1", "agent_alice"); !errors.Is(err, ErrProposalAccepted) {
		t.Errorf("expected already-accepted rejection, got %v", err)
	}
}

func TestProposeBounds(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Propose(ctx, "esc_set1", "agent_alice", 0, ""); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := svc.Propose(ctx, "esc_set1", "agent_alice", 100_000001, ""); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Errorf("over remaining: got %v", err)
	}
	if _, err := svc.Propose(ctx, "esc_set1", "agent_mallory", 10, ""); !errors.Is(err, escrow.ErrNotParty) {
		t.Errorf("stranger: got %v", err)
	}
}

func TestCounterProposalReplaces(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Propose(ctx, "esc_set1", "agent_bob", 80_000000, "most of it"); err != nil {
		t.Fatal(err)
	}
	e, err := svc.Propose(ctx, "esc_set1", "agent_alice", 50_000000, "meet in the middle")
	if err != nil {
		t.Fatalf("counter-proposal: %v", err)
	}
	if e.Settlement.ProposedBy != escrow.RolePayer || e.Settlement.AmountMinor != 50_000000 {
		t.Error("counter-proposal should replace the outstanding one")
	}
	if len(e.SettlementHistory) != 2 {
		t.Errorf("both proposals belong in history, got %d entries", len(e.SettlementHistory))
	}
}

func TestWaiveConservation(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	// Payer cannot waive.
	if _, err := svc.Waive(ctx, "esc_set1", "agent_alice", 10_000000, ""); !errors.Is(err, escrow.ErrWrongRole) {
		t.Errorf("payer waiving: got %v", err)
	}

	e, err := svc.Waive(ctx, "esc_set1", "agent_bob", 30_000000, "discount")
	if err != nil {
		t.Fatalf("waive: %v", err)
	}
	if e.ReleasedMinor+e.RemainingMinor != e.TotalMinor {
		t.Errorf("conservation violated: %d + %d != %d",
			e.ReleasedMinor, e.RemainingMinor, e.TotalMinor)
	}
	if e.RemainingMinor != 70_000000 {
		t.Errorf("expected 70_000000 remaining, got %d", e.RemainingMinor)
	}

	// Repeated waivers compose against the shrinking remainder.
	e, err = svc.Waive(ctx, "esc_set1", "agent_bob", 70_000000, "")
	if err != nil {
		t.Fatalf("second waive: %v", err)
	}
	if e.RemainingMinor != 0 || e.ReleasedMinor != e.TotalMinor {
		t.Errorf("expected everything shifted, remaining=%d released=%d",
			e.RemainingMinor, e.ReleasedMinor)
	}
	if _, err := svc.Waive(ctx, "esc_set1", "agent_bob", 1, ""); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Errorf("waiving past zero: got %v", err)
	}
}

func TestConcurrentWaivesSerialize(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()

	const workers, perWorker, chunk = 8, 10, 100_000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := svc.Waive(ctx, "esc_set1", "agent_bob", chunk, "partial delivery"); err != nil {
					t.Errorf("waive: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	e, err := store.Get(ctx, "esc_set1")
	if err != nil {
		t.Fatal(err)
	}
	want := int64(workers * perWorker * chunk)
	if e.ReleasedMinor != want {
		t.Errorf("released %d, want %d; concurrent waives must not be lost", e.ReleasedMinor, want)
	}
	if e.ReleasedMinor+e.RemainingMinor != e.TotalMinor {
		t.Errorf("conservation violated: %d + %d != %d",
			e.ReleasedMinor, e.RemainingMinor, e.TotalMinor)
	}
	if got := len(e.SettlementHistory); got != workers*perWorker {
		t.Errorf("expected %d history entries, got %d", workers*perWorker, got)
	}
}

func TestAcceptAfterWaiveRespectsRemaining(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Propose(ctx, "esc_set1", "agent_bob", 80_000000, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Waive(ctx, "esc_set1", "agent_bob", 50_000000, ""); err != nil {
		t.Fatal(err)
	}
	// Proposal for 80 now exceeds the 50 remaining.
	if _, err := svc.Accept(ctx, "esc_set1", "agent_alice"); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Errorf("stale proposal should be rejected, got %v", err)
	}
}

func TestShortcutsClearProposal(t *testing.T) {
	svc, store, lc := newFixture(t)
	ctx := context.Background()

	if _, err := svc.Propose(ctx, "esc_set1", "agent_bob", 60_000000, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ApproveFull(ctx, "esc_set1", "agent_alice"); err != nil {
		t.Fatalf("approve full: %v", err)
	}
	e, _ := store.Get(ctx, "esc_set1")
	if e.Settlement != nil {
		t.Error("approve-full must clear the proposal")
	}
	if len(lc.approved) != 1 || lc.approved[0] != "agent_alice" {
		t.Error("expected approval routed to the lifecycle")
	}

	if _, err := svc.Propose(ctx, "esc_set1", "agent_bob", 60_000000, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RefundFull(ctx, "esc_set1", "agent_bob"); err != nil {
		t.Fatalf("refund full: %v", err)
	}
	e, _ = store.Get(ctx, "esc_set1")
	if e.Settlement != nil {
		t.Error("refund-full must clear the proposal")
	}
	if len(lc.cancelled) != 1 {
		t.Error("expected cancel intent routed to the lifecycle")
	}
}

func TestNegotiationRejectedWhilePending(t *testing.T) {
	svc, store, _ := newFixture(t)
	ctx := context.Background()

	e, _ := store.Get(ctx, "esc_set1")
	e.Status = escrow.StatusPendingRelease
	if err := store.Update(ctx, e, escrow.StatusFunded); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Propose(ctx, "esc_set1", "agent_bob", 10, ""); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Errorf("propose while pending: got %v", err)
	}
	if _, err := svc.Waive(ctx, "esc_set1", "agent_bob", 10, ""); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Errorf("waive while pending: got %v", err)
	}
	if _, err := svc.Accept(ctx, "esc_set1", "agent_alice"); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Errorf("accept while pending: got %v", err)
	}
}
