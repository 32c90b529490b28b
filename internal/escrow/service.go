package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/syncutil"
)

// WalletResolver maps a party identifier to its payout wallet address.
type WalletResolver interface {
	ResolveWallet(ctx context.Context, party string) (string, error)
}

// Predictor computes the deterministic vault address for a salt and the
// two party wallets, without deploying anything.
type Predictor interface {
	NewSalt(escrowID string) string
	Predict(ctx context.Context, salt string, payerWallet, recipientWallet string) (vault, feeSplit string, err error)
}

// MutualReleaser executes the operator-driven full release once both
// parties have approved.
type MutualReleaser interface {
	ReleaseMutual(ctx context.Context, vaultAddr string) (txHash string, err error)
}

// Canceller executes the on-chain mutual cancellation, returning the
// full balance to the payer.
type Canceller interface {
	Cancel(ctx context.Context, vaultAddr string) (txHash string, err error)
}

// Notifier delivers escrow lifecycle events to registered endpoints.
type Notifier interface {
	Emit(escrowID, kind string, payload map[string]interface{})
}

// Broadcaster pushes status changes to connected realtime clients.
type Broadcaster interface {
	BroadcastEscrow(e *Escrow)
}

// Service implements the escrow lifecycle over a Store and the chain
// collaborators. All chain access goes through the narrow interfaces
// above so the package stays testable without an RPC node.
type Service struct {
	store       Store
	logger      *slog.Logger
	resolver    WalletResolver
	predictor   Predictor
	releaser    MutualReleaser
	canceller   Canceller
	notifier    Notifier
	broadcaster Broadcaster

	// locks serializes mutations per escrow ID so concurrent requests
	// for the same escrow queue instead of racing to the conditional
	// write. The conditional write stays the correctness backstop for
	// writers outside this service (sweeps, other replicas).
	locks syncutil.ShardedMutex

	chainID int64
	factory string

	maxAmountMinor int64
}

type ServiceOption func(*Service)

func WithResolver(r WalletResolver) ServiceOption {
	return func(s *Service) { s.resolver = r }
}

func WithPredictor(p Predictor) ServiceOption {
	return func(s *Service) { s.predictor = p }
}

func WithMutualReleaser(r MutualReleaser) ServiceOption {
	return func(s *Service) { s.releaser = r }
}

func WithCanceller(c Canceller) ServiceOption {
	return func(s *Service) { s.canceller = c }
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

func WithBroadcaster(b Broadcaster) ServiceOption {
	return func(s *Service) { s.broadcaster = b }
}

// WithDeployment pins the chain and factory the predicted addresses are
// valid for; both are stamped onto the record at acceptance.
func WithDeployment(chainID int64, factory string) ServiceOption {
	return func(s *Service) {
		s.chainID = chainID
		s.factory = factory
	}
}

// WithMaxAmount caps the escrow size accepted at creation. Zero means
// no cap.
func WithMaxAmount(minor int64) ServiceOption {
	return func(s *Service) { s.maxAmountMinor = minor }
}

func NewService(store Store, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a new escrow between two parties. Either side may
// initiate; the counterparty must accept before anything touches the
// chain.
func (s *Service) Create(ctx context.Context, payer, recipient string, amountMinor int64, initiator Role) (*Escrow, error) {
	if amountMinor <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if s.maxAmountMinor > 0 && amountMinor > s.maxAmountMinor {
		return nil, fmt.Errorf("%w: exceeds maximum", ErrInvalidAmount)
	}
	if payer == "" || recipient == "" || payer == recipient {
		return nil, fmt.Errorf("%w: payer and recipient must be distinct", ErrInvalidAmount)
	}
	if initiator != RolePayer && initiator != RoleRecipient {
		return nil, ErrNotParty
	}

	now := time.Now()
	e := &Escrow{
		ID:             idgen.WithPrefix("esc_"),
		Alias:          idgen.Alias(),
		Payer:          payer,
		Recipient:      recipient,
		Initiator:      initiator,
		TotalMinor:     amountMinor,
		RemainingMinor: amountMinor,
		Status:         StatusInitiated,
		Arbitration:    Arbitration{Status: ArbitrationNone},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("creating escrow: %w", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusInitiated)).Inc()
	s.recordEvent(ctx, e.ID, "created", initiator, map[string]interface{}{
		"amountMinor": amountMinor,
	})
	s.emit(e, "escrow.created")
	return e, nil
}

// Accept is the counterparty's commitment. It binds wallets (when the
// directory can resolve them), generates the salt, and computes the
// deterministic vault address so the payer knows where to send funds.
// A wallet the directory cannot resolve yet does not block acceptance;
// prediction is retried by EnsurePrediction.
func (s *Service) Accept(ctx context.Context, id, party string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == RoleNone {
		return nil, ErrNotParty
	}
	if role == e.Initiator {
		return nil, fmt.Errorf("%w: initiator cannot accept own escrow", ErrWrongRole)
	}
	if e.Status != StatusInitiated {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, e.Status)
	}

	e.Salt = s.predictor.NewSalt(e.ID)
	e.ChainID = s.chainID
	e.FactoryAddr = s.factory
	s.resolveWallets(ctx, e)
	if e.PayerWallet != "" && e.RecipientWallet != "" {
		vault, feeSplit, err := s.predictor.Predict(ctx, e.Salt, e.PayerWallet, e.RecipientWallet)
		if err != nil {
			// Prediction is a view call; a flaky node should not void the
			// acceptance. The sweep retries through EnsurePrediction.
			s.logger.Warn("vault prediction failed at accept, deferring",
				"escrow_id", e.ID, "error", err)
			e.SetError("address prediction failed: " + err.Error())
		} else {
			e.VaultAddr = vault
			e.FeeSplitAddr = feeSplit
			e.ClearError()
		}
	}

	if err := s.transition(ctx, e, StatusInitiated, StatusAccepted); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "accepted", role, map[string]interface{}{
		"vaultAddr": e.VaultAddr,
	})
	s.emit(e, "escrow.accepted")
	return e, nil
}

// EnsurePrediction recomputes the vault address for an accepted escrow
// that is missing one, resolving wallets again first. Used by the sweep
// and exposed for manual retry.
func (s *Service) EnsurePrediction(ctx context.Context, id string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, e.Status)
	}
	if e.VaultAddr != "" {
		return e, nil
	}
	s.resolveWallets(ctx, e)
	if e.PayerWallet == "" || e.RecipientWallet == "" {
		return nil, ErrWalletMissing
	}
	vault, feeSplit, err := s.predictor.Predict(ctx, e.Salt, e.PayerWallet, e.RecipientWallet)
	if err != nil {
		return nil, fmt.Errorf("predicting vault address: %w", err)
	}
	e.VaultAddr = vault
	e.FeeSplitAddr = feeSplit
	e.ClearError()
	if err := s.store.Update(ctx, e, StatusAccepted); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "address_predicted", RoleNone, map[string]interface{}{
		"vaultAddr": vault,
	})
	return e, nil
}

// Decline rejects an escrow before any funds move. Only the
// non-initiating party can decline; the initiator withdraws via Cancel.
func (s *Service) Decline(ctx context.Context, id, party string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == RoleNone {
		return nil, ErrNotParty
	}
	if role == e.Initiator {
		return nil, fmt.Errorf("%w: initiator withdraws via cancel", ErrWrongRole)
	}
	if e.Status != StatusInitiated {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, e.Status)
	}
	if err := s.transition(ctx, e, StatusInitiated, StatusDeclined); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "declined", role, nil)
	s.emit(e, "escrow.declined")
	return e, nil
}

// Cancel withdraws the escrow before funding. Only the initiator may do
// this, and only while no vault holds funds. Post-funding cancellation
// goes through RequestCancel.
func (s *Service) Cancel(ctx context.Context, id, party string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == RoleNone {
		return nil, ErrNotParty
	}
	if role != e.Initiator {
		return nil, fmt.Errorf("%w: only the initiator can cancel pre-funding", ErrWrongRole)
	}
	if e.Status != StatusInitiated && e.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, e.Status)
	}
	prev := e.Status
	if err := s.transition(ctx, e, prev, StatusCancelled); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "cancelled", role, nil)
	s.emit(e, "escrow.cancelled")
	return e, nil
}

// Approve records a party's release approval. The first approval just
// sets the flag; the second triggers the operator-driven full release.
// Approvals only make sense while the vault actually holds the funds.
func (s *Service) Approve(ctx context.Context, id, party string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == RoleNone {
		return nil, ErrNotParty
	}
	if e.IsTerminal() {
		return nil, ErrTerminal
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, e.Status)
	}

	switch role {
	case RolePayer:
		e.PayerApproved = true
	case RoleRecipient:
		e.RecipientApproved = true
	}
	s.recordEvent(ctx, e.ID, "approved", role, nil)

	if !(e.PayerApproved && e.RecipientApproved) {
		if err := s.store.Update(ctx, e, StatusFunded); err != nil {
			return nil, err
		}
		s.emit(e, "escrow.approval")
		return e, nil
	}

	// Both sides approved: move to pending_release BEFORE the chain call
	// so a concurrent approval or settlement cannot race the release.
	if err := s.transition(ctx, e, StatusFunded, StatusPendingRelease); err != nil {
		return nil, err
	}
	s.emit(e, "escrow.releasing")

	txHash, relErr := s.releaser.ReleaseMutual(ctx, e.VaultAddr)
	if txHash != "" {
		e.ReleaseTx = txHash
	}
	if relErr != nil {
		if errors.Is(relErr, context.DeadlineExceeded) || isTimeout(relErr) {
			// Tx is in flight but unconfirmed. Leave the record in
			// pending_release; sync settles it once the chain decides.
			s.logger.Warn("mutual release unconfirmed within window",
				"escrow_id", e.ID, "tx", txHash)
			e.SetError("release confirmation timed out")
			if uerr := s.store.Update(ctx, e, StatusPendingRelease); uerr != nil {
				s.logger.Warn("persisting pending release", "escrow_id", e.ID, "error", uerr)
			}
			s.recordEvent(ctx, e.ID, "release_pending", RoleNone, map[string]interface{}{"tx": txHash})
			return e, nil
		}
		// Confirmed failure: roll back to funded so the parties can retry
		// or settle instead. Approvals stay set; intent was expressed.
		s.logger.Error("mutual release reverted",
			"escrow_id", e.ID, "tx", txHash, "error", relErr)
		e.SetError("release failed: " + relErr.Error())
		if err := s.transition(ctx, e, StatusPendingRelease, StatusFunded); err != nil {
			return nil, err
		}
		s.recordEvent(ctx, e.ID, "release_failed", RoleNone, map[string]interface{}{
			"tx": txHash, "error": relErr.Error(),
		})
		return e, fmt.Errorf("executing release: %w", relErr)
	}

	e.ReleasedMinor = e.TotalMinor
	e.RemainingMinor = 0
	e.ClearError()
	if err := s.transition(ctx, e, StatusPendingRelease, StatusReleased); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "released", RoleNone, map[string]interface{}{"tx": txHash})
	s.emit(e, "escrow.released")
	return e, nil
}

// RequestCancel records a party's post-funding cancellation request.
// The first request only sets a flag. When the second party concurs we
// attempt the on-chain cancel; if the chain call fails neither flag nor
// status is persisted, so the caller's request evaporates and can be
// retried.
func (s *Service) RequestCancel(ctx context.Context, id, party string) (*Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == RoleNone {
		return nil, ErrNotParty
	}
	if e.IsTerminal() {
		return nil, ErrTerminal
	}
	if e.Status != StatusFunded {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, e.Status)
	}

	otherWants := false
	switch role {
	case RolePayer:
		otherWants = e.RecipientWantsCancel
		e.PayerWantsCancel = true
	case RoleRecipient:
		otherWants = e.PayerWantsCancel
		e.RecipientWantsCancel = true
	}

	if !otherWants {
		if err := s.store.Update(ctx, e, StatusFunded); err != nil {
			return nil, err
		}
		s.recordEvent(ctx, e.ID, "cancel_requested", role, nil)
		s.emit(e, "escrow.cancel_requested")
		return e, nil
	}

	// Both parties concur. All-or-nothing: the flag write and the status
	// change land only after the chain cancel succeeded.
	txHash, cancelErr := s.canceller.Cancel(ctx, e.VaultAddr)
	if cancelErr != nil {
		s.logger.Error("mutual cancellation failed on chain",
			"escrow_id", e.ID, "tx", txHash, "error", cancelErr)
		s.recordEvent(ctx, e.ID, "cancel_failed", role, map[string]interface{}{
			"tx": txHash, "error": cancelErr.Error(),
		})
		return nil, fmt.Errorf("executing cancellation: %w", cancelErr)
	}

	e.RefundTx = txHash
	e.RemainingMinor = 0
	e.ClearError()
	if err := s.transition(ctx, e, StatusFunded, StatusCancelled); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "cancelled", role, map[string]interface{}{"tx": txHash})
	s.emit(e, "escrow.cancelled")
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) GetByAlias(ctx context.Context, alias string) (*Escrow, error) {
	return s.store.GetByAlias(ctx, strings.ToUpper(alias))
}

func (s *Service) ListByParty(ctx context.Context, party string, limit int, opts ...ListOption) ([]*Escrow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByParty(ctx, party, limit, opts...)
}

func (s *Service) Events(ctx context.Context, escrowID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListEvents(ctx, escrowID, limit)
}

// transition performs a conditional status write and the bookkeeping
// that goes with it.
func (s *Service) transition(ctx context.Context, e *Escrow, from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e.Status = to
	if err := s.store.Update(ctx, e, from); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			metrics.StaleWritesTotal.Inc()
		}
		e.Status = from
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("escrow transition",
		"escrow_id", e.ID, "from", from, "to", to)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastEscrow(e)
	}
	return nil
}

func (s *Service) resolveWallets(ctx context.Context, e *Escrow) {
	if s.resolver == nil {
		return
	}
	if e.PayerWallet == "" {
		if w, err := s.resolver.ResolveWallet(ctx, e.Payer); err == nil {
			e.PayerWallet = w
		}
	}
	if e.RecipientWallet == "" {
		if w, err := s.resolver.ResolveWallet(ctx, e.Recipient); err == nil {
			e.RecipientWallet = w
		}
	}
}

// Lock acquires the per-escrow mutation lock and returns its unlock
// function. Collaborating services that read-modify-write the same
// records take it so their writes queue with the lifecycle's own.
func (s *Service) Lock(id string) func() {
	return s.locks.Lock(id)
}

func (s *Service) recordEvent(ctx context.Context, escrowID, kind string, actor Role, payload map[string]interface{}) {
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		EscrowID:  escrowID,
		Kind:      kind,
		Actor:     actor,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn("recording escrow event failed",
			"escrow_id", escrowID, "kind", kind, "error", err)
	}
}

func (s *Service) emit(e *Escrow, kind string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Emit(e.ID, kind, map[string]interface{}{
		"status":     string(e.Status),
		"totalMinor": e.TotalMinor,
		"vaultAddr":  e.VaultAddr,
	})
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "timed out")
}
