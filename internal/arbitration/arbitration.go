// Package arbitration implements the dispute escalation flow: either
// party funds a dispute, the counterparty has a fixed window to match
// the fee, and an unmatched window lets the original disputer claim
// resolution in their favor.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/units"
)

var (
	ErrNoDispute     = errors.New("no arbitration in progress")
	ErrDisputeOpen   = errors.New("arbitration already in progress")
	ErrNotInitiator  = errors.New("only the disputing party may claim the timeout")
	ErrNotRespondent = errors.New("only the counterparty may pay the matching fee")
	ErrWindowOpen    = errors.New("counter-payment window has not passed yet")
	ErrWindowClosed  = errors.New("counter-payment window has closed")
)

// ChainReader reads the arbitration fee published by the vault.
type ChainReader interface {
	ArbitrationFee(ctx context.Context, vault common.Address) (*big.Int, error)
}

// TxRelayer submits arbitration transactions with sponsored gas.
type TxRelayer interface {
	ArbitrationRequest(ctx context.Context, vault common.Address, fee *big.Int) (string, error)
	ArbitrationPay(ctx context.Context, vault common.Address, fee *big.Int) (string, error)
	ArbitrationTimeout(ctx context.Context, vault common.Address) (string, error)
}

// Locker hands out the per-escrow mutation lock shared with the
// lifecycle service, so dispute writes queue behind lifecycle writes
// on the same record instead of racing them.
type Locker interface {
	Lock(id string) func()
}

// Service drives the dispute flow over the escrow store.
type Service struct {
	store   escrow.Store
	chain   ChainReader
	relayer TxRelayer
	locks   Locker
	logger  *slog.Logger

	window  time.Duration
	testFee int64 // Fixed fee in minor units for test environments; 0 reads the vault
}

func NewService(store escrow.Store, chainReader ChainReader, relayer TxRelayer, locks Locker, window time.Duration, testFeeMinor int64, logger *slog.Logger) *Service {
	if window <= 0 {
		window = 72 * time.Hour
	}
	return &Service{
		store:   store,
		chain:   chainReader,
		relayer: relayer,
		locks:   locks,
		logger:  logger,
		window:  window,
		testFee: testFeeMinor,
	}
}

func (s *Service) fee(ctx context.Context, vault common.Address) (*big.Int, error) {
	if s.testFee > 0 {
		return units.ToChain(s.testFee), nil
	}
	fee, err := s.chain.ArbitrationFee(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("reading arbitration fee: %w", err)
	}
	return fee, nil
}

// Request opens a dispute. The requester's fee payment goes on chain
// immediately; the counterparty's response deadline is persisted so the
// window survives restarts.
func (s *Service) Request(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == escrow.RoleNone {
		return nil, escrow.ErrNotParty
	}
	if e.IsTerminal() {
		return nil, escrow.ErrTerminal
	}
	if e.Status != escrow.StatusFunded {
		return nil, fmt.Errorf("%w: status %s", escrow.ErrInvalidTransition, e.Status)
	}
	if e.Arbitration.Status != escrow.ArbitrationNone && e.Arbitration.Status != "" {
		return nil, ErrDisputeOpen
	}

	vault := common.HexToAddress(e.VaultAddr)
	fee, err := s.fee(ctx, vault)
	if err != nil {
		return nil, err
	}

	txHash, err := s.relayer.ArbitrationRequest(ctx, vault, fee)
	if err != nil {
		metrics.RelayTotal.WithLabelValues("arbitration_request", "error").Inc()
		e.SetError("arbitration request failed: " + err.Error())
		if uerr := s.store.Update(ctx, e, escrow.StatusFunded); uerr != nil {
			s.logger.Warn("persisting arbitration failure", "escrow_id", e.ID, "error", uerr)
		}
		return nil, fmt.Errorf("requesting arbitration: %w", err)
	}
	metrics.RelayTotal.WithLabelValues("arbitration_request", "success").Inc()

	now := time.Now()
	deadline := now.Add(s.window)
	e.Arbitration = escrow.Arbitration{
		Status:           escrow.ArbitrationRequested,
		Initiator:        role,
		RequestedAt:      &now,
		ResponseDeadline: &deadline,
	}
	e.ClearError()
	if err := s.store.Update(ctx, e, escrow.StatusFunded); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "arbitration_requested", role, map[string]interface{}{
		"tx": txHash, "responseDeadline": deadline.Format(time.RFC3339),
	})
	s.logger.Info("arbitration requested",
		"escrow_id", e.ID, "by", role, "tx", txHash,
		"response_deadline", deadline.Format(time.RFC3339))
	return e, nil
}

// Pay matches the dispute fee from the counterparty, activating the
// external arbitrator.
func (s *Service) Pay(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == escrow.RoleNone {
		return nil, escrow.ErrNotParty
	}
	if e.Arbitration.Status != escrow.ArbitrationRequested {
		return nil, ErrNoDispute
	}
	if role == e.Arbitration.Initiator {
		return nil, ErrNotRespondent
	}
	if e.Arbitration.ResponseDeadline != nil && time.Now().After(*e.Arbitration.ResponseDeadline) {
		return nil, ErrWindowClosed
	}

	vault := common.HexToAddress(e.VaultAddr)
	fee, err := s.fee(ctx, vault)
	if err != nil {
		return nil, err
	}

	txHash, err := s.relayer.ArbitrationPay(ctx, vault, fee)
	if err != nil {
		metrics.RelayTotal.WithLabelValues("arbitration_pay", "error").Inc()
		return nil, fmt.Errorf("paying arbitration fee: %w", err)
	}
	metrics.RelayTotal.WithLabelValues("arbitration_pay", "success").Inc()

	e.Arbitration.Status = escrow.ArbitrationActive
	if err := s.store.Update(ctx, e, e.Status); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, e.ID, "arbitration_fee_paid", role, map[string]interface{}{"tx": txHash})
	s.logger.Info("arbitration fee matched, dispute active",
		"escrow_id", e.ID, "by", role, "tx", txHash)
	return e, nil
}

// ClaimTimeout resolves an unanswered dispute in the disputer's favor.
// The deadline must have strictly passed before anything touches the
// chain; a premature claim would just burn a rejected transaction.
func (s *Service) ClaimTimeout(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	defer s.locks.Lock(id)()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(party)
	if role == escrow.RoleNone {
		return nil, escrow.ErrNotParty
	}
	if e.Arbitration.Status != escrow.ArbitrationRequested {
		return nil, ErrNoDispute
	}
	if role != e.Arbitration.Initiator {
		return nil, ErrNotInitiator
	}
	if e.Arbitration.ResponseDeadline == nil || !time.Now().After(*e.Arbitration.ResponseDeadline) {
		return nil, ErrWindowOpen
	}
	if e.Status != escrow.StatusFunded {
		return nil, fmt.Errorf("%w: status %s", escrow.ErrInvalidTransition, e.Status)
	}

	// Disputing payer gets funds back; disputing recipient gets paid out.
	target := escrow.StatusRefunded
	ruling := "refund to payer (counterparty defaulted)"
	if role == escrow.RoleRecipient {
		target = escrow.StatusReleased
		ruling = "release to recipient (counterparty defaulted)"
	}

	e.Status = escrow.StatusPendingRelease
	if err := s.store.Update(ctx, e, escrow.StatusFunded); err != nil {
		if errors.Is(err, escrow.ErrStaleStatus) {
			metrics.StaleWritesTotal.Inc()
		}
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(escrow.StatusPendingRelease)).Inc()

	vault := common.HexToAddress(e.VaultAddr)
	txHash, relayErr := s.relayer.ArbitrationTimeout(ctx, vault)
	if relayErr != nil {
		metrics.RelayTotal.WithLabelValues("arbitration_timeout", "error").Inc()
		e.Status = escrow.StatusFunded
		e.SetError("arbitration timeout claim failed: " + relayErr.Error())
		if uerr := s.store.Update(ctx, e, escrow.StatusPendingRelease); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("claiming arbitration timeout: %w", relayErr)
	}
	metrics.RelayTotal.WithLabelValues("arbitration_timeout", "success").Inc()

	e.Status = target
	e.Arbitration.Status = escrow.ArbitrationResolved
	e.Arbitration.Ruling = ruling
	if target == escrow.StatusReleased {
		e.ReleasedMinor = e.TotalMinor
		e.RemainingMinor = 0
		e.ReleaseTx = txHash
	} else {
		e.RefundTx = txHash
	}
	e.ClearError()
	if err := s.store.Update(ctx, e, escrow.StatusPendingRelease); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(target)).Inc()
	s.recordEvent(ctx, e.ID, "arbitration_resolved", role, map[string]interface{}{
		"tx": txHash, "ruling": ruling,
	})
	s.logger.Info("arbitration resolved by timeout",
		"escrow_id", e.ID, "ruling", ruling, "tx", txHash)
	return e, nil
}

func (s *Service) recordEvent(ctx context.Context, escrowID, kind string, actor escrow.Role, payload map[string]interface{}) {
	ev := &escrow.Event{
		ID:        idgen.WithPrefix("evt_"),
		EscrowID:  escrowID,
		Kind:      kind,
		Actor:     actor,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn("recording arbitration event failed",
			"escrow_id", escrowID, "kind", kind, "error", err)
	}
}
