// Package authz verifies party-signed resolution authorizations and
// relays them to the vault with the operator paying gas.
//
// The payer signs a release, the recipient signs a refund, and a
// negotiated settlement carries the payer's signature over the exact
// amount. Verification here is a pre-flight courtesy; the vault
// re-checks everything on chain, and only the vault's stored flags
// decide what actually happened.
package authz

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/units"
)

var (
	ErrDeadlinePassed       = errors.New("authorization deadline already passed")
	ErrDeadlineTooFar       = errors.New("authorization deadline too far in the future")
	ErrSignerMismatch       = errors.New("signature not from the expected party")
	ErrMalformedSig         = errors.New("malformed signature")
	ErrNoVault              = errors.New("escrow has no deployed vault")
	ErrAlreadyResolved      = errors.New("vault already resolved")
	ErrNoAcceptedSettlement = errors.New("no accepted settlement proposal")
	ErrSettlementMismatch   = errors.New("authorized amount does not match the accepted proposal")
)

// Action names the three signature-gated vault entry points.
type Action string

const (
	ActionRelease    Action = "release"
	ActionRefund     Action = "refund"
	ActionSettlement Action = "settlement"
)

// ChainReader is the read-only vault surface the verifier needs.
type ChainReader interface {
	DomainSeparator(ctx context.Context, vault common.Address) ([32]byte, error)
	VaultParties(ctx context.Context, vault common.Address) (payer, recipient common.Address, err error)
	VaultFlags(ctx context.Context, vault common.Address) (released, refunded bool, err error)
}

// TxRelayer submits resolution transactions with sponsored gas.
type TxRelayer interface {
	Release(ctx context.Context, vault common.Address, nonce, deadline *big.Int, sig []byte) (string, error)
	Refund(ctx context.Context, vault common.Address, nonce, deadline *big.Int, sig []byte) (string, error)
	Settle(ctx context.Context, vault common.Address, amount, nonce, deadline *big.Int, sig []byte) (string, error)
}

// Authorization is a decoded, not-yet-verified resolution request.
type Authorization struct {
	Action      Action
	AmountMinor int64 // Settlement only: recipient share in minor units
	Nonce       *big.Int
	Deadline    *big.Int
	Signature   []byte
}

// ParseAuthorization decodes the wire form of an authorization.
func ParseAuthorization(action Action, amountMinor int64, nonce, deadline int64, sigHex string) (*Authorization, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: 65 bytes required, got %d", ErrMalformedSig, len(sig))
	}
	if nonce < 0 || deadline < 0 {
		return nil, fmt.Errorf("%w: negative nonce or deadline", ErrMalformedSig)
	}
	return &Authorization{
		Action:      action,
		AmountMinor: amountMinor,
		Nonce:       big.NewInt(nonce),
		Deadline:    big.NewInt(deadline),
		Signature:   sig,
	}, nil
}

// Service verifies authorizations and drives the relay + record update.
type Service struct {
	store       escrow.Store
	chain       ChainReader
	relayer     TxRelayer
	logger      *slog.Logger
	maxDeadline time.Duration
}

func NewService(store escrow.Store, chainReader ChainReader, relayer TxRelayer, maxDeadline time.Duration, logger *slog.Logger) *Service {
	if maxDeadline <= 0 {
		maxDeadline = 24 * time.Hour
	}
	return &Service{
		store:       store,
		chain:       chainReader,
		relayer:     relayer,
		logger:      logger,
		maxDeadline: maxDeadline,
	}
}

// Execute verifies the authorization against the live vault and, if it
// holds up, relays the matching transaction. The returned record
// reflects what the chain confirmed, not what the caller hoped for.
func (s *Service) Execute(ctx context.Context, escrowID, caller string, auth *Authorization) (*escrow.Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	role := e.RoleOf(caller)
	if role == escrow.RoleNone {
		return nil, escrow.ErrNotParty
	}
	if e.IsTerminal() {
		return nil, escrow.ErrTerminal
	}
	if e.Status != escrow.StatusFunded {
		return nil, fmt.Errorf("%w: status %s", escrow.ErrInvalidTransition, e.Status)
	}
	if !e.Deployed || e.VaultAddr == "" {
		return nil, ErrNoVault
	}
	if auth.Action == ActionSettlement {
		if auth.AmountMinor <= 0 || auth.AmountMinor > e.RemainingMinor {
			return nil, escrow.ErrInvalidAmount
		}
		// The payer's signature alone is not enough: the counterparty
		// must have accepted this exact split in negotiation first.
		if e.Settlement == nil || !e.Settlement.Accepted {
			return nil, ErrNoAcceptedSettlement
		}
		if auth.AmountMinor != e.Settlement.AmountMinor {
			return nil, fmt.Errorf("%w: authorized %d, accepted %d",
				ErrSettlementMismatch, auth.AmountMinor, e.Settlement.AmountMinor)
		}
	}

	vault := common.HexToAddress(e.VaultAddr)
	if err := s.verify(ctx, e, vault, auth); err != nil {
		return nil, err
	}

	// pending_release before the relay: concurrent submissions for the
	// same vault serialize at this conditional write.
	e.Status = escrow.StatusPendingRelease
	if err := s.store.Update(ctx, e, escrow.StatusFunded); err != nil {
		if errors.Is(err, escrow.ErrStaleStatus) {
			metrics.StaleWritesTotal.Inc()
		}
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(escrow.StatusPendingRelease)).Inc()

	start := time.Now()
	txHash, relayErr := s.relay(ctx, vault, auth)
	metrics.RelayDuration.WithLabelValues(string(auth.Action)).Observe(time.Since(start).Seconds())

	switch {
	case relayErr == nil:
		metrics.RelayTotal.WithLabelValues(string(auth.Action), "success").Inc()
		return s.finalize(ctx, e, role, auth, txHash)
	case errors.Is(relayErr, chain.ErrTimeout):
		// Tx in flight, outcome unknown. Record stays pending; the sync
		// loop resolves it from chain truth.
		metrics.RelayTotal.WithLabelValues(string(auth.Action), "pending").Inc()
		s.recordTx(e, auth.Action, txHash)
		e.SetError("confirmation timed out, resolution pending")
		if uerr := s.store.Update(ctx, e, escrow.StatusPendingRelease); uerr != nil {
			s.logger.Warn("persisting pending resolution", "escrow_id", e.ID, "error", uerr)
		}
		s.logger.Warn("resolution unconfirmed within window",
			"escrow_id", e.ID, "action", auth.Action, "tx", txHash)
		return e, nil
	default:
		metrics.RelayTotal.WithLabelValues(string(auth.Action), "error").Inc()
		return s.rollback(ctx, e, role, auth, txHash, relayErr)
	}
}

// verify checks the deadline window and recovers the signer against the
// vault's own idea of who the parties are.
func (s *Service) verify(ctx context.Context, e *escrow.Escrow, vault common.Address, auth *Authorization) error {
	now := time.Now().Unix()
	deadline := auth.Deadline.Int64()
	if deadline <= now {
		return ErrDeadlinePassed
	}
	if deadline > now+int64(s.maxDeadline.Seconds()) {
		return ErrDeadlineTooFar
	}

	domainSep, err := s.chain.DomainSeparator(ctx, vault)
	if err != nil {
		return fmt.Errorf("reading vault domain separator: %w", err)
	}

	var digest common.Hash
	switch auth.Action {
	case ActionRelease:
		digest = ReleaseDigest(domainSep, auth.Nonce, auth.Deadline)
	case ActionRefund:
		digest = RefundDigest(domainSep, auth.Nonce, auth.Deadline)
	case ActionSettlement:
		digest = SettlementDigest(domainSep, units.ToChain(auth.AmountMinor), auth.Nonce, auth.Deadline)
	default:
		return fmt.Errorf("unknown action %q", auth.Action)
	}

	signer, err := RecoverSigner(digest, auth.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}

	expected, err := s.expectedSigner(ctx, e, vault, auth.Action)
	if err != nil {
		return err
	}
	if signer != expected {
		s.logger.Warn("authorization signer mismatch",
			"escrow_id", e.ID, "action", auth.Action,
			"recovered", signer.Hex(), "expected", expected.Hex())
		return ErrSignerMismatch
	}
	return nil
}

// expectedSigner resolves which wallet must have signed: the payer
// authorizes money leaving toward the recipient (release, settlement),
// the recipient authorizes money going back (refund). The vault's own
// party accessors are preferred over anything the record stored.
func (s *Service) expectedSigner(ctx context.Context, e *escrow.Escrow, vault common.Address, action Action) (common.Address, error) {
	payer, recipient, err := s.chain.VaultParties(ctx, vault)
	if err != nil {
		s.logger.Warn("vault party lookup failed, using stored wallets",
			"escrow_id", e.ID, "error", err)
		payer = common.HexToAddress(e.PayerWallet)
		recipient = common.HexToAddress(e.RecipientWallet)
	}
	switch action {
	case ActionRelease, ActionSettlement:
		if payer == (common.Address{}) {
			return common.Address{}, escrow.ErrWalletMissing
		}
		return payer, nil
	case ActionRefund:
		if recipient == (common.Address{}) {
			return common.Address{}, escrow.ErrWalletMissing
		}
		return recipient, nil
	}
	return common.Address{}, fmt.Errorf("unknown action %q", action)
}

func (s *Service) relay(ctx context.Context, vault common.Address, auth *Authorization) (string, error) {
	switch auth.Action {
	case ActionRelease:
		return s.relayer.Release(ctx, vault, auth.Nonce, auth.Deadline, auth.Signature)
	case ActionRefund:
		return s.relayer.Refund(ctx, vault, auth.Nonce, auth.Deadline, auth.Signature)
	case ActionSettlement:
		return s.relayer.Settle(ctx, vault, units.ToChain(auth.AmountMinor), auth.Nonce, auth.Deadline, auth.Signature)
	}
	return "", fmt.Errorf("unknown action %q", auth.Action)
}

// finalize lands the terminal status after a confirmed resolution. The
// vault flags are re-read so the record says what the chain says, not
// what we submitted.
func (s *Service) finalize(ctx context.Context, e *escrow.Escrow, actor escrow.Role, auth *Authorization, txHash string) (*escrow.Escrow, error) {
	s.recordTx(e, auth.Action, txHash)
	released, refunded, err := s.chain.VaultFlags(ctx, common.HexToAddress(e.VaultAddr))
	if err != nil {
		// Confirmed but unverifiable. Stay pending; sync picks it up.
		s.logger.Warn("vault flags unreadable after confirmed resolution",
			"escrow_id", e.ID, "tx", txHash, "error", err)
		e.SetError("resolution confirmed, flags unreadable")
		if uerr := s.store.Update(ctx, e, escrow.StatusPendingRelease); uerr != nil {
			s.logger.Warn("persisting pending resolution", "escrow_id", e.ID, "error", uerr)
		}
		return e, nil
	}

	var target escrow.Status
	switch {
	case auth.Action == ActionSettlement && released:
		target = escrow.StatusSettled
		e.ReleasedMinor += auth.AmountMinor
		e.RemainingMinor = e.TotalMinor - e.ReleasedMinor
		// The accepted proposal is spent; any later negotiation starts
		// from a clean slate.
		if e.Settlement != nil {
			e.Settlement = nil
			e.SettlementHistory = append(e.SettlementHistory, escrow.SettlementAction{
				Kind:        "consumed",
				Actor:       actor,
				AmountMinor: auth.AmountMinor,
				At:          time.Now(),
			})
		}
	case released:
		target = escrow.StatusReleased
		e.ReleasedMinor = e.TotalMinor
		e.RemainingMinor = 0
	case refunded:
		target = escrow.StatusRefunded
	default:
		s.logger.Error("confirmed resolution but vault flags unchanged",
			"escrow_id", e.ID, "tx", txHash)
		e.SetError("resolution confirmed but vault flags unchanged")
		if uerr := s.store.Update(ctx, e, escrow.StatusPendingRelease); uerr != nil {
			s.logger.Warn("persisting pending resolution", "escrow_id", e.ID, "error", uerr)
		}
		return e, fmt.Errorf("tx %s confirmed but vault flags unchanged", txHash)
	}

	e.Status = target
	e.ClearError()
	if err := s.store.Update(ctx, e, escrow.StatusPendingRelease); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(target)).Inc()
	payload := map[string]interface{}{"tx": txHash}
	if auth.Action == ActionSettlement {
		payload["amountMinor"] = auth.AmountMinor
	}
	s.recordEvent(ctx, e.ID, string(target), actor, payload)
	s.logger.Info("resolution confirmed",
		"escrow_id", e.ID, "action", auth.Action, "status", target, "tx", txHash)
	return e, nil
}

// rollback reverts a confirmed on-chain failure to funded, mapping the
// revert reason onto the error taxonomy.
func (s *Service) rollback(ctx context.Context, e *escrow.Escrow, actor escrow.Role, auth *Authorization, txHash string, relayErr error) (*escrow.Escrow, error) {
	mapped := relayErr
	if errors.Is(relayErr, chain.ErrTxReverted) || strings.Contains(strings.ToLower(relayErr.Error()), "revert") {
		mapped = fmt.Errorf("%w: %v", chain.CategorizeRevert(relayErr.Error()), relayErr)
	}

	// "Already released/refunded" is not a failure, someone else's tx
	// won. Re-sync from flags instead of rolling back.
	if errors.Is(mapped, chain.ErrAlreadyProcessed) {
		s.logger.Info("resolution already executed on chain",
			"escrow_id", e.ID, "action", auth.Action)
		return s.finalize(ctx, e, actor, auth, txHash)
	}

	e.Status = escrow.StatusFunded
	e.SetError(fmt.Sprintf("%s failed: %v", auth.Action, mapped))
	if uerr := s.store.Update(ctx, e, escrow.StatusPendingRelease); uerr != nil {
		s.logger.Error("rollback after failed resolution",
			"escrow_id", e.ID, "error", uerr)
		return nil, uerr
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(escrow.StatusFunded)).Inc()
	s.logger.Warn("resolution reverted",
		"escrow_id", e.ID, "action", auth.Action, "tx", txHash, "error", mapped)
	return e, mapped
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
		s.logger.Warn("recording resolution event failed",
			"escrow_id", escrowID, "kind", kind, "error", err)
	}
}

func (s *Service) recordTx(e *escrow.Escrow, action Action, txHash string) {
	if txHash == "" {
		return
	}
	switch action {
	case ActionRefund:
		e.RefundTx = txHash
	default:
		e.ReleaseTx = txHash
	}
}
