// Package settlement manages partial-amount negotiation between the two
// parties: proposals, waivers, and acceptances. Nothing here moves
// funds; an accepted proposal is the trigger condition a later
// signature-authorized settlement call consumes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clearhold/clearhold/internal/escrow"
)

var (
	ErrNoProposal       = errors.New("no outstanding settlement proposal")
	ErrOwnProposal      = errors.New("proposer cannot accept own proposal")
	ErrProposalAccepted = errors.New("proposal already accepted")
)

// Lifecycle is the subset of escrow operations the shortcut paths
// converge on.
type Lifecycle interface {
	Approve(ctx context.Context, id, party string) (*escrow.Escrow, error)
	RequestCancel(ctx context.Context, id, party string) (*escrow.Escrow, error)
}

// Locker hands out the per-escrow mutation lock shared with the
// lifecycle service, so negotiation writes queue behind lifecycle
// writes on the same record instead of racing them.
type Locker interface {
	Lock(id string) func()
}

// Service implements settlement negotiation bookkeeping over the
// escrow store.
type Service struct {
	store     escrow.Store
	lifecycle Lifecycle
	locks     Locker
	logger    *slog.Logger
}

func NewService(store escrow.Store, lifecycle Lifecycle, locks Locker, logger *slog.Logger) *Service {
	return &Service{store: store, lifecycle: lifecycle, locks: locks, logger: logger}
}

// load fetches the escrow and checks the caller may negotiate on it.
// Negotiation is only meaningful while the vault holds funds and no
// resolution is in flight.
func (s *Service) load(ctx context.Context, id, party string) (*escrow.Escrow, escrow.Role, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, escrow.RoleNone, err
	}
	role := e.RoleOf(party)
	if role == escrow.RoleNone {
		return nil, escrow.RoleNone, escrow.ErrNotParty
	}
	if e.IsTerminal() {
		return nil, role, escrow.ErrTerminal
	}
	if e.Status != escrow.StatusFunded {
		return nil, role, fmt.Errorf("%w: status %s", escrow.ErrInvalidTransition, e.Status)
	}
	return e, role, nil
}

// Propose records a split of the remaining balance. Either party may
// propose; a new proposal replaces an outstanding unaccepted one
// (counter-proposal). The amount is the recipient's share.
func (s *Service) Propose(ctx context.Context, id, party string, amountMinor int64, reason string) (*escrow.Escrow, error) {
	defer s.locks.Lock(id)()

	e, role, err := s.load(ctx, id, party)
	if err != nil {
		return nil, err
	}
	if amountMinor <= 0 || amountMinor > e.RemainingMinor {
		return nil, fmt.Errorf("%w: must be within (0, %d]", escrow.ErrInvalidAmount, e.RemainingMinor)
	}
	if e.Settlement != nil && e.Settlement.Accepted {
		return nil, ErrProposalAccepted
	}

	now := time.Now()
	e.Settlement = &escrow.SettlementProposal{
		ProposedBy:  role,
		AmountMinor: amountMinor,
		Reason:      reason,
		ProposedAt:  now,
	}
	e.SettlementHistory = append(e.SettlementHistory, escrow.SettlementAction{
		Kind:        "proposed",
		Actor:       role,
		AmountMinor: amountMinor,
		Reason:      reason,
		At:          now,
	})
	if err := s.store.Update(ctx, e, escrow.StatusFunded); err != nil {
		return nil, err
	}
	s.logger.Info("settlement proposed",
		"escrow_id", e.ID, "by", role, "amount", amountMinor)
	return e, nil
}

// Waive lets the recipient give up part of their claim, shifting the
// amount from remaining to released in the record. Bookkeeping only;
// the on-chain transfer follows with the next relay.
func (s *Service) Waive(ctx context.Context, id, party string, amountMinor int64, reason string) (*escrow.Escrow, error) {
	defer s.locks.Lock(id)()

	e, role, err := s.load(ctx, id, party)
	if err != nil {
		return nil, err
	}
	if role != escrow.RoleRecipient {
		return nil, fmt.Errorf("%w: only the recipient can waive", escrow.ErrWrongRole)
	}
	if amountMinor <= 0 || amountMinor > e.RemainingMinor {
		return nil, fmt.Errorf("%w: must be within (0, %d]", escrow.ErrInvalidAmount, e.RemainingMinor)
	}

	e.ReleasedMinor += amountMinor
	e.RemainingMinor -= amountMinor
	e.SettlementHistory = append(e.SettlementHistory, escrow.SettlementAction{
		Kind:        "waived",
		Actor:       role,
		AmountMinor: amountMinor,
		Reason:      reason,
		At:          time.Now(),
	})
	if err := s.store.Update(ctx, e, escrow.StatusFunded); err != nil {
		return nil, err
	}
	s.logger.Info("amount waived",
		"escrow_id", e.ID, "amount", amountMinor, "remaining", e.RemainingMinor)
	return e, nil
}

// Accept records the counterparty's agreement to the outstanding
// proposal and fixes each side's final share of the remaining balance.
func (s *Service) Accept(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	defer s.locks.Lock(id)()

	e, role, err := s.load(ctx, id, party)
	if err != nil {
		return nil, err
	}
	if e.Settlement == nil {
		return nil, ErrNoProposal
	}
	if e.Settlement.Accepted {
		return nil, ErrProposalAccepted
	}
	if role == e.Settlement.ProposedBy {
		return nil, ErrOwnProposal
	}
	// A proposal can outlive a waive that shrank the remaining balance.
	if e.Settlement.AmountMinor > e.RemainingMinor {
		return nil, fmt.Errorf("%w: proposal exceeds current remaining balance", escrow.ErrInvalidAmount)
	}

	e.Settlement.Accepted = true
	e.Settlement.RecipientMinor = e.Settlement.AmountMinor
	e.Settlement.PayerMinor = e.RemainingMinor - e.Settlement.AmountMinor
	e.SettlementHistory = append(e.SettlementHistory, escrow.SettlementAction{
		Kind:        "accepted",
		Actor:       role,
		AmountMinor: e.Settlement.AmountMinor,
		At:          time.Now(),
	})
	if err := s.store.Update(ctx, e, escrow.StatusFunded); err != nil {
		return nil, err
	}
	s.logger.Info("settlement accepted",
		"escrow_id", e.ID, "recipient_share", e.Settlement.RecipientMinor,
		"payer_share", e.Settlement.PayerMinor)
	return e, nil
}

// ApproveFull abandons negotiation in favor of a full release: any
// outstanding proposal is cleared and the caller's approval flag set.
func (s *Service) ApproveFull(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	if _, err := s.clearProposal(ctx, id, party); err != nil {
		return nil, err
	}
	return s.lifecycle.Approve(ctx, id, party)
}

// RefundFull abandons negotiation in favor of a full return to the
// payer: any outstanding proposal is cleared and the caller's
// cancellation intent set.
func (s *Service) RefundFull(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	if _, err := s.clearProposal(ctx, id, party); err != nil {
		return nil, err
	}
	return s.lifecycle.RequestCancel(ctx, id, party)
}

func (s *Service) clearProposal(ctx context.Context, id, party string) (*escrow.Escrow, error) {
	defer s.locks.Lock(id)()

	e, role, err := s.load(ctx, id, party)
	if err != nil {
		return nil, err
	}
	if e.Settlement == nil {
		return e, nil
	}
	e.Settlement = nil
	e.SettlementHistory = append(e.SettlementHistory, escrow.SettlementAction{
		Kind:  "cleared",
		Actor: role,
		At:    time.Now(),
	})
	if err := s.store.Update(ctx, e, escrow.StatusFunded); err != nil {
		return nil, err
	}
	return e, nil
}
