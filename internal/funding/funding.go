// Package funding lets a payer cover an escrow with a card instead of
// sending tokens directly. A Stripe PaymentIntent is created for the
// escrow amount; once Stripe confirms the payment the operator bridges
// the equivalent tokens to the predicted vault address, and the
// deployment reconciler picks it up from there.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/idgen"
)

var (
	ErrNotPayer     = errors.New("only the payer can fund an escrow")
	ErrNotFundable  = errors.New("escrow is not awaiting funding")
	ErrNoVault      = errors.New("escrow has no predicted vault address yet")
	ErrNoEscrowRef  = errors.New("payment carries no escrow reference")
	ErrBadSignature = errors.New("webhook signature verification failed")
)

// IntentCreator abstracts the Stripe PaymentIntent API so tests do not
// hit the network.
type IntentCreator interface {
	Create(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// DeployChecker re-runs the funding check for one escrow. Satisfied by
// the deployment reconciler.
type DeployChecker interface {
	Check(ctx context.Context, id string) (*escrow.Escrow, error)
}

// Service creates card payment intents and consumes Stripe webhooks.
type Service struct {
	store         escrow.Store
	intents       IntentCreator
	checker       DeployChecker
	webhookSecret string
	logger        *slog.Logger
}

func NewService(store escrow.Store, intents IntentCreator, checker DeployChecker, webhookSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		intents:       intents,
		checker:       checker,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// CreateIntent opens a card payment for the full escrow amount. Only
// the payer may fund, and only once the vault address is predicted so
// the bridged tokens have somewhere to land.
func (s *Service) CreateIntent(ctx context.Context, escrowID, party string) (*stripe.PaymentIntent, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.RoleOf(party) != escrow.RolePayer {
		return nil, ErrNotPayer
	}
	if e.Status != escrow.StatusAccepted && e.Status != escrow.StatusDeployed {
		return nil, fmt.Errorf("%w: status %s", ErrNotFundable, e.Status)
	}
	if e.VaultAddr == "" {
		return nil, ErrNoVault
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(CentsFromMinor(e.TotalMinor)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.AddMetadata("escrow_id", e.ID)
	params.AddMetadata("vault_addr", e.VaultAddr)

	pi, err := s.intents.Create(params)
	if err != nil {
		return nil, fmt.Errorf("creating payment intent: %w", err)
	}

	s.recordEvent(ctx, e.ID, "funding_intent_created", e.RoleOf(party), map[string]interface{}{
		"intent": pi.ID, "amountCents": pi.Amount,
	})
	return pi, nil
}

// HandlePaymentSucceeded reacts to a confirmed card payment: note the
// payment on the escrow record and kick the deployment reconciler so
// the vault deploys as soon as the bridged tokens arrive.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, pi *stripe.PaymentIntent) error {
	escrowID := pi.Metadata["escrow_id"]
	if escrowID == "" {
		return ErrNoEscrowRef
	}
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}

	s.recordEvent(ctx, e.ID, "funding_payment_succeeded", escrow.RoleNone, map[string]interface{}{
		"intent": pi.ID, "amountCents": pi.Amount,
	})
	s.logger.Info("card payment confirmed",
		"escrow_id", e.ID, "intent", pi.ID, "amount_cents", pi.Amount)

	if _, err := s.checker.Check(ctx, e.ID); err != nil {
		// The bridge may not have landed the tokens yet. The periodic
		// sweep retries, so a miss here is not fatal.
		s.logger.Warn("post-payment deployment check failed",
			"escrow_id", e.ID, "error", err)
	}
	return nil
}

// HandlePaymentFailed records the failure on the escrow so the parties
// can see why funding never arrived.
func (s *Service) HandlePaymentFailed(ctx context.Context, pi *stripe.PaymentIntent) error {
	escrowID := pi.Metadata["escrow_id"]
	if escrowID == "" {
		return ErrNoEscrowRef
	}
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return err
	}

	reason := "card payment failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		reason = pi.LastPaymentError.Msg
	}
	e.SetError(reason)
	if err := s.store.Update(ctx, e, e.Status); err != nil {
		return err
	}
	s.recordEvent(ctx, e.ID, "funding_payment_failed", escrow.RoleNone, map[string]interface{}{
		"intent": pi.ID, "reason": reason,
	})
	return nil
}

// CentsFromMinor converts token base units (6 decimals) to USD cents,
// rounding up so the card charge always covers the escrow in full.
func CentsFromMinor(minor int64) int64 {
	return (minor + 9999) / 10000
}

func (s *Service) recordEvent(ctx context.Context, escrowID, kind string, actor escrow.Role, data map[string]interface{}) {
	if err := s.store.AppendEvent(ctx, &escrow.Event{
		ID:        idgen.WithPrefix("evt_"),
		EscrowID:  escrowID,
		Kind:      kind,
		Actor:     actor,
		Payload:   data,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("recording funding event failed",
			"escrow_id", escrowID, "kind", kind, "error", err)
	}
}
