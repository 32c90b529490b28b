// Package escrow holds the escrow record model, its status machine, and
// the conditional-write store contract.
//
// Flow:
//  1. Payer or recipient creates an escrow → record INITIATED
//  2. Counterparty accepts → salt generated, vault address predicted
//  3. Payer sends funds to the predicted address → reconciler deploys
//     the vault at that address and the record becomes FUNDED
//  4. Mutual approval or a signed authorization releases/refunds/settles
//  5. Sync re-derives amounts and status from chain truth
//
// The chain is the source of truth for custody; records here mirror it.
// Every status write is conditional on the previously-read status, which
// is what makes concurrent handler invocations for the same escrow safe.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/clearhold/clearhold/internal/pagination"
)

var (
	ErrNotFound          = errors.New("escrow not found")
	ErrStaleStatus       = errors.New("escrow status changed concurrently")
	ErrInvalidTransition = errors.New("invalid escrow status for this operation")
	ErrNotParty          = errors.New("caller is not a party to this escrow")
	ErrWrongRole         = errors.New("action reserved for the other party")
	ErrTerminal          = errors.New("escrow already in a terminal status")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrWalletMissing     = errors.New("party wallet not yet resolved")
)

// Status is the authoritative state of an escrow record.
type Status string

const (
	StatusInitiated      Status = "initiated"       // Created, waiting for counterparty
	StatusAccepted       Status = "accepted"        // Counterparty accepted, address predicted
	StatusDeployed       Status = "deployed"        // Vault code exists, balance sync pending
	StatusFunded         Status = "funded"          // Vault holds the escrowed balance
	StatusPendingRelease Status = "pending_release" // Release/refund/settlement tx sent, unconfirmed
	StatusReleased       Status = "released"        // Funds distributed to recipient
	StatusRefunded       Status = "refunded"        // Funds returned to payer
	StatusSettled        Status = "settled"         // Negotiated split executed
	StatusDeclined       Status = "declined"        // Counterparty declined pre-funding
	StatusCancelled      Status = "cancelled"       // Cancelled (unilateral pre-funding or mutual post-funding)
	StatusReleaseFailed  Status = "release_failed"  // Transient: confirmed on-chain failure, rolls back to funded
)

// transitions is the status graph. A write that is not an edge here is a
// programming error; a write whose precondition no longer holds is a
// stale-status error.
var transitions = map[Status][]Status{
	StatusInitiated:      {StatusAccepted, StatusDeclined, StatusCancelled},
	StatusAccepted:       {StatusDeployed, StatusFunded, StatusCancelled},
	StatusDeployed:       {StatusFunded},
	StatusFunded:         {StatusPendingRelease, StatusRefunded, StatusSettled, StatusCancelled},
	StatusPendingRelease: {StatusReleased, StatusRefunded, StatusSettled, StatusReleaseFailed, StatusFunded},
	StatusReleaseFailed:  {StatusFunded},
}

// CanTransitionTo reports whether s → next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further ledger-mutating action is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusSettled, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

// Role identifies which side of the escrow a party is on. Resolved once
// per request and threaded through explicitly.
type Role string

const (
	RoleNone      Role = ""
	RolePayer     Role = "payer"
	RoleRecipient Role = "recipient"
)

// Other returns the counterparty role.
func (r Role) Other() Role {
	switch r {
	case RolePayer:
		return RoleRecipient
	case RoleRecipient:
		return RolePayer
	}
	return RoleNone
}

// SettlementProposal is an outstanding (or accepted) partial-split proposal.
type SettlementProposal struct {
	ProposedBy     Role      `json:"proposedBy"`
	AmountMinor    int64     `json:"amountMinor"` // Share of the *remaining* balance going to the recipient
	Reason         string    `json:"reason,omitempty"`
	ProposedAt     time.Time `json:"proposedAt"`
	Accepted       bool      `json:"accepted"`
	PayerMinor     int64     `json:"payerMinor,omitempty"` // Final shares, set on acceptance
	RecipientMinor int64     `json:"recipientMinor,omitempty"`
}

// SettlementAction is one entry in the append-only settlement history.
type SettlementAction struct {
	Kind        string    `json:"kind"` // proposed, waived, accepted, cleared, consumed
	Actor       Role      `json:"actor"`
	AmountMinor int64     `json:"amountMinor,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// ArbitrationStatus tracks the dispute sub-state.
type ArbitrationStatus string

const (
	ArbitrationNone      ArbitrationStatus = "none"
	ArbitrationRequested ArbitrationStatus = "requested"
	ArbitrationActive    ArbitrationStatus = "active"
	ArbitrationResolved  ArbitrationStatus = "resolved"
)

// Arbitration holds the dispute-resolution fields of an escrow.
type Arbitration struct {
	Status           ArbitrationStatus `json:"status"`
	Initiator        Role              `json:"initiator,omitempty"`
	Ruling           string            `json:"ruling,omitempty"`
	RequestedAt      *time.Time        `json:"requestedAt,omitempty"`
	ResponseDeadline *time.Time        `json:"responseDeadline,omitempty"` // Counter-payment window end, persisted so timeout evaluation survives restarts
}

// Escrow is the central record mirroring one on-chain vault.
type Escrow struct {
	ID    string `json:"id"`
	Alias string `json:"alias,omitempty"` // Human-shareable lookup token

	Payer     string `json:"payer"` // Party identifier, not a wallet
	Recipient string `json:"recipient"`
	Initiator Role   `json:"initiator"`

	TotalMinor     int64 `json:"totalMinor"`
	ReleasedMinor  int64 `json:"releasedMinor"`
	RemainingMinor int64 `json:"remainingMinor"` // Invariant: released + remaining == total

	// Deterministic-deployment data. The predicted vault address is a pure
	// function of (salt, payer wallet, recipient wallet, factory); funds
	// can arrive there before any contract exists.
	Salt         string `json:"salt,omitempty"`
	VaultAddr    string `json:"vaultAddr,omitempty"`
	FeeSplitAddr string `json:"feeSplitAddr,omitempty"`
	FactoryAddr  string `json:"factoryAddr,omitempty"`
	ChainID      int64  `json:"chainId,omitempty"`
	Deployed     bool   `json:"deployed"`

	PayerWallet     string `json:"payerWallet,omitempty"`
	RecipientWallet string `json:"recipientWallet,omitempty"`

	Status Status `json:"status"`

	PayerApproved     bool `json:"payerApproved"`
	RecipientApproved bool `json:"recipientApproved"`

	PayerWantsCancel     bool `json:"payerWantsCancel"`
	RecipientWantsCancel bool `json:"recipientWantsCancel"`

	Settlement        *SettlementProposal `json:"settlement,omitempty"`
	SettlementHistory []SettlementAction  `json:"settlementHistory,omitempty"`

	Arbitration Arbitration `json:"arbitration"`

	FundingTx string `json:"fundingTx,omitempty"`
	DeployTx  string `json:"deployTx,omitempty"`
	ReleaseTx string `json:"releaseTx,omitempty"`
	RefundTx  string `json:"refundTx,omitempty"`

	VaultBalanceMinor int64      `json:"vaultBalanceMinor"`
	AmountsVerified   bool       `json:"amountsVerified"` // Distribution derived from observed transfers, not the fee estimate
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
	ChainVerifiedAt   *time.Time `json:"chainVerifiedAt,omitempty"`

	LastError   string     `json:"lastError,omitempty"` // Cleared on success
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the escrow is in a final state.
func (e *Escrow) IsTerminal() bool { return e.Status.Terminal() }

// RoleOf resolves which side of the escrow party is on.
func (e *Escrow) RoleOf(party string) Role {
	switch party {
	case e.Payer:
		return RolePayer
	case e.Recipient:
		return RoleRecipient
	}
	return RoleNone
}

// WalletOf returns the bound wallet for a role.
func (e *Escrow) WalletOf(role Role) string {
	switch role {
	case RolePayer:
		return e.PayerWallet
	case RoleRecipient:
		return e.RecipientWallet
	}
	return ""
}

// SetError records a failure on the record; a later successful action or
// sync clears it.
func (e *Escrow) SetError(msg string) {
	now := time.Now()
	e.LastError = msg
	e.LastErrorAt = &now
}

// ClearError wipes the persisted failure fields.
func (e *Escrow) ClearError() {
	e.LastError = ""
	e.LastErrorAt = nil
}

// Event is one append-only audit log entry for an escrow.
type Event struct {
	ID        string                 `json:"id"`
	EscrowID  string                 `json:"escrowId"`
	Kind      string                 `json:"kind"`
	Actor     Role                   `json:"actor,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor resumes a listing after the given opaque cursor position.
// Malformed cursors are ignored and the listing starts from the top.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists escrow records and their audit events.
//
// Update is conditional: the write only lands if the row's current status
// equals expect. A zero-row update surfaces as ErrStaleStatus and the
// caller must re-read rather than assume success.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByAlias(ctx context.Context, alias string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow, expect Status) error
	ListByParty(ctx context.Context, party string, limit int, opts ...ListOption) ([]*Escrow, error)

	// ListAwaitingDeployment returns accepted escrows with a predicted
	// address and no deployed vault, the deployment sweep's work queue.
	ListAwaitingDeployment(ctx context.Context, limit int) ([]*Escrow, error)

	// ListUnsynced returns deployed escrows whose cached chain state is
	// older than `before`, plus terminal escrows whose distribution
	// amounts are not yet verified from chain truth.
	ListUnsynced(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error)
}
