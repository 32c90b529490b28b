// Package deployer reconciles accepted escrows against chain reality:
// it watches predicted vault addresses for incoming funds and deploys
// the vault contract underneath them.
//
// The ordering is the whole point. Funds arrive at a plain address that
// has no code; only once a balance shows up do we spend gas deploying
// the vault at exactly that address. Contract code at the address is
// always authoritative over anything the record claims.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/metrics"
	"github.com/clearhold/clearhold/internal/predictor"
	"github.com/clearhold/clearhold/internal/traces"
	"github.com/clearhold/clearhold/internal/units"
)

// ChainReader is the read-only chain surface the reconciler needs.
type ChainReader interface {
	CodeExists(ctx context.Context, addr common.Address) (bool, error)
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// VaultDeployer submits the factory deployment and waits for it.
type VaultDeployer interface {
	DeployVault(ctx context.Context, salt [32]byte, payer, recipient common.Address) (txHash string, err error)
}

// Reconciler drives the funding-detection and deployment loop for a
// single escrow at a time. Safe to run concurrently; the conditional
// status write makes duplicate work a no-op.
type Reconciler struct {
	store  escrow.Store
	chain  ChainReader
	deploy VaultDeployer
	logger *slog.Logger
}

func New(store escrow.Store, chain ChainReader, deploy VaultDeployer, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, chain: chain, deploy: deploy, logger: logger}
}

// Check inspects one accepted escrow and advances it as far as chain
// state allows. It returns the refreshed record; a nil error with an
// unchanged status just means nothing has happened on chain yet.
func (r *Reconciler) Check(ctx context.Context, id string) (*escrow.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "deployer.check", traces.EscrowID(id))
	defer span.End()

	e, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusAccepted && e.Status != escrow.StatusDeployed {
		return e, nil
	}
	if e.VaultAddr == "" {
		return e, escrow.ErrWalletMissing
	}
	vault := common.HexToAddress(e.VaultAddr)

	// Code first. If the vault already exists (a previous run, a crashed
	// worker, or someone deploying out of band) the record just catches up.
	hasCode, err := r.chain.CodeExists(ctx, vault)
	if err != nil {
		return e, fmt.Errorf("reading vault code: %w", err)
	}

	balance, err := r.chain.TokenBalance(ctx, vault)
	if err != nil {
		return e, fmt.Errorf("reading vault balance: %w", err)
	}
	balanceMinor, err := units.FromChain(balance)
	if err != nil {
		return e, fmt.Errorf("converting vault balance: %w", err)
	}

	if hasCode {
		return r.markDeployed(ctx, e, balanceMinor)
	}

	if balance.Sign() == 0 {
		// Nothing at the address yet. Not an error, the payer just
		// hasn't sent funds.
		return e, nil
	}

	return r.deployForFunds(ctx, e, balanceMinor)
}

// markDeployed records observed vault code, moving the escrow to funded
// when the balance is there or deployed when it is not.
func (r *Reconciler) markDeployed(ctx context.Context, e *escrow.Escrow, balanceMinor int64) (*escrow.Escrow, error) {
	target := escrow.StatusDeployed
	if balanceMinor > 0 {
		target = escrow.StatusFunded
	}
	if e.Deployed && e.Status == target && e.VaultBalanceMinor == balanceMinor {
		return e, nil
	}

	prev := e.Status
	now := time.Now()
	e.Deployed = true
	e.VaultBalanceMinor = balanceMinor
	e.ChainVerifiedAt = &now
	e.ClearError()
	if prev != target {
		e.Status = target
	}
	if err := r.store.Update(ctx, e, prev); err != nil {
		if errors.Is(err, escrow.ErrStaleStatus) {
			metrics.StaleWritesTotal.Inc()
			// Another worker got here first.
			return r.store.Get(ctx, e.ID)
		}
		return e, err
	}
	if prev != target {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(target)).Inc()
		r.logger.Info("vault confirmed on chain",
			"escrow_id", e.ID, "vault", e.VaultAddr, "status", target,
			"balance", units.Format(balanceMinor))
	}
	return e, nil
}

// deployForFunds reacts to funds observed at an undeployed address.
func (r *Reconciler) deployForFunds(ctx context.Context, e *escrow.Escrow, balanceMinor int64) (*escrow.Escrow, error) {
	salt, err := predictor.ParseSalt(e.Salt)
	if err != nil {
		return e, fmt.Errorf("escrow carries invalid salt: %w", err)
	}

	r.logger.Info("funding detected at predicted address, deploying vault",
		"escrow_id", e.ID, "vault", e.VaultAddr, "balance", units.Format(balanceMinor))

	txHash, deployErr := r.deploy.DeployVault(ctx, salt,
		common.HexToAddress(e.PayerWallet), common.HexToAddress(e.RecipientWallet))
	if txHash != "" {
		e.DeployTx = txHash
	}
	if deployErr != nil {
		metrics.RelayTotal.WithLabelValues("deploy", "error").Inc()
		e.SetError("vault deployment failed: " + deployErr.Error())
		if uerr := r.store.Update(ctx, e, e.Status); uerr != nil {
			r.logger.Warn("persisting deploy failure", "escrow_id", e.ID, "error", uerr)
		}
		return e, fmt.Errorf("deploying vault: %w", deployErr)
	}

	// The receipt said success; only code at the address proves it.
	hasCode, err := r.chain.CodeExists(ctx, common.HexToAddress(e.VaultAddr))
	if err != nil {
		return e, fmt.Errorf("re-reading vault code after deploy: %w", err)
	}
	if !hasCode {
		metrics.RelayTotal.WithLabelValues("deploy", "unverified").Inc()
		e.SetError("deploy confirmed but no code at predicted address")
		if uerr := r.store.Update(ctx, e, e.Status); uerr != nil {
			r.logger.Warn("persisting deploy anomaly", "escrow_id", e.ID, "error", uerr)
		}
		return e, fmt.Errorf("deploy tx %s confirmed but address %s has no code", txHash, e.VaultAddr)
	}

	metrics.RelayTotal.WithLabelValues("deploy", "success").Inc()
	return r.markDeployed(ctx, e, balanceMinor)
}
