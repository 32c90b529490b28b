package operator

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/traces"
)

// Relayer submits sponsored vault transactions and waits for confirmation.
// It is the single write path to the ledger: every state-mutating chain
// call in the engine goes through here.
type Relayer struct {
	chain   *chain.Client
	signer  *Signer
	timeout time.Duration
}

// NewRelayer creates a relayer with the given confirmation timeout.
func NewRelayer(c *chain.Client, s *Signer, confirmationTimeout time.Duration) *Relayer {
	if confirmationTimeout <= 0 {
		confirmationTimeout = chain.DefaultConfirmationTimeout
	}
	return &Relayer{chain: c, signer: s, timeout: confirmationTimeout}
}

// Operator returns the sponsoring address.
func (r *Relayer) Operator() common.Address { return r.signer.Address() }

// send submits calldata to `to` and waits for confirmation. The tx hash is
// returned even when err is non-nil so callers can persist it: a timed-out
// transaction may still confirm later.
func (r *Relayer) send(ctx context.Context, to common.Address, value *big.Int, calldata []byte) (string, *types.Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "operator.relay", traces.Vault(to.Hex()))
	defer span.End()

	txHash, err := r.signer.Send(ctx, to, value, calldata)
	if err != nil {
		return txHash.Hex(), nil, err
	}
	span.SetAttributes(traces.TxHash(txHash.Hex()))
	receipt, err := r.chain.WaitForConfirmation(ctx, txHash, r.timeout)
	return txHash.Hex(), receipt, err
}

// DeployVault deploys the vault for (salt, payer, recipient) through the
// factory. The inputs must match the prediction inputs exactly.
func (r *Relayer) DeployVault(ctx context.Context, salt [32]byte, payer, recipient common.Address) (string, error) {
	calldata, err := r.chain.DeployCalldata(salt, payer, recipient)
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, r.chain.FactoryAddress(), nil, calldata)
	return txHash, err
}

// Release relays releaseWithSignature on the vault.
func (r *Relayer) Release(ctx context.Context, vault common.Address, nonce, deadline *big.Int, sig []byte) (string, error) {
	calldata, err := r.chain.ReleaseCalldata(nonce, deadline, sig)
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, nil, calldata)
	return txHash, err
}

// Refund relays refundWithSignature on the vault.
func (r *Relayer) Refund(ctx context.Context, vault common.Address, nonce, deadline *big.Int, sig []byte) (string, error) {
	calldata, err := r.chain.RefundCalldata(nonce, deadline, sig)
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, nil, calldata)
	return txHash, err
}

// Settle relays settlementRelease for a partial split.
func (r *Relayer) Settle(ctx context.Context, vault common.Address, amount, nonce, deadline *big.Int, sig []byte) (string, error) {
	calldata, err := r.chain.SettlementCalldata(amount, nonce, deadline, sig)
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, nil, calldata)
	return txHash, err
}

// MutualRelease relays the approval-path release (no signature; both
// parties approved through the API).
func (r *Relayer) MutualRelease(ctx context.Context, vault common.Address) (string, error) {
	calldata, err := r.chain.MutualReleaseCalldata()
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, nil, calldata)
	return txHash, err
}

// Cancel relays requestCancel, returning vault funds to the payer.
func (r *Relayer) Cancel(ctx context.Context, vault common.Address) (string, error) {
	calldata, err := r.chain.CancelCalldata()
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, nil, calldata)
	return txHash, err
}

// ArbitrationRequest relays the dispute-opening call with the fee attached.
func (r *Relayer) ArbitrationRequest(ctx context.Context, vault common.Address, fee *big.Int) (string, error) {
	calldata, err := r.chain.ArbitrationRequestCalldata()
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, fee, calldata)
	return txHash, err
}

// ArbitrationPay relays the counter-payment call with the fee attached.
func (r *Relayer) ArbitrationPay(ctx context.Context, vault common.Address, fee *big.Int) (string, error) {
	calldata, err := r.chain.ArbitrationPayCalldata()
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, fee, calldata)
	return txHash, err
}

// ArbitrationTimeout relays the timeout claim.
func (r *Relayer) ArbitrationTimeout(ctx context.Context, vault common.Address) (string, error) {
	calldata, err := r.chain.ArbitrationTimeoutCalldata()
	if err != nil {
		return "", err
	}
	txHash, _, err := r.send(ctx, vault, nil, calldata)
	return txHash, err
}
