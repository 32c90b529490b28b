// Package operator manages the gas-sponsoring operator key.
//
// The operator account is a shared, serially-nonced resource: every
// sponsored transaction for every escrow goes out from the same address.
// Send serializes nonce assignment so concurrent escrow actions cannot
// race each other into replacement or collision.
package operator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/clearhold/clearhold/internal/chain"
)

var (
	ErrInvalidKey = errors.New("operator: invalid private key")
	ErrSendFailed = errors.New("operator: transaction send failed")
)

// DefaultGasLimit is used when estimation fails.
const DefaultGasLimit = uint64(400000)

// Signer signs and submits sponsored transactions from the operator key.
type Signer struct {
	client  chain.EthClient
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	// Nonce assignment is serialized; nextNonce tracks our own in-flight
	// transactions because PendingNonceAt alone can lag right after a send.
	mu        sync.Mutex
	nextNonce uint64
	nonceInit bool
}

// New creates a Signer from a hex private key.
func New(privateKeyHex string, chainID int64, client chain.EthClient) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidKey)
	}

	return &Signer{
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(*pub),
		chainID: big.NewInt(chainID),
	}, nil
}

// Address returns the operator address.
func (s *Signer) Address() common.Address { return s.address }

// GasBalance returns the operator's native-token balance, used by health
// checks to warn before the sponsor runs dry.
func (s *Signer) GasBalance(ctx context.Context) (*big.Int, error) {
	return s.client.BalanceAt(ctx, s.address, nil)
}

// Send signs and submits a transaction to `to` with the given calldata.
// Nonce assignment is serialized across callers.
func (s *Signer) Send(ctx context.Context, to common.Address, value *big.Int, calldata []byte) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: nonce: %v", ErrSendFailed, err)
	}
	nonce := pending
	if s.nonceInit && s.nextNonce > nonce {
		nonce = s.nextNonce
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas price: %v", ErrSendFailed, err)
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: value,
		Data:  calldata,
	})
	if err != nil {
		// Estimation failures often mean the call would revert, but the
		// revert reason only surfaces on execution. Use the default and
		// let confirmation classify it.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, calldata)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign: %v", ErrSendFailed, err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return signedTx.Hash(), fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	s.nextNonce = nonce + 1
	s.nonceInit = true

	return signedTx.Hash(), nil
}
