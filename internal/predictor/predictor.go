// Package predictor computes the deterministic vault address an escrow
// will deploy to, before any contract exists. The factory owns the
// actual CREATE2 derivation; we always ask it rather than reimplement
// the init-code hashing here, so a factory upgrade cannot silently
// diverge from our math.
package predictor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainPredictor resolves predicted addresses through the factory's
// view function.
type ChainPredictor interface {
	PredictVault(ctx context.Context, salt [32]byte, payer, recipient common.Address) (vault, feeSplitter common.Address, err error)
}

type Predictor struct {
	chain ChainPredictor
}

func New(chain ChainPredictor) *Predictor {
	return &Predictor{chain: chain}
}

// NewSalt derives a fresh, unpredictable salt bound to the escrow.
// Salts must never repeat across escrows: a reused salt with the same
// party wallets would map two escrows to one vault.
func (p *Predictor) NewSalt(escrowID string) string {
	buf := make([]byte, 0, len(escrowID)+8+16)
	buf = append(buf, []byte(escrowID)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(time.Now().UnixNano()))
	entropy := make([]byte, 16)
	if _, err := rand.Read(entropy); err != nil {
		// crypto/rand failing means the host is broken; the timestamp
		// and escrow id still make collisions implausible.
		binary.BigEndian.PutUint64(entropy, uint64(time.Now().UnixNano()))
	}
	buf = append(buf, entropy...)
	return "0x" + common.Bytes2Hex(crypto.Keccak256(buf))
}

// Predict returns the vault and fee-splitter addresses the factory will
// deploy for this salt and party pair. Pure view, no gas.
func (p *Predictor) Predict(ctx context.Context, salt string, payerWallet, recipientWallet string) (string, string, error) {
	saltBytes, err := ParseSalt(salt)
	if err != nil {
		return "", "", err
	}
	if !common.IsHexAddress(payerWallet) || !common.IsHexAddress(recipientWallet) {
		return "", "", fmt.Errorf("invalid party wallet address")
	}
	vault, feeSplitter, err := p.chain.PredictVault(ctx, saltBytes,
		common.HexToAddress(payerWallet), common.HexToAddress(recipientWallet))
	if err != nil {
		return "", "", fmt.Errorf("querying factory for predicted address: %w", err)
	}
	return vault.Hex(), feeSplitter.Hex(), nil
}

// ParseSalt decodes a 0x-prefixed 32-byte hex salt.
func ParseSalt(salt string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(salt, "0x")
	if len(s) != 64 {
		return out, fmt.Errorf("salt must be 32 bytes, got %d hex chars", len(s))
	}
	b := common.FromHex(salt)
	if len(b) != 32 {
		return out, fmt.Errorf("salt is not valid hex")
	}
	copy(out[:], b)
	return out, nil
}
