package authz

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Typed-data struct hashes for the vault's signature-gated entry points.
// These must match the constants compiled into the vault contract; the
// domain separator itself is always read live from the deployed vault.
var (
	releaseTypeHash    = crypto.Keccak256Hash([]byte("Release(uint256 nonce,uint256 deadline)"))
	refundTypeHash     = crypto.Keccak256Hash([]byte("Refund(uint256 nonce,uint256 deadline)"))
	settlementTypeHash = crypto.Keccak256Hash([]byte("Settlement(uint256 amount,uint256 nonce,uint256 deadline)"))
)

func uint256Bytes(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

// ReleaseDigest computes the EIP-712 signing digest for a full release.
func ReleaseDigest(domainSeparator [32]byte, nonce, deadline *big.Int) common.Hash {
	return typedDigest(domainSeparator, crypto.Keccak256(
		releaseTypeHash.Bytes(),
		uint256Bytes(nonce),
		uint256Bytes(deadline),
	))
}

// RefundDigest computes the EIP-712 signing digest for a full refund.
func RefundDigest(domainSeparator [32]byte, nonce, deadline *big.Int) common.Hash {
	return typedDigest(domainSeparator, crypto.Keccak256(
		refundTypeHash.Bytes(),
		uint256Bytes(nonce),
		uint256Bytes(deadline),
	))
}

// SettlementDigest computes the EIP-712 signing digest for a negotiated
// partial release of `amount` to the recipient.
func SettlementDigest(domainSeparator [32]byte, amount, nonce, deadline *big.Int) common.Hash {
	return typedDigest(domainSeparator, crypto.Keccak256(
		settlementTypeHash.Bytes(),
		uint256Bytes(amount),
		uint256Bytes(nonce),
		uint256Bytes(deadline),
	))
}

func typedDigest(domainSeparator [32]byte, structHash []byte) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domainSeparator[:],
		structHash,
	)
}

// RecoverSigner recovers the address that produced sig over digest.
// Wallets emit v as 27/28; go-ethereum wants 0/1.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
