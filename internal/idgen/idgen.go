// Package idgen generates the random identifiers used across the engine:
// prefixed record IDs ("esc_", "evt_", "nep_"), shareable escrow aliases,
// and raw hex material for salts.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Alias returns the short uppercase token a party can hand to the
// counterparty out of band. 8 hex chars; collisions are handled by the
// store's unique index, not here.
func Alias() string {
	return strings.ToUpper(Hex(4))
}

// Hex returns a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
