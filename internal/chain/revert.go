package chain

import (
	"errors"
	"strings"
)

// Typed revert categories. Raw revert strings from the vault are translated
// into these so callers never surface contract internals verbatim.
var (
	ErrAlreadyProcessed    = errors.New("chain: action already processed on chain")
	ErrAuthExpired         = errors.New("chain: authorization deadline expired on chain")
	ErrBadSignature        = errors.New("chain: signature rejected on chain")
	ErrNonceUsed           = errors.New("chain: authorization nonce already used")
	ErrInsufficientBalance = errors.New("chain: insufficient balance for action")
)

// revertPatterns maps substrings of known vault revert reasons to categories.
// Order matters: more specific patterns first.
var revertPatterns = []struct {
	substr string
	err    error
}{
	{"already released", ErrAlreadyProcessed},
	{"already refunded", ErrAlreadyProcessed},
	{"already settled", ErrAlreadyProcessed},
	{"already processed", ErrAlreadyProcessed},
	{"nonce", ErrNonceUsed},
	{"expired", ErrAuthExpired},
	{"deadline", ErrAuthExpired},
	{"invalid signature", ErrBadSignature},
	{"bad signature", ErrBadSignature},
	{"signer", ErrBadSignature},
	{"insufficient", ErrInsufficientBalance},
	{"exceeds balance", ErrInsufficientBalance},
}

// CategorizeRevert maps a revert reason (or error text from a failed call)
// to a typed category. Unrecognized reasons come back as ErrTxReverted.
func CategorizeRevert(reason string) error {
	lower := strings.ToLower(reason)
	for _, p := range revertPatterns {
		if strings.Contains(lower, p.substr) {
			return p.err
		}
	}
	return ErrTxReverted
}
