// Package walletdir resolves party identifiers to payout wallet
// addresses through the external wallet directory.
package walletdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/clearhold/clearhold/internal/circuitbreaker"
)

var (
	ErrNotFound = errors.New("walletdir: no wallet registered for party")

	// ErrUnavailable means the directory has been failing and the circuit
	// is open. Callers treat this like a transient resolution failure.
	ErrUnavailable = errors.New("walletdir: directory unavailable")
)

// Resolver maps a party identifier to a wallet address.
type Resolver interface {
	ResolveWallet(ctx context.Context, party string) (string, error)
}

// HTTPResolver queries the wallet directory service. Results are cached
// for a short TTL; wallet bindings change rarely and every acceptance
// would otherwise hit the directory twice.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	wallet  string
	expires time.Time
}

var _ Resolver = (*HTTPResolver)(nil)

// breakerKey is the single circuit key; the directory is one upstream.
const breakerKey = "directory"

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		cache:   make(map[string]cacheEntry),
		ttl:     5 * time.Minute,
	}
}

func (r *HTTPResolver) ResolveWallet(ctx context.Context, party string) (string, error) {
	r.mu.RLock()
	if entry, ok := r.cache[party]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.wallet, nil
	}
	r.mu.RUnlock()

	if !r.breaker.Allow(breakerKey) {
		return "", ErrUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/wallets/"+url.PathEscape(party), nil)
	if err != nil {
		return "", fmt.Errorf("walletdir: building request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("walletdir: querying directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The directory answered; an unregistered party is not an outage.
		r.breaker.RecordSuccess(breakerKey)
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		r.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("walletdir: directory returned %d", resp.StatusCode)
	}

	var body struct {
		Wallet string `json:"wallet"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("walletdir: decoding response: %w", err)
	}
	r.breaker.RecordSuccess(breakerKey)
	if !common.IsHexAddress(body.Wallet) {
		return "", fmt.Errorf("walletdir: directory returned invalid address %q", body.Wallet)
	}
	wallet := common.HexToAddress(body.Wallet).Hex()

	r.mu.Lock()
	r.cache[party] = cacheEntry{wallet: wallet, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return wallet, nil
}

// StaticResolver serves a fixed party-to-wallet map. Used in tests and
// single-tenant deployments where bindings come from configuration.
type StaticResolver struct {
	mu      sync.RWMutex
	wallets map[string]string
}

var _ Resolver = (*StaticResolver)(nil)

func NewStaticResolver(wallets map[string]string) *StaticResolver {
	cp := make(map[string]string, len(wallets))
	for k, v := range wallets {
		cp[k] = v
	}
	return &StaticResolver{wallets: cp}
}

func (r *StaticResolver) ResolveWallet(_ context.Context, party string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[party]
	if !ok {
		return "", ErrNotFound
	}
	return w, nil
}

// Bind registers or replaces a party's wallet.
func (r *StaticResolver) Bind(party, wallet string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wallets[party] = wallet
}
