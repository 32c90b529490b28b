// Package notify delivers escrow lifecycle events to endpoints the
// parties register. Delivery is fire-and-forget: a dead endpoint never
// blocks or fails the escrow operation that produced the event.
//
// Parties can register endpoint URLs to be notified about:
// - Escrow creation, acceptance, decline
// - Funding detection and vault deployment
// - Releases, refunds, settlements, cancellations
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/clearhold/clearhold/internal/retry"
)

// Event is one delivered notification.
type Event struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	EscrowID  string                 `json:"escrowId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Endpoint is a registered delivery target for one party.
type Endpoint struct {
	ID          string     `json:"id"`
	Party       string     `json:"party"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // HMAC signing key, never serialized
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Store persists notification endpoints.
type Store interface {
	Create(ctx context.Context, ep *Endpoint) error
	Get(ctx context.Context, id string) (*Endpoint, error)
	ListByParty(ctx context.Context, party string) ([]*Endpoint, error)
	Update(ctx context.Context, ep *Endpoint) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends events to the endpoints of both escrow parties.
type Dispatcher struct {
	store          Store
	client         *http.Client
	fallbackSecret string
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithFallbackSecret signs deliveries for endpoints that were registered
// without their own secret.
func (d *Dispatcher) WithFallbackSecret(secret string) *Dispatcher {
	d.fallbackSecret = secret
	return d
}

// DispatchToParty sends an event to every active endpoint a party has
// registered. Sends are async; per-endpoint failures land on the
// endpoint record, not on the caller.
func (d *Dispatcher) DispatchToParty(ctx context.Context, party string, event *Event) error {
	eps, err := d.store.ListByParty(ctx, party)
	if err != nil {
		return fmt.Errorf("listing endpoints: %w", err)
	}
	for _, ep := range eps {
		if !ep.Active {
			continue
		}
		go d.send(context.WithoutCancel(ctx), ep, event)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, ep *Endpoint, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, ep, "failed to marshal event")
		return
	}

	// Transient failures (network errors, 5xx) are retried with backoff.
	// A 4xx means the endpoint rejected the event; retrying won't help.
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return d.deliver(ctx, ep, event, payload)
	})
	if err != nil {
		d.updateError(ctx, ep, err.Error())
		return
	}
	d.updateSuccess(ctx, ep)
}

func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Clearhold-Event", event.Kind)
	req.Header.Set("X-Clearhold-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	secret := ep.Secret
	if secret == "" {
		secret = d.fallbackSecret
	}
	if secret != "" {
		req.Header.Set("X-Clearhold-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 the receiver verifies against.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received payload against its signature header.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, ep *Endpoint) {
	now := time.Now()
	ep.LastSuccess = &now
	ep.LastError = ""
	_ = d.store.Update(ctx, ep)
}

func (d *Dispatcher) updateError(ctx context.Context, ep *Endpoint, errMsg string) {
	ep.LastError = errMsg
	_ = d.store.Update(ctx, ep)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu  sync.RWMutex
	eps map[string]*Endpoint
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{eps: make(map[string]*Endpoint)}
}

func (m *MemoryStore) Create(_ context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ep
	m.eps[ep.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.eps[id]
	if !ok {
		return nil, fmt.Errorf("endpoint not found")
	}
	cp := *ep
	return &cp, nil
}

func (m *MemoryStore) ListByParty(_ context.Context, party string) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range m.eps {
		if ep.Party == party {
			cp := *ep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eps[ep.ID]; !ok {
		return fmt.Errorf("endpoint not found")
	}
	cp := *ep
	m.eps[ep.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.eps, id)
	return nil
}
