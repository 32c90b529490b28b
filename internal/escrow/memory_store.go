package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
// It enforces the same conditional-update semantics as Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	aliases map[string]string
	events  map[string][]*Event
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		aliases: make(map[string]string),
		events:  make(map[string][]*Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, e *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[e.ID] = cloneEscrow(e)
	if e.Alias != "" {
		s.aliases[e.Alias] = e.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscrow(e), nil
}

func (s *MemoryStore) GetByAlias(_ context.Context, alias string) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.aliases[alias]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEscrow(s.escrows[id]), nil
}

func (s *MemoryStore) Update(_ context.Context, e *Escrow, expect Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.escrows[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrStaleStatus
	}
	e.UpdatedAt = time.Now()
	s.escrows[e.ID] = cloneEscrow(e)
	return nil
}

func (s *MemoryStore) ListByParty(_ context.Context, party string, limit int, opts ...ListOption) ([]*Escrow, error) {
	o := applyListOpts(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escrow
	for _, e := range s.escrows {
		if e.Payer != party && e.Recipient != party {
			continue
		}
		if c := o.cursor; c != nil {
			// Newest-first keyset: only rows strictly past the cursor.
			if !e.CreatedAt.Before(c.CreatedAt) && !(e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID) {
				continue
			}
		}
		out = append(out, cloneEscrow(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAwaitingDeployment(_ context.Context, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escrow
	for _, e := range s.escrows {
		if e.Status == StatusAccepted && e.VaultAddr != "" && !e.Deployed {
			out = append(out, cloneEscrow(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUnsynced(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escrow
	for _, e := range s.escrows {
		if e.VaultAddr == "" {
			continue
		}
		if e.LastSyncedAt != nil && !e.LastSyncedAt.Before(before) {
			continue
		}
		switch e.Status {
		case StatusDeployed, StatusFunded, StatusPendingRelease:
			out = append(out, cloneEscrow(e))
		case StatusReleased, StatusRefunded, StatusSettled:
			if !e.AmountsVerified {
				out = append(out, cloneEscrow(e))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastSyncedAt, out[j].LastSyncedAt
		if ti == nil {
			return true
		}
		if tj == nil {
			return false
		}
		return ti.Before(*tj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.EscrowID] = append(s.events[ev.EscrowID], &cp)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, escrowID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[escrowID]
	if len(evs) > limit {
		evs = evs[:limit]
	}
	out := make([]*Event, len(evs))
	for i, ev := range evs {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.Settlement != nil {
		p := *e.Settlement
		cp.Settlement = &p
	}
	if len(e.SettlementHistory) > 0 {
		cp.SettlementHistory = append([]SettlementAction(nil), e.SettlementHistory...)
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	cp.Arbitration.RequestedAt = copyTime(e.Arbitration.RequestedAt)
	cp.Arbitration.ResponseDeadline = copyTime(e.Arbitration.ResponseDeadline)
	cp.LastSyncedAt = copyTime(e.LastSyncedAt)
	cp.ChainVerifiedAt = copyTime(e.ChainVerifiedAt)
	cp.LastErrorAt = copyTime(e.LastErrorAt)
	return &cp
}
