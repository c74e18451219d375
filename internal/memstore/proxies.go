package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

// Proxies is an in-memory proxy pool.
type Proxies struct {
	mu      sync.Mutex
	proxies []*db.Proxy
	nextID  int64
	now     func() time.Time
}

// NewProxies creates an empty pool.
func NewProxies() *Proxies {
	return &Proxies{now: time.Now}
}

// SetClock replaces the time source.
func (s *Proxies) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func proxyNotFound() error {
	return errors.NewDatabaseError(errors.CodeNotFound, "proxy not found")
}

func (s *Proxies) find(id int64) *db.Proxy {
	for _, p := range s.proxies {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func clone(p *db.Proxy) *db.Proxy {
	c := *p
	return &c
}

// Add inserts a proxy, returning the existing one when the address is known.
func (s *Proxies) Add(_ context.Context, address string) (*db.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.proxies {
		if p.Address == address {
			return clone(p), nil
		}
	}
	s.nextID++
	p := &db.Proxy{
		ID:        s.nextID,
		Address:   address,
		Protocol:  db.ProtocolOf(address),
		CreatedAt: s.now().UTC(),
	}
	s.proxies = append(s.proxies, p)
	return clone(p), nil
}

// Get returns a proxy by id.
func (s *Proxies) Get(_ context.Context, id int64) (*db.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(id)
	if p == nil {
		return nil, proxyNotFound()
	}
	return clone(p), nil
}

// List returns every proxy ordered by id.
func (s *Proxies) List(_ context.Context) ([]*db.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*db.Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		out = append(out, clone(p))
	}
	return out, nil
}

// ListCheckable returns proxies that are neither disabled nor claimed.
func (s *Proxies) ListCheckable(_ context.Context) ([]*db.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.Proxy
	for _, p := range s.proxies {
		if !p.ManuallyDisabled && !p.CurrentlyClaimed {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

// ClaimFastest claims the eligible proxy with the lowest request speed.
func (s *Proxies) ClaimFastest(_ context.Context, label string) (*db.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*db.Proxy
	for _, p := range s.proxies {
		if p.Eligible() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	// NULL speeds sort last, ties by id.
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i].RequestSpeedMS, eligible[j].RequestSpeedMS
		switch {
		case a == nil && b == nil:
			return eligible[i].ID < eligible[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a < *b
		}
		return eligible[i].ID < eligible[j].ID
	})

	p := eligible[0]
	now := s.now().UTC()
	p.CurrentlyClaimed = true
	p.LastClaimAt = &now
	p.ClaimedBy = label
	return clone(p), nil
}

// Release clears a claim held by label.
func (s *Proxies) Release(_ context.Context, id int64, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(id)
	if p == nil || !p.CurrentlyClaimed || p.ClaimedBy != label {
		return false, nil
	}
	p.CurrentlyClaimed = false
	p.ClaimedBy = ""
	return true, nil
}

// ReleaseStale force-releases claims older than olderThan.
func (s *Proxies) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-olderThan)
	n := 0
	for _, p := range s.proxies {
		if p.CurrentlyClaimed && p.LastClaimAt != nil && p.LastClaimAt.Before(cutoff) {
			p.CurrentlyClaimed = false
			p.ClaimedBy = ""
			n++
		}
	}
	return n, nil
}

// MarkDead takes a proxy out of the eligible pool.
func (s *Proxies) MarkDead(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(id)
	if p == nil {
		return nil
	}
	now := s.now().UTC()
	if !p.IsDead {
		p.IsDeadSince = &now
	}
	p.IsDead = true
	p.IsDeadReason = reason
	p.CheckResult = reason
	p.LastCheckAt = &now
	return nil
}

// RecordHealth stores a successful check and revives the proxy.
func (s *Proxies) RecordHealth(_ context.Context, id int64, h db.ProxyHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(id)
	if p == nil {
		return nil
	}
	checkedAt := h.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = s.now()
	}
	checkedAt = checkedAt.UTC()
	speed := h.RequestSpeedMS

	p.IsDead = false
	p.IsDeadSince = nil
	p.IsDeadReason = ""
	p.CheckResult = h.CheckResult
	p.CapacityCurrent = h.Capacity.Current
	p.CapacityMax = h.Capacity.Max
	p.CapacityThisClient = h.Capacity.ThisClient
	p.RequestSpeedMS = &speed
	p.OutOfResourceCounter = 0
	p.LastCheckAt = &checkedAt
	return nil
}

// UpdateCapacity stores a capacity reading.
func (s *Proxies) UpdateCapacity(_ context.Context, id int64, c db.Capacity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.find(id); p != nil {
		p.CapacityCurrent = c.Current
		p.CapacityMax = c.Max
		p.CapacityThisClient = c.ThisClient
	}
	return nil
}

// IncrementOutOfResource bumps the counter and returns the new value.
func (s *Proxies) IncrementOutOfResource(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(id)
	if p == nil {
		return 0, proxyNotFound()
	}
	p.OutOfResourceCounter++
	return p.OutOfResourceCounter, nil
}

// SetDisabled toggles manual disabling.
func (s *Proxies) SetDisabled(_ context.Context, id int64, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(id)
	if p == nil {
		return proxyNotFound()
	}
	p.ManuallyDisabled = disabled
	return nil
}

// SetSpeed sets request_speed_ms directly.
func (s *Proxies) SetSpeed(id int64, ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.find(id); p != nil {
		p.RequestSpeedMS = &ms
	}
}
