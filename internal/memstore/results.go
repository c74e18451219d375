package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

// Results is an in-memory result store with history.
type Results struct {
	mu     sync.Mutex
	rows   []*db.ScanResult
	nextID int64
	now    func() time.Time
}

// NewResults creates an empty result store.
func NewResults() *Results {
	return &Results{now: time.Now}
}

// SetClock replaces the time source.
func (s *Results) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Results) latest(target, scanType string) *db.ScanResult {
	for _, r := range s.rows {
		if r.IsLatest && r.Target == target && r.ScanType == scanType {
			return r
		}
	}
	return nil
}

// Store records a finding, touching or replacing the latest row.
func (s *Results) Store(_ context.Context, f db.Finding) (db.StoreOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	current := s.latest(f.Target, f.ScanType)
	if current != nil && current.Rating == f.Rating && current.Message == f.Message {
		current.LastScanMoment = now
		return db.OutcomeUnchanged, nil
	}

	outcome := db.OutcomeInserted
	if current != nil {
		current.IsLatest = false
		outcome = db.OutcomeChanged
	}
	s.nextID++
	s.rows = append(s.rows, &db.ScanResult{
		ID:             s.nextID,
		Target:         f.Target,
		ScanType:       f.ScanType,
		Rating:         f.Rating,
		Message:        f.Message,
		Evidence:       append(db.JSONB(nil), f.Evidence...),
		LastScanMoment: now,
		DeterminedOn:   now,
		IsLatest:       true,
	})
	return outcome, nil
}

// Latest returns the current row for (target, scanType).
func (s *Results) Latest(_ context.Context, target, scanType string) (*db.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.latest(target, scanType)
	if r == nil {
		return nil, errors.NewDatabaseError(errors.CodeNotFound, "result not found")
	}
	c := *r
	return &c, nil
}

// ListLatest returns latest rows matching the filter.
func (s *Results) ListLatest(_ context.Context, filter db.ResultFilter) ([]*db.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.ScanResult
	for _, r := range s.rows {
		if !r.IsLatest ||
			(filter.Target != "" && r.Target != filter.Target) ||
			(filter.ScanType != "" && r.ScanType != filter.ScanType) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].ScanType < out[j].ScanType
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns up to limit rows for (target, scanType), newest first.
// A limit <= 0 means 1000.
func (s *Results) History(_ context.Context, target, scanType string, limit int) ([]*db.ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 1000
	}
	var out []*db.ScanResult
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.rows[i]
		if r.Target == target && r.ScanType == scanType {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}
