// Package memstore holds in-memory versions of the queue, proxy and result
// repositories. They follow the same semantics as the Postgres
// repositories under a single mutex and back the concurrency tests of the
// pool and the orchestrator.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
)

// Queue is an in-memory scan request ledger.
type Queue struct {
	mu     sync.Mutex
	rows   []*db.ScanRequest
	nextID int64
	bucket time.Duration
	now    func() time.Time
}

// NewQueue creates an empty ledger. A zero bucket uses db.DefaultTimeBucket.
func NewQueue(bucket time.Duration) *Queue {
	if bucket <= 0 {
		bucket = db.DefaultTimeBucket
	}
	return &Queue{bucket: bucket, now: time.Now}
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) inFlight(activity db.Activity, scanner, target string) bool {
	for _, r := range q.rows {
		if r.Activity == activity && r.Scanner == scanner && r.Target == target &&
			(r.State == db.StateRequested || r.State == db.StatePickedUp) {
			return true
		}
	}
	return false
}

// Request inserts requested rows for targets without an in-flight row.
func (q *Queue) Request(_ context.Context, activity db.Activity, scanner string, targets []string) (int, error) {
	if !activity.Valid() {
		return 0, errors.NewDatabaseError(errors.CodeValidation, fmt.Sprintf("unknown activity %q", activity))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	created := 0
	for _, target := range targets {
		if target == "" || q.inFlight(activity, scanner, target) {
			continue
		}
		q.nextID++
		q.rows = append(q.rows, &db.ScanRequest{
			ID:                q.nextID,
			Activity:          activity,
			Scanner:           scanner,
			Target:            target,
			State:             db.StateRequested,
			RequestedAt:       now.Truncate(q.bucket),
			LastStateChangeAt: now,
		})
		created++
	}
	return created, nil
}

// fifo returns rows matching keep ordered by requested_at, id.
func (q *Queue) fifo(keep func(*db.ScanRequest) bool) []*db.ScanRequest {
	var out []*db.ScanRequest
	for _, r := range q.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pickup moves the oldest requested rows of a lane to picked_up.
func (q *Queue) Pickup(
	_ context.Context, activity db.Activity, scanner string, amount, maxConcurrent int,
) ([]string, error) {
	if !activity.Valid() {
		return nil, errors.NewDatabaseError(errors.CodeValidation, fmt.Sprintf("unknown activity %q", activity))
	}
	if amount <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	limit := amount
	if maxConcurrent > 0 {
		inFlight := 0
		for _, r := range q.rows {
			if r.Activity == activity && r.Scanner == scanner && r.State == db.StatePickedUp {
				inFlight++
			}
		}
		if inFlight >= maxConcurrent {
			return nil, nil
		}
		limit = min(amount, maxConcurrent-inFlight)
	}

	now := q.now().UTC()
	candidates := q.fifo(func(r *db.ScanRequest) bool {
		return r.Activity == activity && r.Scanner == scanner && r.State == db.StateRequested
	})

	var targets []string
	for _, r := range candidates {
		if len(targets) == limit {
			break
		}
		r.State = db.StatePickedUp
		r.LastStateChangeAt = now
		targets = append(targets, r.Target)
	}
	return targets, nil
}

// Finish marks the oldest picked_up row of the target finished.
func (q *Queue) Finish(_ context.Context, activity db.Activity, scanner, target string) (bool, error) {
	return q.settle(activity, scanner, target, db.StateFinished, nil), nil
}

// Error marks the oldest picked_up row of the target as failed.
func (q *Queue) Error(_ context.Context, activity db.Activity, scanner, target, reason string) (bool, error) {
	return q.settle(activity, scanner, target, db.StateError, &reason), nil
}

func (q *Queue) settle(activity db.Activity, scanner, target string, state db.RequestState, reason *string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows := q.fifo(func(r *db.ScanRequest) bool {
		return r.Activity == activity && r.Scanner == scanner && r.Target == target && r.State == db.StatePickedUp
	})
	if len(rows) == 0 {
		return false
	}
	now := q.now().UTC()
	r := rows[0]
	r.State = state
	r.LastStateChangeAt = now
	r.FinishedAt = &now
	r.ErrorReason = reason
	return true
}

// RetrySweep reverts stale picked_up rows to requested.
func (q *Queue) RetrySweep(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, r := range q.rows {
		if r.State == db.StatePickedUp && r.LastStateChangeAt.Before(cutoff) {
			r.State = db.StateRequested
			r.LastStateChangeAt = now
			n++
		}
	}
	return n, nil
}

// Expire moves old requested rows to timeout.
func (q *Queue) Expire(_ context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, r := range q.rows {
		if r.State == db.StateRequested && r.RequestedAt.Before(cutoff) {
			r.State = db.StateTimeout
			r.LastStateChangeAt = now
			r.FinishedAt = &now
			n++
		}
	}
	return n, nil
}

// Progress counts rows per (scanner, activity, state).
func (q *Queue) Progress(_ context.Context, knownScanners []string) ([]db.ProgressRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counted := make([]db.ProgressRow, 0, len(q.rows))
	for _, r := range q.rows {
		counted = append(counted, db.ProgressRow{Scanner: r.Scanner, Activity: r.Activity, State: r.State, Count: 1})
	}
	return db.FillProgress(counted, knownScanners), nil
}

// Outdated lists errored rows and rows stuck in picked_up.
func (q *Queue) Outdated(_ context.Context, stuckAfter time.Duration, limit int) ([]*db.ScanRequest, error) {
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-stuckAfter)
	var out []*db.ScanRequest
	for _, r := range q.rows {
		if r.State == db.StateError || (r.State == db.StatePickedUp && r.LastStateChangeAt.Before(cutoff)) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastStateChangeAt.Equal(out[j].LastStateChangeAt) {
			return out[i].LastStateChangeAt.After(out[j].LastStateChangeAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Rows returns a copy of every row in insertion order.
func (q *Queue) Rows() []db.ScanRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]db.ScanRequest, len(q.rows))
	for i, r := range q.rows {
		out[i] = *r
	}
	return out
}

// StateOf returns the state of the newest row for a target.
func (q *Queue) StateOf(activity db.Activity, scanner, target string) (db.RequestState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.rows) - 1; i >= 0; i-- {
		r := q.rows[i]
		if r.Activity == activity && r.Scanner == scanner && r.Target == target {
			return r.State, true
		}
	}
	return "", false
}
