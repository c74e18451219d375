package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/logging"
)

// DefaultTimeBucket is the granularity requested_at is truncated to.
const DefaultTimeBucket = 10 * time.Minute

const scanRequestColumns = `id, activity, scanner, target, state, requested_at,
	last_state_change_at, finished_at, error_reason`

// QueueRepository is the durable scan request ledger.
type QueueRepository struct {
	db     *DB
	bucket time.Duration
	now    func() time.Time
}

// NewQueueRepository creates a queue repository. A zero bucket uses DefaultTimeBucket.
func NewQueueRepository(db *DB, bucket time.Duration) *QueueRepository {
	if bucket <= 0 {
		bucket = DefaultTimeBucket
	}
	return &QueueRepository{db: db, bucket: bucket, now: time.Now}
}

func invalidActivity(activity Activity) error {
	return errors.NewDatabaseError(errors.CodeValidation, fmt.Sprintf("unknown activity %q", activity))
}

// uniqueTargets drops empty and repeated targets, keeping first-seen order.
func uniqueTargets(targets []string) []string {
	seen := make(map[string]bool, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func requestLockKey(activity Activity, scanner, target string) string {
	return "request:" + string(activity) + ":" + scanner + ":" + target
}

// Request inserts a requested row for every target that has no in-flight
// row for the same (activity, scanner, target). It returns how many rows
// were created.
func (r *QueueRepository) Request(ctx context.Context, activity Activity, scanner string, targets []string) (int, error) {
	if !activity.Valid() {
		return 0, invalidActivity(activity)
	}
	targets = uniqueTargets(targets)
	if len(targets) == 0 {
		return 0, nil
	}

	now := r.now().UTC()
	requestedAt := now.Truncate(r.bucket)

	// Locks are taken in sorted order so concurrent producers can't deadlock.
	lockOrder := append([]string(nil), targets...)
	sort.Strings(lockOrder)

	query := `
		INSERT INTO scan_requests (activity, scanner, target, state, requested_at, last_state_change_at)
		SELECT $1::varchar, $2::varchar, $3::text, 'requested', $4::timestamptz, $5::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM scan_requests
			WHERE activity = $1 AND scanner = $2 AND target = $3
			  AND state IN ('requested', 'picked_up')
		)`

	created := 0
	err := r.db.WithTx(ctx, "request scans", func(tx *sqlx.Tx) error {
		for _, target := range lockOrder {
			if err := advisoryLock(ctx, tx, requestLockKey(activity, scanner, target)); err != nil {
				return sanitizeDBError("lock scan request", err)
			}
		}
		for _, target := range targets {
			res, err := tx.ExecContext(ctx, query, activity, scanner, target, requestedAt, now)
			if err != nil {
				return sanitizeDBError("insert scan request", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return sanitizeDBError("insert scan request", err)
			}
			created += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// Pickup moves up to amount of the oldest requested rows of one lane to
// picked_up and returns their targets in FIFO order. When maxConcurrent is
// positive and the lane already has that many rows picked up, nothing is
// returned. Pickup never blocks waiting for work.
func (r *QueueRepository) Pickup(
	ctx context.Context, activity Activity, scanner string, amount, maxConcurrent int,
) ([]string, error) {
	if !activity.Valid() {
		return nil, invalidActivity(activity)
	}
	if amount <= 0 {
		return nil, nil
	}

	var targets []string
	err := r.db.WithTx(ctx, "pickup", func(tx *sqlx.Tx) error {
		// Serialises the count-then-claim step per lane.
		if err := advisoryLock(ctx, tx, "pickup:"+string(activity)+":"+scanner); err != nil {
			return sanitizeDBError("lock lane", err)
		}

		limit := amount
		if maxConcurrent > 0 {
			var inFlight int
			err := tx.GetContext(ctx, &inFlight, `
				SELECT COUNT(*) FROM scan_requests
				WHERE activity = $1 AND scanner = $2 AND state = 'picked_up'`,
				activity, scanner)
			if err != nil {
				return sanitizeDBError("count picked up", err)
			}
			if inFlight >= maxConcurrent {
				return nil
			}
			limit = min(amount, maxConcurrent-inFlight)
		}

		query := `
			WITH picked AS (
				SELECT id FROM scan_requests
				WHERE activity = $1 AND scanner = $2 AND state = 'requested'
				ORDER BY requested_at, id
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			), updated AS (
				UPDATE scan_requests r
				SET state = 'picked_up', last_state_change_at = $4
				FROM picked
				WHERE r.id = picked.id
				RETURNING r.id, r.target, r.requested_at
			)
			SELECT target FROM updated ORDER BY requested_at, id`

		if err := tx.SelectContext(ctx, &targets, query, activity, scanner, limit, r.now().UTC()); err != nil {
			return sanitizeDBError("pickup", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return targets, nil
}

// Finish marks the oldest picked_up row of the target finished.
func (r *QueueRepository) Finish(ctx context.Context, activity Activity, scanner, target string) (bool, error) {
	return r.settle(ctx, activity, scanner, target, StateFinished, nil)
}

// Error marks the oldest picked_up row of the target as failed with reason.
func (r *QueueRepository) Error(ctx context.Context, activity Activity, scanner, target, reason string) (bool, error) {
	return r.settle(ctx, activity, scanner, target, StateError, &reason)
}

func (r *QueueRepository) settle(
	ctx context.Context, activity Activity, scanner, target string, state RequestState, reason *string,
) (bool, error) {
	query := `
		UPDATE scan_requests
		SET state = $4, last_state_change_at = $5, finished_at = $5, error_reason = $6
		WHERE id = (
			SELECT id FROM scan_requests
			WHERE activity = $1 AND scanner = $2 AND target = $3 AND state = 'picked_up'
			ORDER BY requested_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)`

	res, err := r.db.ExecContext(ctx, query, activity, scanner, target, state, r.now().UTC(), reason)
	if err != nil {
		return false, sanitizeDBError("mark "+string(state), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sanitizeDBError("mark "+string(state), err)
	}
	if n == 0 {
		logging.Warn("No picked up scan request to settle",
			"activity", activity, "scanner", scanner, "target", target, "state", state)
		return false, nil
	}
	return true, nil
}

// RetrySweep reverts picked_up rows whose last state change is older than
// olderThan back to requested. A single statement, so a row is reverted at
// most once per call.
func (r *QueueRepository) RetrySweep(ctx context.Context, olderThan time.Duration) (int, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_requests
		SET state = 'requested', last_state_change_at = $1
		WHERE state = 'picked_up' AND last_state_change_at < $2`,
		now, now.Add(-olderThan))
	if err != nil {
		return 0, sanitizeDBError("retry sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError("retry sweep", err)
	}
	return int(n), nil
}

// Expire moves requested rows older than olderThan to timeout.
func (r *QueueRepository) Expire(ctx context.Context, olderThan time.Duration) (int, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_requests
		SET state = 'timeout', last_state_change_at = $1, finished_at = $1
		WHERE state = 'requested' AND requested_at < $2`,
		now, now.Add(-olderThan))
	if err != nil {
		return 0, sanitizeDBError("expire requests", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError("expire requests", err)
	}
	return int(n), nil
}

// Progress counts rows per (scanner, activity, state), zero-filled for every
// known scanner.
func (r *QueueRepository) Progress(ctx context.Context, knownScanners []string) ([]ProgressRow, error) {
	var counted []ProgressRow
	err := r.db.SelectContext(ctx, &counted, `
		SELECT scanner, activity, state, COUNT(*) AS count
		FROM scan_requests
		GROUP BY scanner, activity, state`)
	if err != nil {
		return nil, sanitizeDBError("progress", err)
	}
	return FillProgress(counted, knownScanners), nil
}

// Outdated lists errored rows and rows stuck in picked_up for longer than
// stuckAfter, most recent first.
func (r *QueueRepository) Outdated(ctx context.Context, stuckAfter time.Duration, limit int) ([]*ScanRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*ScanRequest
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+scanRequestColumns+`
		FROM scan_requests
		WHERE state = 'error'
		   OR (state = 'picked_up' AND last_state_change_at < $1)
		ORDER BY last_state_change_at DESC, id DESC
		LIMIT $2`,
		r.now().UTC().Add(-stuckAfter), limit)
	if err != nil {
		return nil, sanitizeDBError("outdated", err)
	}
	return rows, nil
}
