package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const scanResultColumns = `id, target, scan_type, rating, message, evidence,
	last_scan_moment, determined_on, is_latest`

// ResultRepository stores scan outcomes with one latest row per (target, scan_type).
type ResultRepository struct {
	db  *DB
	now func() time.Time
}

// NewResultRepository creates a new result repository.
func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db, now: time.Now}
}

// Store records a finding. When rating and message match the current latest
// row only last_scan_moment moves; otherwise a new latest row is inserted and
// the previous one loses its flag in the same transaction.
func (r *ResultRepository) Store(ctx context.Context, f Finding) (StoreOutcome, error) {
	now := r.now().UTC()
	var outcome StoreOutcome

	err := r.db.WithTx(ctx, "store result", func(tx *sqlx.Tx) error {
		// Two first-time stores for a key would otherwise race on the unique index.
		if err := advisoryLock(ctx, tx, "result:"+f.Target+":"+f.ScanType); err != nil {
			return sanitizeDBError("lock result", err)
		}

		var current ScanResult
		err := tx.GetContext(ctx, &current, `
			SELECT `+scanResultColumns+` FROM scan_results
			WHERE target = $1 AND scan_type = $2 AND is_latest
			FOR UPDATE`, f.Target, f.ScanType)
		found := err == nil
		if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
			return sanitizeDBError("load latest result", err)
		}

		if found && current.Rating == f.Rating && current.Message == f.Message {
			if _, err := tx.ExecContext(ctx,
				`UPDATE scan_results SET last_scan_moment = $2 WHERE id = $1`, current.ID, now); err != nil {
				return sanitizeDBError("touch result", err)
			}
			outcome = OutcomeUnchanged
			return nil
		}

		outcome = OutcomeInserted
		if found {
			if _, err := tx.ExecContext(ctx,
				`UPDATE scan_results SET is_latest = FALSE WHERE id = $1`, current.ID); err != nil {
				return sanitizeDBError("retire result", err)
			}
			outcome = OutcomeChanged
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO scan_results
				(target, scan_type, rating, message, evidence, last_scan_moment, determined_on, is_latest)
			VALUES ($1, $2, $3, $4, $5, $6, $6, TRUE)`,
			f.Target, f.ScanType, f.Rating, f.Message, f.Evidence, now)
		if err != nil {
			return sanitizeDBError("insert result", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Latest returns the current row for (target, scanType).
func (r *ResultRepository) Latest(ctx context.Context, target, scanType string) (*ScanResult, error) {
	var res ScanResult
	err := r.db.GetContext(ctx, &res, `
		SELECT `+scanResultColumns+` FROM scan_results
		WHERE target = $1 AND scan_type = $2 AND is_latest`, target, scanType)
	if err != nil {
		return nil, sanitizeDBError("latest result", err)
	}
	return &res, nil
}

// ListLatest returns latest rows matching the filter.
func (r *ResultRepository) ListLatest(ctx context.Context, filter ResultFilter) ([]*ScanResult, error) {
	conditions := []string{"is_latest"}
	var args []interface{}
	if filter.Target != "" {
		args = append(args, filter.Target)
		conditions = append(conditions, "target = $1")
	}
	if filter.ScanType != "" {
		args = append(args, filter.ScanType)
		conditions = append(conditions, "scan_type = $"+strconv.Itoa(len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	query := `SELECT ` + scanResultColumns + ` FROM scan_results WHERE ` +
		strings.Join(conditions, " AND ") +
		` ORDER BY target, scan_type LIMIT $` + strconv.Itoa(len(args))

	var results []*ScanResult
	if err := r.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, sanitizeDBError("list latest results", err)
	}
	return results, nil
}

// History returns up to limit rows for (target, scanType), newest first.
// A limit <= 0 means 1000.
func (r *ResultRepository) History(ctx context.Context, target, scanType string, limit int) ([]*ScanResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	var results []*ScanResult
	err := r.db.SelectContext(ctx, &results, `
		SELECT `+scanResultColumns+` FROM scan_results
		WHERE target = $1 AND scan_type = $2
		ORDER BY determined_on DESC, id DESC
		LIMIT $3`, target, scanType, limit)
	if err != nil {
		return nil, sanitizeDBError("result history", err)
	}
	return results, nil
}
