package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"
)

const proxyColumns = `id, address, protocol, is_dead, is_dead_since, is_dead_reason,
	manually_disabled, currently_claimed, last_claim_at, claimed_by, request_speed_ms,
	capacity_current, capacity_max, capacity_this_client, out_of_resource_counter,
	check_result, last_check_at, created_at`

// ProxyRepository persists the egress proxy pool.
type ProxyRepository struct {
	db  *DB
	now func() time.Time
}

// NewProxyRepository creates a new proxy repository.
func NewProxyRepository(db *DB) *ProxyRepository {
	return &ProxyRepository{db: db, now: time.Now}
}

// ProtocolOf returns the scheme of a proxy address, defaulting to http.
func ProtocolOf(address string) string {
	if i := strings.Index(address, "://"); i > 0 {
		return strings.ToLower(address[:i])
	}
	return "http"
}

// Add inserts a proxy, returning the existing row when the address is known.
func (r *ProxyRepository) Add(ctx context.Context, address string) (*Proxy, error) {
	var p Proxy
	err := r.db.GetContext(ctx, &p, `
		INSERT INTO proxies (address, protocol, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO NOTHING
		RETURNING `+proxyColumns,
		address, ProtocolOf(address), r.now().UTC())
	if stderrors.Is(err, sql.ErrNoRows) {
		return r.GetByAddress(ctx, address)
	}
	if err != nil {
		return nil, sanitizeDBError("add proxy", err)
	}
	return &p, nil
}

// Get returns a proxy by id.
func (r *ProxyRepository) Get(ctx context.Context, id int64) (*Proxy, error) {
	var p Proxy
	if err := r.db.GetContext(ctx, &p, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, id); err != nil {
		return nil, sanitizeDBError("get proxy", err)
	}
	return &p, nil
}

// GetByAddress returns a proxy by address.
func (r *ProxyRepository) GetByAddress(ctx context.Context, address string) (*Proxy, error) {
	var p Proxy
	err := r.db.GetContext(ctx, &p, `SELECT `+proxyColumns+` FROM proxies WHERE address = $1`, address)
	if err != nil {
		return nil, sanitizeDBError("get proxy", err)
	}
	return &p, nil
}

// List returns every proxy ordered by id.
func (r *ProxyRepository) List(ctx context.Context) ([]*Proxy, error) {
	var proxies []*Proxy
	if err := r.db.SelectContext(ctx, &proxies, `SELECT `+proxyColumns+` FROM proxies ORDER BY id`); err != nil {
		return nil, sanitizeDBError("list proxies", err)
	}
	return proxies, nil
}

// ListCheckable returns proxies a health check may touch: not disabled and not claimed.
func (r *ProxyRepository) ListCheckable(ctx context.Context) ([]*Proxy, error) {
	var proxies []*Proxy
	err := r.db.SelectContext(ctx, &proxies, `
		SELECT `+proxyColumns+` FROM proxies
		WHERE NOT manually_disabled AND NOT currently_claimed
		ORDER BY id`)
	if err != nil {
		return nil, sanitizeDBError("list checkable proxies", err)
	}
	return proxies, nil
}

// ClaimFastest atomically claims the eligible proxy with the lowest
// request_speed_ms. It returns nil without error when none is eligible.
func (r *ProxyRepository) ClaimFastest(ctx context.Context, label string) (*Proxy, error) {
	var p Proxy
	err := r.db.GetContext(ctx, &p, `
		UPDATE proxies
		SET currently_claimed = TRUE, last_claim_at = $2, claimed_by = $1
		WHERE id = (
			SELECT id FROM proxies
			WHERE NOT is_dead AND NOT manually_disabled AND NOT currently_claimed
			ORDER BY request_speed_ms ASC NULLS LAST, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+proxyColumns,
		label, r.now().UTC())
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sanitizeDBError("claim proxy", err)
	}
	return &p, nil
}

// Release clears the claim on a proxy held by label. It reports false when
// the claim was already gone or is now held by someone else.
func (r *ProxyRepository) Release(ctx context.Context, id int64, label string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE proxies
		SET currently_claimed = FALSE, claimed_by = ''
		WHERE id = $1 AND currently_claimed AND claimed_by = $2`,
		id, label)
	if err != nil {
		return false, sanitizeDBError("release proxy", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sanitizeDBError("release proxy", err)
	}
	return n > 0, nil
}

// ReleaseStale force-releases claims taken before olderThan ago.
func (r *ProxyRepository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE proxies
		SET currently_claimed = FALSE, claimed_by = ''
		WHERE currently_claimed AND last_claim_at < $1`,
		r.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, sanitizeDBError("release stale proxies", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, sanitizeDBError("release stale proxies", err)
	}
	return int(n), nil
}

// MarkDead takes a proxy out of the eligible pool with reason.
func (r *ProxyRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE proxies
		SET is_dead = TRUE,
		    is_dead_since = CASE WHEN is_dead THEN is_dead_since ELSE $3 END,
		    is_dead_reason = $2,
		    check_result = $2,
		    last_check_at = $3
		WHERE id = $1`,
		id, reason, r.now().UTC())
	if err != nil {
		return sanitizeDBError("mark proxy dead", err)
	}
	return nil
}

// RecordHealth stores a successful check and revives the proxy.
func (r *ProxyRepository) RecordHealth(ctx context.Context, id int64, h ProxyHealth) error {
	checkedAt := h.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE proxies
		SET is_dead = FALSE, is_dead_since = NULL, is_dead_reason = '',
		    check_result = $2, capacity_current = $3, capacity_max = $4,
		    capacity_this_client = $5, request_speed_ms = $6,
		    out_of_resource_counter = 0, last_check_at = $7
		WHERE id = $1`,
		id, h.CheckResult, h.Capacity.Current, h.Capacity.Max, h.Capacity.ThisClient,
		h.RequestSpeedMS, checkedAt.UTC())
	if err != nil {
		return sanitizeDBError("record proxy health", err)
	}
	return nil
}

// UpdateCapacity stores a capacity reading taken during admission control.
func (r *ProxyRepository) UpdateCapacity(ctx context.Context, id int64, c Capacity) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE proxies
		SET capacity_current = $2, capacity_max = $3, capacity_this_client = $4
		WHERE id = $1`,
		id, c.Current, c.Max, c.ThisClient)
	if err != nil {
		return sanitizeDBError("update proxy capacity", err)
	}
	return nil
}

// IncrementOutOfResource bumps the out-of-resource counter and returns the new value.
func (r *ProxyRepository) IncrementOutOfResource(ctx context.Context, id int64) (int, error) {
	var counter int
	err := r.db.GetContext(ctx, &counter, `
		UPDATE proxies
		SET out_of_resource_counter = out_of_resource_counter + 1
		WHERE id = $1
		RETURNING out_of_resource_counter`, id)
	if err != nil {
		return 0, sanitizeDBError("increment out of resource", err)
	}
	return counter, nil
}

// SetDisabled toggles manual disabling of a proxy.
func (r *ProxyRepository) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE proxies SET manually_disabled = $2 WHERE id = $1`, id, disabled)
	if err != nil {
		return sanitizeDBError("set proxy disabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sanitizeDBError("set proxy disabled", sql.ErrNoRows)
	}
	return nil
}
