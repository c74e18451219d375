package proxypool

import (
	"context"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/extapi"
)

// Reasons recorded when a proxy is taken out during a batch.
const (
	ReasonCapacityCheckFailed = "capacity_check_failed"
	ReasonOutOfResource       = "out_of_resource"
)

// CheckHeadroom returns nil when a new assessment may be submitted and a
// CapacityExceeded error otherwise. Unknown capacity counts as headroom.
func CheckHeadroom(c extapi.Capacity, floor int) error {
	if !c.Known {
		return nil
	}
	if c.Current < c.Max-1 && c.Max >= floor && c.ClientMax >= floor {
		return nil
	}
	return errors.ErrCapacityExceeded(c.Current, c.Max).
		WithContext("client_max", c.ClientMax).
		WithContext("floor", floor)
}

// HasHeadroom reports whether a new assessment may be submitted.
func HasHeadroom(c extapi.Capacity, floor int) bool {
	return CheckHeadroom(c, floor) == nil
}

// AwaitCapacity blocks until the external API reports headroom through
// proxy, re-reading capacity every CapacityBackoff and persisting each
// reading. Retryable transport failures are retried NetworkRetries times,
// NetworkRetryWait apart; only then does the read come back as a ProxyDead
// error.
func (p *Pool) AwaitCapacity(ctx context.Context, proxy *db.Proxy, api extapi.API) (extapi.Capacity, error) {
	log := p.logger.WithProxy(Redact(proxy.Address))
	failures := 0

	for {
		_, capacity, err := api.Info(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return capacity, ctx.Err()
			}
			apiErr, isAPI := extapi.AsAPIError(err)
			switch {
			case isAPI && apiErr.Kind == extapi.KindAtCapacity:
				log.Debug("Waiting for capacity", "error", errors.ErrCapacityExceeded(capacity.Current, capacity.Max),
					"status_code", apiErr.StatusCode, "backoff", p.cfg.CapacityBackoff)
			case errors.IsRetryable(err):
				failures++
				if failures >= p.cfg.NetworkRetries {
					return capacity, errors.ErrProxyDead(Redact(proxy.Address), ReasonCapacityCheckFailed, err)
				}
				log.Info("Capacity read failed, retrying",
					"attempt", failures, "wait", p.cfg.NetworkRetryWait, "error", err)
				if err := sleep(ctx, p.cfg.NetworkRetryWait); err != nil {
					return capacity, err
				}
				continue
			default:
				return capacity, err
			}
		} else {
			failures = 0
			if capacity.Known {
				if err := p.store.UpdateCapacity(ctx, proxy.ID, toDBCapacity(capacity)); err != nil {
					return capacity, err
				}
				p.metrics.SetProxyCapacity(Redact(proxy.Address), capacity.Current, capacity.Max, capacity.ClientMax)
			}
			waitErr := CheckHeadroom(capacity, p.cfg.CapacityFloor)
			if waitErr == nil {
				return capacity, nil
			}
			log.Debug("Waiting for capacity", "error", waitErr,
				"client_max", capacity.ClientMax, "backoff", p.cfg.CapacityBackoff)
		}

		if err := sleep(ctx, p.cfg.CapacityBackoff); err != nil {
			return capacity, err
		}
	}
}

// NoteOutOfResource counts a concurrent-limit rejection against proxy and
// marks it dead once the counter passes OutOfResourceLimit. It reports
// whether the proxy was marked dead.
func (p *Pool) NoteOutOfResource(ctx context.Context, proxy *db.Proxy) (bool, error) {
	n, err := p.store.IncrementOutOfResource(ctx, proxy.ID)
	if err != nil {
		return false, err
	}
	if n <= p.cfg.OutOfResourceLimit {
		return false, nil
	}
	if err := p.MarkDead(ctx, proxy, ReasonOutOfResource); err != nil {
		return false, err
	}
	return true, nil
}
