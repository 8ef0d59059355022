package limits

import (
	"fmt"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// checkBreaker gates a call on the provider's circuit breaker and performs
// time-driven transitions (OPEN -> HALF_OPEN after cooldown, probe pacing).
// Transitions go through the versioned breaker row; a CAS loss means a
// concurrent tick already moved it, so the caller just sees the new state.
func (e *Engine) checkBreaker(provider string) (Decision, bool, error) {
	b, err := e.store.GetBreaker(provider)
	if err != nil {
		return Decision{}, false, fmt.Errorf("load breaker: %w", err)
	}
	if b == nil || b.State == store.BreakerClosed {
		return Decision{Allowed: true}, false, nil
	}

	now := e.now().UTC()
	cooldown := time.Duration(e.cfg.BreakCooldownSec) * time.Second

	switch b.State {
	case store.BreakerOpen:
		if b.OpenedAt == nil || now.Sub(*b.OpenedAt) < cooldown {
			return Decision{Code: CodeBreakerOpen, Detail: provider + " breaker open"}, true, nil
		}
		// Cooldown elapsed: become the half-open probe.
		b.State = store.BreakerHalfOpen
		b.LastProbeAt = &now
		if err := e.store.PutBreaker(b, b.Version); err != nil {
			if err == store.ErrVersionConflict {
				return Decision{Code: CodeBreakerOpen, Detail: provider + " probe already claimed"}, true, nil
			}
			return Decision{}, false, err
		}
		e.logger.Info("breaker half-open probe", "provider", provider)
		return Decision{Allowed: true}, false, nil

	case store.BreakerHalfOpen:
		if b.LastProbeAt != nil && now.Sub(*b.LastProbeAt) < cooldown {
			return Decision{Code: CodeBreakerOpen, Detail: provider + " awaiting probe result"}, true, nil
		}
		b.LastProbeAt = &now
		if err := e.store.PutBreaker(b, b.Version); err != nil {
			if err == store.ErrVersionConflict {
				return Decision{Code: CodeBreakerOpen, Detail: provider + " probe already claimed"}, true, nil
			}
			return Decision{}, false, err
		}
		return Decision{Allowed: true}, false, nil
	}
	return Decision{Allowed: true}, false, nil
}

// RecordFailure feeds a provider failure into the breaker. Enough failures
// inside the fail window trip the breaker OPEN; a failed half-open probe
// re-opens it with a fresh cooldown.
func (e *Engine) RecordFailure(provider string) error {
	now := e.now().UTC()
	b, err := e.store.GetBreaker(provider)
	if err != nil {
		return err
	}
	if b == nil {
		b = &store.Breaker{Provider: provider, State: store.BreakerClosed, FailCount: 1, LastFailAt: &now}
		if b.FailCount >= e.cfg.BreakOpenAfterFails {
			b.State = store.BreakerOpen
			b.OpenedAt = &now
		}
		if err := e.store.PutBreaker(b, 0); err == store.ErrVersionConflict {
			return e.RecordFailure(provider) // row appeared, retry against it
		} else if err != nil {
			return err
		}
		return nil
	}

	window := time.Duration(e.cfg.BreakFailWindowSec) * time.Second
	switch b.State {
	case store.BreakerHalfOpen:
		b.State = store.BreakerOpen
		b.OpenedAt = &now
		b.FailCount = e.cfg.BreakOpenAfterFails
	case store.BreakerOpen:
		// Already open; nothing to count.
		return nil
	default:
		if b.LastFailAt != nil && now.Sub(*b.LastFailAt) <= window {
			b.FailCount++
		} else {
			b.FailCount = 1
		}
		b.LastFailAt = &now
		if b.FailCount >= e.cfg.BreakOpenAfterFails {
			b.State = store.BreakerOpen
			b.OpenedAt = &now
			e.logger.Warn("breaker opened", "provider", provider, "failures", b.FailCount)
		}
	}

	if err := e.store.PutBreaker(b, b.Version); err != nil {
		if err == store.ErrVersionConflict {
			return nil // concurrent transition won, its view stands
		}
		return err
	}
	return nil
}

// RecordSuccess feeds a provider success into the breaker. A successful
// half-open probe closes the breaker and resets its counters.
func (e *Engine) RecordSuccess(provider string) error {
	b, err := e.store.GetBreaker(provider)
	if err != nil || b == nil {
		return err
	}
	if b.State == store.BreakerClosed && b.FailCount == 0 {
		return nil
	}
	b.State = store.BreakerClosed
	b.FailCount = 0
	b.OpenedAt = nil
	b.LastProbeAt = nil
	if err := e.store.PutBreaker(b, b.Version); err != nil {
		if err == store.ErrVersionConflict {
			return nil
		}
		return err
	}
	e.logger.Info("breaker closed", "provider", provider)
	return nil
}
