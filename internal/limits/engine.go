// Package limits enforces per-minute rate limits, daily quotas, and
// per-provider circuit breakers behind a single Enforce entry point. Every
// denial is logged to the limit_denials table.
package limits

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Deny codes returned in Decision.Code.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeDailyQuotaExceeded = "DAILY_QUOTA_EXCEEDED"
	CodeDailyQuotaSoftWarn = "DAILY_QUOTA_SOFT_WARN"
	CodeBreakerOpen        = "PROVIDER_BREAKER_OPEN"
	CodeLimitsDisabled     = "LIMITS_DISABLED"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
)

// Operation families understood by the kill-switch check.
const (
	OpExtCall      = "ext_call"
	OpEmbeddings   = "embeddings"
	OpMemStore     = "mem_store"
	OpMemRecall    = "mem_recall"
	OpCockpitWrite = "cockpit_write"
)

// Request describes one operation being gated.
type Request struct {
	Op       string // operation family, e.g. ext_call
	Scope    string // optional scope key, e.g. the provider or group
	Provider string // breaker target; empty skips the breaker check
}

// Decision is the enforcement outcome.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Code     string `json:"code,omitempty"`
	SoftWarn bool   `json:"soft_warn,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Engine evaluates limit checks against the store-backed counters.
type Engine struct {
	cfg    config.LimitsConfig
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds a limits engine over the shared store.
func NewEngine(cfg config.LimitsConfig, st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, store: st, logger: logger, now: time.Now}
}

// Enforce runs the short-circuiting check pipeline: kill switch, breaker,
// per-minute rate, daily quota. The first deny wins.
func (e *Engine) Enforce(req Request) (Decision, error) {
	if !e.cfg.Enabled {
		return Decision{Allowed: true, Code: CodeLimitsDisabled}, nil
	}

	if d, denied := e.checkKillSwitch(req); denied {
		return e.deny(req, d)
	}

	if req.Provider != "" {
		d, denied, err := e.checkBreaker(req.Provider)
		if err != nil {
			return Decision{}, err
		}
		if denied {
			return e.deny(req, d)
		}
	}

	d, denied, err := e.checkRate(req)
	if err != nil {
		return Decision{}, err
	}
	if denied {
		return e.deny(req, d)
	}

	d, denied, err = e.checkQuota(req)
	if err != nil {
		return Decision{}, err
	}
	if denied {
		return e.deny(req, d)
	}
	return d, nil
}

func (e *Engine) checkKillSwitch(req Request) (Decision, bool) {
	switch req.Op {
	case OpExtCall:
		if !e.cfg.ExtCallsEnabled {
			return Decision{Code: CodeNotAuthorized, Detail: "external calls disabled"}, true
		}
	case OpEmbeddings:
		if !e.cfg.EmbeddingsEnabled {
			return Decision{Code: CodeNotAuthorized, Detail: "embeddings disabled"}, true
		}
	}
	return Decision{}, false
}

func (e *Engine) checkRate(req Request) (Decision, bool, error) {
	limit, configured := lookupLimit(e.cfg.RatePerMin, req.Op, req.Scope)
	if !configured {
		return Decision{Allowed: true}, false, nil
	}
	if limit <= 0 {
		return Decision{Code: CodeNotAuthorized, Detail: "rate limit configured to zero"}, true, nil
	}

	now := e.now().UTC()
	windowKey := now.Format("2006-01-02T15:04")
	count, err := e.store.IncrementRateCounter(req.Op, req.Scope, windowKey)
	if err != nil {
		return Decision{}, false, fmt.Errorf("rate counter: %w", err)
	}
	if count == 1 {
		// First hit of a fresh window: opportunistically drop stale windows.
		_ = e.store.PurgeRateCountersBefore(now.Add(-5 * time.Minute).Format("2006-01-02T15:04"))
	}
	if count > limit {
		return Decision{
			Code:   CodeRateLimitExceeded,
			Detail: fmt.Sprintf("%d/%d in window %s", count, limit, windowKey),
		}, true, nil
	}
	return Decision{Allowed: true}, false, nil
}

func (e *Engine) checkQuota(req Request) (Decision, bool, error) {
	hard, hardSet := lookupLimit(e.cfg.QuotaHard, req.Op, req.Scope)
	if !hardSet {
		return Decision{Allowed: true}, false, nil
	}
	if hard <= 0 {
		return Decision{Code: CodeNotAuthorized, Detail: "daily quota configured to zero"}, true, nil
	}
	soft, _ := lookupLimit(e.cfg.QuotaSoft, req.Op, req.Scope)

	dayKey := e.now().UTC().Format("2006-01-02")
	used, softRow, hardRow, err := e.store.IncrementQuota(req.Op, req.Scope, dayKey, soft, hard)
	if err != nil {
		return Decision{}, false, fmt.Errorf("daily quota: %w", err)
	}
	if used > hardRow {
		return Decision{
			Code:   CodeDailyQuotaExceeded,
			Detail: fmt.Sprintf("%d/%d used on %s", used, hardRow, dayKey),
		}, true, nil
	}
	if softRow > 0 && used > softRow {
		return Decision{
			Allowed:  true,
			Code:     CodeDailyQuotaSoftWarn,
			SoftWarn: true,
			Detail:   fmt.Sprintf("%d/%d soft threshold crossed", used, softRow),
		}, false, nil
	}
	return Decision{Allowed: true}, false, nil
}

// deny records the denial and returns the finished decision.
func (e *Engine) deny(req Request, d Decision) (Decision, error) {
	d.Allowed = false
	if err := e.store.InsertDenial(req.Op, req.Scope, d.Code); err != nil {
		e.logger.Warn("failed to log limit denial", "op", req.Op, "error", err)
	}
	e.logger.Info("limit denied", "op", req.Op, "scope", req.Scope, "code", d.Code, "detail", d.Detail)
	return d, nil
}

// lookupLimit resolves "op:scope" first, falling back to the bare op.
func lookupLimit(m map[string]int, op, scope string) (int, bool) {
	if m == nil {
		return 0, false
	}
	if scope != "" {
		if v, ok := m[op+":"+scope]; ok {
			return v, true
		}
	}
	v, ok := m[op]
	return v, ok
}
