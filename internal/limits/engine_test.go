package limits

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func newTestEngine(t *testing.T, cfg config.LimitsConfig) (*Engine, *store.Store, *time.Time) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "limits.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := NewEngine(cfg, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, st, &now
}

func baseConfig() config.LimitsConfig {
	return config.LimitsConfig{
		Enabled:             true,
		ExtCallsEnabled:     true,
		RatePerMin:          map[string]int{},
		QuotaSoft:           map[string]int{},
		QuotaHard:           map[string]int{},
		BreakOpenAfterFails: 3,
		BreakFailWindowSec:  120,
		BreakCooldownSec:    5,
	}
}

func TestEnforceDisabledAllowsWithCode(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	e, _, _ := newTestEngine(t, cfg)

	d, err := e.Enforce(Request{Op: OpExtCall, Scope: "trello"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if !d.Allowed || d.Code != CodeLimitsDisabled {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEnforceKillSwitch(t *testing.T) {
	cfg := baseConfig()
	cfg.ExtCallsEnabled = false
	e, st, _ := newTestEngine(t, cfg)

	d, err := e.Enforce(Request{Op: OpExtCall, Scope: "trello"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if d.Allowed || d.Code != CodeNotAuthorized {
		t.Fatalf("decision = %+v", d)
	}

	denials, err := st.ListDenials(10)
	if err != nil || len(denials) != 1 {
		t.Fatalf("denials = %v err=%v", denials, err)
	}
	if denials[0].Code != CodeNotAuthorized {
		t.Fatalf("denial code = %s", denials[0].Code)
	}
}

func TestEnforceRateLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.RatePerMin["cockpit_write"] = 2
	e, _, now := newTestEngine(t, cfg)

	for i := 0; i < 2; i++ {
		d, err := e.Enforce(Request{Op: OpCockpitWrite})
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: %+v err=%v", i, d, err)
		}
	}
	d, err := e.Enforce(Request{Op: OpCockpitWrite})
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if d.Allowed || d.Code != CodeRateLimitExceeded {
		t.Fatalf("third call decision = %+v", d)
	}

	// Next minute opens a fresh window.
	*now = now.Add(time.Minute)
	d, err = e.Enforce(Request{Op: OpCockpitWrite})
	if err != nil || !d.Allowed {
		t.Fatalf("fresh window: %+v err=%v", d, err)
	}
}

func TestEnforceScopedRateOverridesFamily(t *testing.T) {
	cfg := baseConfig()
	cfg.RatePerMin["ext_call"] = 100
	cfg.RatePerMin["ext_call:trello"] = 1
	e, _, _ := newTestEngine(t, cfg)

	d, _ := e.Enforce(Request{Op: OpExtCall, Scope: "trello"})
	if !d.Allowed {
		t.Fatalf("first call denied: %+v", d)
	}
	d, _ = e.Enforce(Request{Op: OpExtCall, Scope: "trello"})
	if d.Allowed || d.Code != CodeRateLimitExceeded {
		t.Fatalf("scoped limit not applied: %+v", d)
	}
}

func TestEnforceZeroRateMeansNotAuthorized(t *testing.T) {
	cfg := baseConfig()
	cfg.RatePerMin["ext_call:slack"] = 0
	e, _, _ := newTestEngine(t, cfg)

	d, err := e.Enforce(Request{Op: OpExtCall, Scope: "slack"})
	if err != nil {
		t.Fatalf("enforce: %v", err)
	}
	if d.Allowed || d.Code != CodeNotAuthorized {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEnforceDailyQuota(t *testing.T) {
	cfg := baseConfig()
	cfg.QuotaSoft["mem_store"] = 2
	cfg.QuotaHard["mem_store"] = 3
	e, _, now := newTestEngine(t, cfg)

	for i := 1; i <= 2; i++ {
		d, err := e.Enforce(Request{Op: OpMemStore})
		if err != nil || !d.Allowed || d.SoftWarn {
			t.Fatalf("call %d: %+v err=%v", i, d, err)
		}
	}

	d, err := e.Enforce(Request{Op: OpMemStore})
	if err != nil {
		t.Fatalf("soft call: %v", err)
	}
	if !d.Allowed || !d.SoftWarn || d.Code != CodeDailyQuotaSoftWarn {
		t.Fatalf("soft warn decision = %+v", d)
	}

	d, err = e.Enforce(Request{Op: OpMemStore})
	if err != nil {
		t.Fatalf("hard call: %v", err)
	}
	if d.Allowed || d.Code != CodeDailyQuotaExceeded {
		t.Fatalf("hard decision = %+v", d)
	}

	// A new day resets the quota.
	*now = now.Add(24 * time.Hour)
	d, err = e.Enforce(Request{Op: OpMemStore})
	if err != nil || !d.Allowed {
		t.Fatalf("next day: %+v err=%v", d, err)
	}
}

func TestBreakerRoundTrip(t *testing.T) {
	cfg := baseConfig()
	e, _, now := newTestEngine(t, cfg)

	for i := 0; i < 3; i++ {
		if err := e.RecordFailure("trello"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		*now = now.Add(time.Second)
	}

	d, err := e.Enforce(Request{Op: OpExtCall, Provider: "trello"})
	if err != nil {
		t.Fatalf("enforce while open: %v", err)
	}
	if d.Allowed || d.Code != CodeBreakerOpen {
		t.Fatalf("open decision = %+v", d)
	}

	// Cooldown elapsed: the next call is the half-open probe.
	*now = now.Add(6 * time.Second)
	d, err = e.Enforce(Request{Op: OpExtCall, Provider: "trello"})
	if err != nil || !d.Allowed {
		t.Fatalf("probe decision = %+v err=%v", d, err)
	}

	// A second caller inside the probe window is still denied.
	d, _ = e.Enforce(Request{Op: OpExtCall, Provider: "trello"})
	if d.Allowed {
		t.Fatalf("second probe allowed: %+v", d)
	}

	// Probe succeeds: breaker closes and traffic flows.
	if err := e.RecordSuccess("trello"); err != nil {
		t.Fatalf("success: %v", err)
	}
	d, err = e.Enforce(Request{Op: OpExtCall, Provider: "trello"})
	if err != nil || !d.Allowed {
		t.Fatalf("after close: %+v err=%v", d, err)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cfg := baseConfig()
	e, st, now := newTestEngine(t, cfg)

	for i := 0; i < 3; i++ {
		_ = e.RecordFailure("slack")
	}
	*now = now.Add(6 * time.Second)
	d, _ := e.Enforce(Request{Op: OpExtCall, Provider: "slack"})
	if !d.Allowed {
		t.Fatalf("probe denied: %+v", d)
	}
	if err := e.RecordFailure("slack"); err != nil {
		t.Fatalf("probe failure: %v", err)
	}

	b, err := st.GetBreaker("slack")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if b.State != store.BreakerOpen {
		t.Fatalf("state after failed probe = %s", b.State)
	}
	// Fresh cooldown runs from the re-open.
	d, _ = e.Enforce(Request{Op: OpExtCall, Provider: "slack"})
	if d.Allowed {
		t.Fatalf("allowed right after re-open: %+v", d)
	}
}

func TestFailWindowResetsCount(t *testing.T) {
	cfg := baseConfig()
	e, st, now := newTestEngine(t, cfg)

	_ = e.RecordFailure("imap")
	_ = e.RecordFailure("imap")
	// Outside the 120 s window the streak restarts.
	*now = now.Add(3 * time.Minute)
	_ = e.RecordFailure("imap")

	b, err := st.GetBreaker("imap")
	if err != nil {
		t.Fatalf("get breaker: %v", err)
	}
	if b.State != store.BreakerClosed || b.FailCount != 1 {
		t.Fatalf("breaker = %+v", b)
	}
}
