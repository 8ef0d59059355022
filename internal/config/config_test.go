package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Assistant.Name != "Andy" {
		t.Errorf("Assistant.Name = %q, want Andy", cfg.Assistant.Name)
	}
	if got := cfg.IPC.PollInterval(); got != time.Second {
		t.Errorf("IPC.PollInterval() = %v, want 1s", got)
	}
	if got := cfg.Scheduler.PollInterval(); got != 60*time.Second {
		t.Errorf("Scheduler.PollInterval() = %v, want 60s", got)
	}
	if got := cfg.Worker.NonceTTL(); got != 60*time.Second {
		t.Errorf("Worker.NonceTTL() = %v, want 60s", got)
	}
	if got := cfg.Agent.ContainerTimeout(); got != 30*time.Minute {
		t.Errorf("Agent.ContainerTimeout() = %v, want 30m", got)
	}
}

func TestIntervalZeroFallsBackToDefault(t *testing.T) {
	r := RouterConfig{PollIntervalMs: 0}
	if got := r.PollInterval(); got != 2*time.Second {
		t.Errorf("PollInterval() with zero ms = %v, want 2s", got)
	}
	r.PollIntervalMs = 250
	if got := r.PollInterval(); got != 250*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 250ms", got)
	}
}

func TestLoadLimitFamilies(t *testing.T) {
	cfg := DefaultConfig()
	loadLimitFamilies(cfg, []string{
		"RL_COCKPIT_WRITE_PER_MIN=2",
		"RL_EXT_CALL_PER_MIN_TRELLO=10",
		"QUOTA_MEM_STORE_SOFT=100",
		"QUOTA_MEM_STORE_HARD=200",
		"QUOTA_EXT_CALL_HARD_SLACK=50",
		"RL_BROKEN=oops",
		"PATH=/usr/bin",
	})

	if got := cfg.Limits.RatePerMin["cockpit_write"]; got != 2 {
		t.Errorf("RatePerMin[cockpit_write] = %d, want 2", got)
	}
	if got := cfg.Limits.RatePerMin["ext_call:trello"]; got != 10 {
		t.Errorf("RatePerMin[ext_call:trello] = %d, want 10", got)
	}
	if got := cfg.Limits.QuotaSoft["mem_store"]; got != 100 {
		t.Errorf("QuotaSoft[mem_store] = %d, want 100", got)
	}
	if got := cfg.Limits.QuotaHard["mem_store"]; got != 200 {
		t.Errorf("QuotaHard[mem_store] = %d, want 200", got)
	}
	if got := cfg.Limits.QuotaHard["ext_call:slack"]; got != 50 {
		t.Errorf("QuotaHard[ext_call:slack] = %d, want 50", got)
	}
	if _, ok := cfg.Limits.RatePerMin["broken"]; ok {
		t.Error("non-numeric RL value should be ignored")
	}
}

func TestSplitFamilyKey(t *testing.T) {
	cases := []struct {
		rest, marker string
		want         string
		ok           bool
	}{
		{"COCKPIT_WRITE_PER_MIN", "_PER_MIN", "cockpit_write", true},
		{"EXT_CALL_PER_MIN_TRELLO", "_PER_MIN", "ext_call:trello", true},
		{"MEM_STORE_SOFT", "_SOFT", "mem_store", true},
		{"_PER_MIN", "_PER_MIN", "", false},
		{"NOPE", "_PER_MIN", "", false},
	}
	for _, c := range cases {
		got, ok := splitFamilyKey(c.rest, c.marker)
		if got != c.want || ok != c.ok {
			t.Errorf("splitFamilyKey(%q, %q) = (%q, %v), want (%q, %v)",
				c.rest, c.marker, got, ok, c.want, c.ok)
		}
	}
}
