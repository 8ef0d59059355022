package extcall

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/limits"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func newTestRegistry(t *testing.T, cfg config.LimitsConfig) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "ext.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if cfg.RatePerMin == nil {
		cfg.RatePerMin = map[string]int{}
	}
	if cfg.QuotaSoft == nil {
		cfg.QuotaSoft = map[string]int{}
	}
	if cfg.QuotaHard == nil {
		cfg.QuotaHard = map[string]int{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(limits.NewEngine(cfg, st, logger), logger), st
}

func TestCallRoutesToProvider(t *testing.T) {
	r, _ := newTestRegistry(t, config.LimitsConfig{Enabled: true, ExtCallsEnabled: true})

	var gotAction string
	r.RegisterProvider("trello", func(ctx context.Context, action string, args json.RawMessage) (any, error) {
		gotAction = action
		return map[string]string{"cardId": "c-9"}, nil
	})

	out, err := r.Call(context.Background(), "trello", "create_card", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotAction != "create_card" {
		t.Fatalf("action = %q", gotAction)
	}
	if m, ok := out.(map[string]string); !ok || m["cardId"] != "c-9" {
		t.Fatalf("out = %+v", out)
	}

	if _, err := r.Call(context.Background(), "jira", "x", nil); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestCallKillSwitchDenies(t *testing.T) {
	r, st := newTestRegistry(t, config.LimitsConfig{Enabled: true, ExtCallsEnabled: false})
	r.RegisterProvider("slack", func(ctx context.Context, action string, args json.RawMessage) (any, error) {
		t.Fatal("provider reached despite kill switch")
		return nil, nil
	})

	_, err := r.Call(context.Background(), "slack", "post", nil)
	if err == nil || err.Error() != limits.CodeNotAuthorized {
		t.Fatalf("err = %v", err)
	}
	denials, _ := st.ListDenials(5)
	if len(denials) != 1 || denials[0].Op != limits.OpExtCall {
		t.Fatalf("denials = %+v", denials)
	}
}

func TestCallFailuresOpenBreaker(t *testing.T) {
	r, _ := newTestRegistry(t, config.LimitsConfig{
		Enabled: true, ExtCallsEnabled: true,
		BreakOpenAfterFails: 3, BreakFailWindowSec: 120, BreakCooldownSec: 60,
	})
	r.RegisterProvider("trello", func(ctx context.Context, action string, args json.RawMessage) (any, error) {
		return nil, errors.New("upstream 500")
	})

	for i := 0; i < 3; i++ {
		if _, err := r.Call(context.Background(), "trello", "x", nil); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}

	_, err := r.Call(context.Background(), "trello", "x", nil)
	if err == nil || err.Error() != limits.CodeBreakerOpen {
		t.Fatalf("err after breaker threshold = %v", err)
	}
}

func TestCapabilitiesSorted(t *testing.T) {
	r, _ := newTestRegistry(t, config.LimitsConfig{Enabled: true, ExtCallsEnabled: true})
	r.RegisterProvider("trello", nil)
	r.RegisterProvider("slack", nil)

	caps := r.Capabilities()
	if len(caps) != 2 || caps[0] != "slack" || caps[1] != "trello" {
		t.Fatalf("caps = %v", caps)
	}
}
