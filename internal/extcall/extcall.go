// Package extcall routes agent-requested external calls (trello, slack, and
// other provider integrations) through the limits engine and per-provider
// circuit breakers.
package extcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/limits"
)

// CallFunc executes one provider action with its raw arguments.
type CallFunc func(ctx context.Context, action string, args json.RawMessage) (any, error)

// Registry maps provider names to their call implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]CallFunc
	limits    *limits.Engine
	logger    *slog.Logger
}

// NewRegistry builds an empty provider registry gated by the limits engine.
func NewRegistry(eng *limits.Engine, logger *slog.Logger) *Registry {
	return &Registry{providers: make(map[string]CallFunc), limits: eng, logger: logger}
}

// RegisterProvider installs or replaces a provider implementation.
func (r *Registry) RegisterProvider(name string, fn CallFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = fn
}

// Capabilities returns the registered provider names, sorted, for the
// ext_capabilities.json snapshot.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call enforces limits and the provider breaker, executes the call, and
// records the outcome on the breaker.
func (r *Registry) Call(ctx context.Context, provider, action string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	fn, ok := r.providers[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}

	decision, err := r.limits.Enforce(limits.Request{
		Op:       limits.OpExtCall,
		Scope:    provider,
		Provider: provider,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, errors.New(decision.Code)
	}

	result, callErr := fn(ctx, action, args)
	if callErr != nil {
		if err := r.limits.RecordFailure(provider); err != nil {
			r.logger.Warn("breaker failure record failed", "provider", provider, "error", err)
		}
		return nil, callErr
	}
	if err := r.limits.RecordSuccess(provider); err != nil {
		r.logger.Warn("breaker success record failed", "provider", provider, "error", err)
	}

	if decision.SoftWarn {
		return map[string]any{"result": result, "softWarn": true}, nil
	}
	return result, nil
}

// RegisterIPC installs the ext_call handler on the broker.
func RegisterIPC(b *ipc.Broker, r *Registry) {
	b.Register("ext_call", ipc.Handler{
		Validate: func(req *ipc.Request) error {
			var provider, action string
			if !req.Field("provider", &provider) || provider == "" {
				return errors.New("provider is required")
			}
			if !req.Field("action", &action) || action == "" {
				return errors.New("action is required")
			}
			return nil
		},
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			var provider, action string
			var args json.RawMessage
			req.Field("provider", &provider)
			req.Field("action", &action)
			req.Field("args", &args)
			return r.Call(ctx, provider, action, args)
		},
	})
}
