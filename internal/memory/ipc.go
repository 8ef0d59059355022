package memory

import (
	"context"
	"errors"

	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/limits"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// RegisterIPC installs the mem_store and mem_recall handlers on the broker.
// The limits engine gates both operations; a nil engine skips enforcement.
func RegisterIPC(b *ipc.Broker, mem *Broker, eng *limits.Engine) {
	b.Register("mem_store", ipc.Handler{
		Authorize: func(req *ipc.Request) error {
			var level string
			req.Field("level", &level)
			if level == store.LevelL3 && !req.IsMain {
				return errors.New("L3 memories require the main group")
			}
			return nil
		},
		Validate: func(req *ipc.Request) error {
			var content string
			if !req.Field("content", &content) || content == "" {
				return errors.New("content is required")
			}
			return nil
		},
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			if eng != nil {
				d, err := eng.Enforce(limits.Request{Op: limits.OpMemStore, Scope: req.Group})
				if err != nil {
					return nil, err
				}
				if !d.Allowed {
					return nil, errors.New(d.Code)
				}
			}

			var sr StoreRequest
			req.Field("content", &sr.Content)
			req.Field("level", &sr.Level)
			req.Field("scope", &sr.Scope)
			req.Field("productId", &sr.ProductID)
			req.Field("tags", &sr.Tags)
			sr.CallerGroup = req.Group

			m, err := mem.Store(sr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"memoryId": m.ID, "level": m.Level, "version": m.Version}, nil
		},
	})

	b.Register("mem_recall", ipc.Handler{
		Validate: func(req *ipc.Request) error {
			var query string
			if !req.Field("query", &query) || query == "" {
				return errors.New("query is required")
			}
			return nil
		},
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			if eng != nil {
				d, err := eng.Enforce(limits.Request{Op: limits.OpMemRecall, Scope: req.Group})
				if err != nil {
					return nil, err
				}
				if !d.Allowed {
					return nil, errors.New(d.Code)
				}
			}

			var rr RecallRequest
			req.Field("query", &rr.Query)
			req.Field("productId", &rr.ProductID)
			req.Field("limit", &rr.Limit)
			rr.CallerGroup = req.Group

			hits, err := mem.Recall(rr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"memories": hits}, nil
		},
	})
}
