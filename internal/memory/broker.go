// Package memory implements the memory broker: mem_store with PII/injection
// scanning and level classification, mem_recall with level/scope isolation,
// and the access log behind both.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// ErrUnauthorized is returned when a non-main group touches an L3 memory.
var ErrUnauthorized = errors.New("UNAUTHORIZED")

// Access log decisions.
const (
	AccessReturned = "returned"
	AccessDenied   = "denied"
)

// Broker mediates memory storage and recall for agent groups.
type Broker struct {
	store     *store.Store
	mainGroup string
	logger    *slog.Logger
}

// NewBroker builds a memory broker.
func NewBroker(st *store.Store, mainGroup string, logger *slog.Logger) *Broker {
	return &Broker{store: st, mainGroup: mainGroup, logger: logger}
}

// StoreRequest is one mem_store call.
type StoreRequest struct {
	Content     string
	Level       string // empty = classify
	Scope       string // COMPANY (default) or PRODUCT
	ProductID   string
	CallerGroup string
	Tags        string // JSON array, optional
}

// Store scans, classifies, hashes, and upserts the memory. Repeated stores of
// identical content in a group bump the version of the existing row.
func (b *Broker) Store(req StoreRequest) (*store.Memory, error) {
	if req.Level == store.LevelL3 && req.CallerGroup != b.mainGroup {
		return nil, ErrUnauthorized
	}

	scan := Scan(req.Content)
	level := req.Level
	if level == "" {
		level = Classify(req.Content, scan)
		// Classification never grants a non-main caller L3 storage rights;
		// cap at L2 and let the main group promote explicitly.
		if level == store.LevelL3 && req.CallerGroup != b.mainGroup {
			level = store.LevelL2
		}
	}
	scope := req.Scope
	if scope == "" {
		scope = store.ScopeCompany
	}
	if req.Tags == "" {
		req.Tags = "[]"
	}

	sum := sha256.Sum256([]byte(req.Content))
	hash := hex.EncodeToString(sum[:])

	existing, err := b.store.FindMemoryByHash(req.CallerGroup, hash)
	if err != nil {
		return nil, fmt.Errorf("lookup memory: %w", err)
	}
	if existing != nil {
		existing.Content = req.Content
		existing.Level = level
		existing.Scope = scope
		existing.ProductID = req.ProductID
		existing.Tags = req.Tags
		existing.PIIDetected = scan.PIIDetected
		existing.InjectionDetected = scan.InjectionDetected
		if err := b.store.UpdateMemory(existing, existing.Version); err != nil {
			return nil, fmt.Errorf("update memory: %w", err)
		}
		return existing, nil
	}

	m := &store.Memory{
		ID:                uuid.NewString(),
		Content:           req.Content,
		ContentHash:       hash,
		Level:             level,
		Scope:             scope,
		ProductID:         req.ProductID,
		GroupFolder:       req.CallerGroup,
		Tags:              req.Tags,
		PIIDetected:       scan.PIIDetected,
		InjectionDetected: scan.InjectionDetected,
	}
	if err := b.store.InsertMemory(m); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	if scan.InjectionDetected {
		b.logger.Warn("injection heuristics matched on stored memory", "memory", m.ID, "group", req.CallerGroup)
	}
	return m, nil
}

// RecallRequest is one mem_recall call.
type RecallRequest struct {
	Query       string
	CallerGroup string
	ProductID   string // the product the recall is for, "" for none
	Limit       int
}

// Recall returns the top matching memories visible to the caller. Every
// candidate decision, returned or denied, lands in the access log.
func (b *Broker) Recall(req RecallRequest) ([]store.Memory, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	// Over-fetch so that filtered-out rows do not starve the result.
	candidates, err := b.store.SearchMemories(req.Query, req.Limit*4)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	isMain := req.CallerGroup == b.mainGroup
	var out []store.Memory
	for _, m := range candidates {
		if !b.visible(m, isMain, req.ProductID) {
			b.logAccess(m.ID, req.CallerGroup, req.Query, AccessDenied)
			continue
		}
		if len(out) < req.Limit {
			out = append(out, m)
			b.logAccess(m.ID, req.CallerGroup, req.Query, AccessReturned)
		}
	}
	return out, nil
}

func (b *Broker) visible(m store.Memory, isMain bool, productID string) bool {
	if m.Level == store.LevelL3 && !isMain {
		return false
	}
	if m.Scope == store.ScopeProduct && m.ProductID != productID {
		return false
	}
	return true
}

func (b *Broker) logAccess(memoryID, caller, query, decision string) {
	if err := b.store.AppendMemoryAccess(memoryID, caller, query, decision); err != nil {
		b.logger.Warn("memory access log failed", "memory", memoryID, "error", err)
	}
}
