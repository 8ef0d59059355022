// Package router routes inbound chat messages to the agent: per-chat batch
// aggregation behind a persisted cursor, trigger matching, and the
// advance/rollback discipline that makes processing at-least-once.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/agent"
	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Router drives the inbound message loop.
type Router struct {
	store   *store.Store
	bus     *bus.MessageBus
	lock    *agent.Lock
	runner  agent.Runner
	name    string // assistant trigger token
	trigger *regexp.Regexp
	logger  *slog.Logger

	// SetTyping toggles the channel's typing indicator around runs. Optional.
	SetTyping func(chatJID string, typing bool)

	mu          sync.Mutex
	chatChannel map[string]string // chat jid -> owning channel name
}

// New builds a router for the given assistant name.
func New(st *store.Store, mb *bus.MessageBus, lock *agent.Lock, runner agent.Runner, assistantName string, logger *slog.Logger) *Router {
	return &Router{
		store:       st,
		bus:         mb,
		lock:        lock,
		runner:      runner,
		name:        assistantName,
		trigger:     triggerPattern(assistantName),
		logger:      logger,
		chatChannel: make(map[string]string),
	}
}

// triggerPattern matches the assistant token case-insensitively on word
// boundaries, with or without the @ prefix.
func triggerPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|\s|\W)@?` + regexp.QuoteMeta(name) + `\b`)
}

// Run consumes inbound messages and ticks the dispatch loop until ctx is
// cancelled.
func (r *Router) Run(ctx context.Context, pollInterval time.Duration) error {
	go r.ingest(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	r.logger.Info("Router started", "assistant", r.name, "tick", pollInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// ingest persists bus messages into the store, deduplicating on message id.
func (r *Router) ingest(ctx context.Context) {
	for {
		msg, err := r.bus.ConsumeInbound(ctx)
		if err != nil {
			return
		}
		if err := r.Ingest(msg); err != nil {
			r.logger.Error("failed to persist inbound message", "chat", msg.ChatJID, "error", err)
		}
	}
}

// Ingest stores a single inbound message.
func (r *Router) Ingest(msg *bus.InboundMessage) error {
	r.mu.Lock()
	r.chatChannel[msg.ChatJID] = msg.Channel
	r.mu.Unlock()

	_, err := r.store.InsertMessage(&store.Message{
		MessageID:  msg.MessageID,
		ChatJID:    msg.ChatJID,
		Sender:     msg.Sender,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  store.FormatTime(msg.Timestamp),
		FromSelf:   msg.FromSelf,
	})
	return err
}

// Tick scans chats with unprocessed messages and dispatches trigger-bearing
// batches. Chat selection keys off each chat's own cursor, so a chat whose
// batch failed or was deferred stays eligible on the next tick regardless of
// what other chats did in between. The process-wide timestamp is a high-water
// mark only. Exported so tests drive ticks manually.
func (r *Router) Tick(ctx context.Context) {
	chats, err := r.store.ChatsWithPendingMessages()
	if err != nil {
		r.logger.Error("failed to scan chats", "error", err)
		return
	}

	highWater, err := r.store.RouterLastTimestamp()
	if err != nil {
		r.logger.Error("failed to load router timestamp", "error", err)
		return
	}
	maxSeen := highWater
	for _, chat := range chats {
		seen, err := r.processChat(ctx, chat)
		if err != nil {
			r.logger.Error("chat processing failed", "chat", chat, "error", err)
			continue
		}
		if seen > maxSeen {
			maxSeen = seen
		}
	}
	if maxSeen != highWater {
		if err := r.store.SetRouterLastTimestamp(maxSeen); err != nil {
			r.logger.Error("failed to persist router timestamp", "error", err)
		}
	}
}

// processChat assembles the chat's batch and, when triggered, runs the agent
// under the cursor discipline. Returns the newest timestamp observed.
func (r *Router) processChat(ctx context.Context, chat string) (string, error) {
	prev, err := r.store.ChatCursor(chat)
	if err != nil {
		return "", err
	}
	batch, err := r.store.MessagesAfter(chat, prev)
	if err != nil {
		return "", err
	}
	if len(batch) == 0 {
		return "", nil
	}
	last := batch[len(batch)-1].Timestamp

	if !r.batchTriggered(batch) {
		// No trigger yet: leave the cursor so these messages join the next
		// batch.
		return last, nil
	}

	if !r.lock.TryAcquire() {
		r.logger.Debug("agent lock held, deferring chat", "chat", chat)
		return "", nil
	}
	defer r.lock.Release()

	// Advance before running; roll back on error.
	if err := r.store.SetChatCursor(chat, last); err != nil {
		return "", err
	}
	if err := r.runBatch(ctx, chat, batch); err != nil {
		if rbErr := r.store.SetChatCursor(chat, prev); rbErr != nil {
			r.logger.Error("cursor rollback failed", "chat", chat, "error", rbErr)
		}
		r.logger.Warn("agent run failed, cursor rolled back", "chat", chat, "error", err)
		return "", nil
	}
	return last, nil
}

func (r *Router) batchTriggered(batch []store.Message) bool {
	for _, m := range batch {
		if m.FromSelf {
			continue
		}
		if r.trigger.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// runBatch builds the prompt, invokes the agent, and forwards its result.
func (r *Router) runBatch(ctx context.Context, chat string, batch []store.Message) error {
	prompt := r.buildPrompt(batch)
	sessionID, err := r.store.GetSession(chat)
	if err != nil {
		return err
	}

	if r.SetTyping != nil {
		r.SetTyping(chat, true)
		defer r.SetTyping(chat, false)
	}

	events, err := r.runner.Run(ctx, agent.Invocation{
		Prompt:    prompt,
		SessionID: sessionID,
		ChatJID:   chat,
	})
	if err != nil {
		return err
	}

	var result string
	for ev := range events {
		if ev.SessionID != "" {
			if err := r.store.SetSession(chat, ev.SessionID); err != nil {
				r.logger.Warn("failed to store session", "chat", chat, "error", err)
			}
		}
		switch ev.Status {
		case agent.StatusError:
			return errors.New(ev.Err)
		case agent.StatusDone:
			result = ev.Result
		}
	}

	if result != "" {
		r.send(chat, result)
	}
	return nil
}

func (r *Router) buildPrompt(batch []store.Message) string {
	var sb strings.Builder
	for _, m := range batch {
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(&sb, "%s %s: %s\n", m.Timestamp, name, m.Content)
	}
	return sb.String()
}

// send publishes the agent's reply, prefixed with the assistant name, and
// records it as a from-self message.
func (r *Router) send(chat, result string) {
	r.mu.Lock()
	channel := r.chatChannel[chat]
	r.mu.Unlock()

	content := r.name + ": " + result
	r.bus.PublishOutbound(&bus.OutboundMessage{Channel: channel, ChatJID: chat, Content: content})

	now := time.Now()
	_, err := r.store.InsertMessage(&store.Message{
		MessageID: fmt.Sprintf("self-%d", now.UnixNano()),
		ChatJID:   chat,
		Sender:    r.name,
		Content:   content,
		Timestamp: store.FormatTime(now),
		FromSelf:  true,
	})
	if err != nil {
		r.logger.Warn("failed to record outbound message", "chat", chat, "error", err)
	}
}
