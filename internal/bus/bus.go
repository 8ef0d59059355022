// Package bus provides the async message bus decoupling channel drivers from
// the router core.
package bus

import (
	"context"
	"sync"
	"time"
)

// InboundMessage is a message delivered by a channel driver to the host.
type InboundMessage struct {
	Channel    string    `json:"channel"`
	ChatJID    string    `json:"chat_jid"`
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	FromSelf   bool      `json:"from_self"`
}

// OutboundMessage is a message from the host to a channel driver.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatJID string `json:"chat_jid"`
	Content string `json:"content"`
}

// MessageBus carries inbound and outbound traffic between drivers and router.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
	subs     map[string][]func(*OutboundMessage)
	mu       sync.RWMutex
}

// NewMessageBus creates a bus with bounded buffers.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *InboundMessage, 100),
		outbound: make(chan *OutboundMessage, 100),
		subs:     make(map[string][]func(*OutboundMessage)),
	}
}

// PublishInbound hands a channel message to the host.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound queues a message for the owning channel's driver.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.outbound <- msg
}

// Subscribe registers a callback for outbound messages on a channel.
func (b *MessageBus) Subscribe(channel string, callback func(*OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], callback)
}

// DispatchOutbound runs the outbound dispatcher. Run as a goroutine.
func (b *MessageBus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := b.subs[msg.Channel]
			b.mu.RUnlock()
			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int { return len(b.inbound) }

// OutboundSize returns the number of pending outbound messages.
func (b *MessageBus) OutboundSize() int { return len(b.outbound) }
