// Package channels defines the driver boundary for chat platforms and the
// queued outbound sender that survives disconnects. Concrete wire protocols
// (WhatsApp, Telegram, IMAP) live outside the core and implement Driver.
package channels

import (
	"context"

	"github.com/nanoclaw/nanoclaw/internal/bus"
)

// Driver is implemented by each chat platform integration.
type Driver interface {
	// Name returns the channel name (e.g. "whatsapp").
	Name() string
	// Start starts the channel listener; inbound messages go to the bus.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Connected reports whether the channel can deliver right now.
	Connected() bool
	// Send delivers one message to a chat.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
	// SetTyping toggles the typing/presence indicator, where supported.
	// Drivers without presence support implement it as a no-op.
	SetTyping(ctx context.Context, chatJID string, typing bool) error
}
