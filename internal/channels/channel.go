// Package channels connects transports to the reply pipeline via the message bus.
//
// A channel publishes inbound messages with HandleMessage and receives the
// replies the send queue lets through on Send.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/goreply/internal/bus"
	"github.com/nextlevelbuilder/goreply/internal/sessions"
)

// Peer kinds carried on inbound messages.
const (
	PeerDirect = string(sessions.PeerDirect)
	PeerGroup  = string(sessions.PeerGroup)
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":    true,
	"system": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g. "ws").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for channel implementations.
type BaseChannel struct {
	name      string
	router    bus.MessageRouter
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a BaseChannel. An empty allowList admits every sender.
func NewBaseChannel(name string, router bus.MessageRouter, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, router: router, allowList: allowList}
}

func (c *BaseChannel) Name() string              { return c.name }
func (c *BaseChannel) IsRunning() bool           { return c.running.Load() }
func (c *BaseChannel) SetRunning(running bool)   { c.running.Store(running) }
func (c *BaseChannel) Router() bus.MessageRouter { return c.router }
func (c *BaseChannel) HasAllowList() bool        { return len(c.allowList) > 0 }

// IsAllowed checks a sender against the allowlist.
// Supports compound sender ids of the form "123456|username" on either side.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	idPart, userPart := splitCompound(senderID)
	for _, allowed := range c.allowList {
		allowedID, allowedUser := splitCompound(strings.TrimPrefix(allowed, "@"))
		switch {
		case senderID == allowed, idPart == allowedID:
			return true
		case userPart != "" && (userPart == allowedID || userPart == allowedUser):
			return true
		case allowedUser != "" && senderID == allowedUser:
			return true
		}
	}
	return false
}

func splitCompound(s string) (id, user string) {
	if idx := strings.IndexByte(s, '|'); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// HandleMessage stamps msg with the channel name and publishes it.
// Messages from senders outside the allowlist are dropped; the return reports whether msg was published.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.IsAllowed(msg.SenderID) {
		return false
	}
	msg.Channel = c.name
	if msg.PeerKind == "" {
		msg.PeerKind = PeerGroup
	}
	c.router.PublishInbound(msg)
	return true
}

// Truncate shortens a string to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
