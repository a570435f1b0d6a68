// Package sessions builds and parses conversation keys.
//
// A conversation key identifies one chat on one channel:
//
//	{channel}:{peerKind}:{chatID}
//
// Examples:
//
//	ws:direct:u-386246614
//	ws:group:room-42
//	ws:group:team:standup   (chat ids may contain ':')
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Key is a parsed conversation key.
type Key struct {
	Channel  string
	PeerKind PeerKind
	ChatID   string
}

// String renders k in canonical form.
func (k Key) String() string {
	return BuildKey(k.Channel, k.PeerKind, k.ChatID)
}

// IsDirect reports whether the conversation is a private chat.
func (k Key) IsDirect() bool { return k.PeerKind == PeerDirect }

// BuildKey builds the conversation key. An empty kind is treated as a group.
func BuildKey(channel string, kind PeerKind, chatID string) string {
	if kind == "" {
		kind = PeerGroup
	}
	return fmt.Sprintf("%s:%s:%s", channel, kind, chatID)
}

// ParseKey splits a conversation key. Everything after the second ':' belongs to the chat id.
func ParseKey(key string) (Key, bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Key{}, false
	}
	kind := PeerKind(parts[1])
	if kind != PeerDirect && kind != PeerGroup {
		return Key{}, false
	}
	return Key{Channel: parts[0], PeerKind: kind, ChatID: parts[2]}, true
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
