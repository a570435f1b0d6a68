package protocol

// HelloFrame is the first frame on a new WebSocket connection.
type HelloFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	ChatID   string `json:"chat_id,omitempty"`
	Protocol int    `json:"protocol"`
}

// EventFrame carries a server-side event.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NewEvent builds an event frame.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: name, Payload: payload}
}

// Media is an attachment on an outbound message.
type Media struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// MessageFrame is a bot reply delivered to a chat.
type MessageFrame struct {
	Type     string            `json:"type"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content,omitempty"`
	Media    []Media           `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InboundFrame is a user message sent by a client, over HTTP or the socket.
type InboundFrame struct {
	Type       string            `json:"type,omitempty"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ChatID     string            `json:"chat_id"`
	MessageID  string            `json:"message_id,omitempty"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	PeerKind   string            `json:"peer_kind,omitempty"`
	Mentions   []string          `json:"mentions,omitempty"`
	ReplyToBot bool              `json:"reply_to_bot,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ErrorFrame reports a rejected client frame.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewError builds an error frame.
func NewError(msg string) *ErrorFrame {
	return &ErrorFrame{Type: FrameError, Error: msg}
}
