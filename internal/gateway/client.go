package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goreply/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 64 << 10
	sendBufferSize = 64
)

// Client is one WebSocket connection. A client bound to a chat receives only
// that chat's replies; an unbound client receives every reply.
type Client struct {
	id     string
	chatID string
	conn   *websocket.Conn
	server *Server

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn. chatID may be empty.
func NewClient(conn *websocket.Conn, s *Server, chatID string) *Client {
	return &Client{
		id:     uuid.Must(uuid.NewV7()).String(),
		chatID: chatID,
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// SendFrame queues a frame for writing. Returns false when the client is
// closed or its buffer is full.
func (c *Client) SendFrame(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal frame", "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("gateway: client buffer full, frame dropped", "id", c.id)
		return false
	}
}

// Close closes the connection once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Run pumps frames until the connection or ctx ends.
func (c *Client) Run(ctx context.Context) {
	go c.writePump(ctx)

	c.SendFrame(&protocol.HelloFrame{
		Type:     protocol.FrameHello,
		ClientID: c.id,
		ChatID:   c.chatID,
		Protocol: protocol.ProtocolVersion,
	})

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f protocol.InboundFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway: read failed", "id", c.id, "error", err)
			}
			return
		}
		if f.Type != "" && f.Type != protocol.FrameMessage {
			c.SendFrame(protocol.NewError("unsupported frame type " + f.Type))
			continue
		}
		if f.ChatID == "" {
			f.ChatID = c.chatID
		}
		if _, err := c.server.Accept(f); err != nil {
			c.SendFrame(protocol.NewError(err.Error()))
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
