// Package gateway is the HTTP and WebSocket front door. It accepts inbound chat
// messages and doubles as the "ws" channel that delivers replies to connected clients.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goreply/internal/bus"
	"github.com/nextlevelbuilder/goreply/internal/channels"
	"github.com/nextlevelbuilder/goreply/internal/config"
	"github.com/nextlevelbuilder/goreply/pkg/protocol"
)

// ChannelName is the channel the gateway registers as.
const ChannelName = "ws"

const maxBodyBytes = 1 << 20

// ErrNoSubscribers is returned by Send when no client listens on the chat.
var ErrNoSubscribers = errors.New("gateway: no client subscribed to chat")

// StatsFunc reports runtime counters for /v1/stats.
type StatsFunc func() any

// Server is the gateway server handling WebSocket and HTTP connections.
type Server struct {
	*channels.BaseChannel

	cfg      config.GatewayConfig
	eventPub bus.EventPublisher
	stats    StatsFunc

	upgrader    websocket.Upgrader
	rateLimiter *channels.WebhookRateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

var _ channels.Channel = (*Server)(nil)

// NewServer creates a gateway server publishing inbound messages on msgBus.
func NewServer(cfg config.GatewayConfig, msgBus *bus.MessageBus, allowList []string) *Server {
	s := &Server{
		BaseChannel: channels.NewBaseChannel(ChannelName, msgBus, allowList),
		cfg:         cfg,
		eventPub:    msgBus,
		rateLimiter: channels.NewWebhookRateLimiter(cfg.RateLimitRPM),
		clients:     make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetStats sets the /v1/stats source.
func (s *Server) SetStats(fn StatsFunc) { s.stats = fn }

// RateLimiter returns the inbound limiter so the janitor can sweep it.
func (s *Server) RateLimiter() *channels.WebhookRateLimiter { return s.rateLimiter }

// checkOrigin validates WebSocket connection origin against the allowed origins whitelist.
// Empty Origin header (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorized checks the bearer token. The socket may pass it as ?token=.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/messages", s.handleMessage)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux = mux
	return mux
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway: listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Start marks the ws channel running. The listener is started by Serve.
func (s *Server) Start(context.Context) error {
	s.SetRunning(true)
	return nil
}

// Stop closes every client connection.
func (s *Server) Stop(context.Context) error {
	s.SetRunning(false)
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	return nil
}

// Send delivers a reply to every client subscribed to msg.ChatID.
func (s *Server) Send(_ context.Context, msg bus.OutboundMessage) error {
	frame := &protocol.MessageFrame{
		Type:     protocol.FrameMessage,
		ChatID:   msg.ChatID,
		Content:  msg.Content,
		Metadata: msg.Metadata,
	}
	for _, m := range msg.Media {
		frame.Media = append(frame.Media, protocol.Media{URL: m.URL, ContentType: m.ContentType, Caption: m.Caption})
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	delivered := 0
	for _, c := range s.clients {
		if c.chatID != "" && c.chatID != msg.ChatID {
			continue
		}
		if c.SendFrame(frame) {
			delivered++
		}
	}
	if delivered == 0 {
		return fmt.Errorf("%w %q", ErrNoSubscribers, msg.ChatID)
	}
	return nil
}

// Accept validates an inbound frame and publishes it on the bus.
func (s *Server) Accept(f protocol.InboundFrame) (string, error) {
	if strings.TrimSpace(f.SenderID) == "" || strings.TrimSpace(f.ChatID) == "" {
		return "", errors.New("sender_id and chat_id are required")
	}
	if strings.TrimSpace(f.Content) == "" && len(f.Media) == 0 {
		return "", errors.New("content or media is required")
	}
	switch f.PeerKind {
	case "", channels.PeerDirect, channels.PeerGroup:
	default:
		return "", fmt.Errorf("peer_kind must be %q or %q", channels.PeerDirect, channels.PeerGroup)
	}
	if !s.rateLimiter.Allow(f.SenderID) {
		return "", errRateLimited
	}
	id := f.MessageID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	ok := s.HandleMessage(bus.InboundMessage{
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		ChatID:     f.ChatID,
		MessageID:  id,
		Content:    f.Content,
		Media:      f.Media,
		PeerKind:   f.PeerKind,
		Mentions:   f.Mentions,
		ReplyToBot: f.ReplyToBot,
		Metadata:   f.Metadata,
	})
	if !ok {
		return "", errForbiddenSender
	}
	return id, nil
}

var (
	errRateLimited     = errors.New("rate limit exceeded")
	errForbiddenSender = errors.New("sender not allowed")
)

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, protocol.NewError("unauthorized"))
		return
	}
	var f protocol.InboundFrame
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.NewError("invalid JSON: "+err.Error()))
		return
	}
	id, err := s.Accept(f)
	switch {
	case errors.Is(err, errRateLimited):
		writeJSON(w, http.StatusTooManyRequests, protocol.NewError(err.Error()))
	case errors.Is(err, errForbiddenSender):
		writeJSON(w, http.StatusForbidden, protocol.NewError(err.Error()))
	case err != nil:
		writeJSON(w, http.StatusBadRequest, protocol.NewError(err.Error()))
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "message_id": id})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, protocol.NewError("unauthorized"))
		return
	}
	var body any = map[string]any{}
	if s.stats != nil {
		body = s.stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion, "clients": n})
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, protocol.NewError("unauthorized"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s, r.URL.Query().Get("chat_id"))
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return
		}
		c.SendFrame(protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("gateway: client connected", "id", c.id, "chat", c.chatID)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.eventPub.Unsubscribe(c.id)
	slog.Info("gateway: client disconnected", "id", c.id)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response failed", "error", err)
	}
}
