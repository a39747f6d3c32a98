package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// MessageType 消息类型 — the real-time wire protocol's event kind.
type MessageType string

const (
	// Client -> server.
	MessageTypeMessage            MessageType = "message"
	MessageTypeTyping             MessageType = "typing"
	MessageTypeJoinConversation   MessageType = "join_conversation"
	MessageTypeLeaveConversation  MessageType = "leave_conversation"
	MessageTypeFeedback           MessageType = "feedback"

	// Server -> client.
	MessageTypeClassified        MessageType = "classified"
	MessageTypeModelSelected     MessageType = "model_selected"
	MessageTypeTypingStart       MessageType = "typing_start"
	MessageTypeTokenDelta        MessageType = "token_delta"
	MessageTypeTypingEnd         MessageType = "typing_end"
	MessageTypeAgentSwitched     MessageType = "agent_switched"
	MessageTypeAssistantMessage  MessageType = "assistant_message"
	MessageTypeError             MessageType = "error"
	MessageTypeDone              MessageType = "done"

	// Both directions.
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// WSMessage WebSocket 消息 — the wire envelope for every client/server event.
type WSMessage struct {
	Type      MessageType            `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// AuthorizeFunc re-checks whether userID may subscribe to conversationID.
// Called on every subscribe, not just at connect time (§4.F).
type AuthorizeFunc func(ctx context.Context, userID, conversationID string) (bool, error)

// MessageHandler processes an inbound client->server WSMessage.
type MessageHandler func(client *Client, msg *WSMessage)

// Client is one authenticated WebSocket connection — the transport-level
// counterpart of an entity.Session.
type Client struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	hub    *Hub
	logger *zap.Logger

	mu            sync.Mutex
	queue         [][]byte
	conversations map[string]struct{}
	lagging       bool
	laggingSince  time.Time
	dropped       int64

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newClient(id, userID string, conn *websocket.Conn, hub *Hub, logger *zap.Logger) *Client {
	return &Client{
		ID:            id,
		UserID:        userID,
		conn:          conn,
		hub:           hub,
		logger:        logger,
		conversations: make(map[string]struct{}),
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// enqueue appends data to the client's outbound buffer. When the buffer is
// full, the oldest event is dropped and the client is marked lagging; a
// watchdog disconnects it if it stays lagging past T_lag (§4.F).
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	wasLagging := c.lagging
	if len(c.queue) >= c.hub.bufferSize {
		c.queue = append(c.queue[1:], data)
		atomic.AddInt64(&c.dropped, 1)
		if !c.lagging {
			c.lagging = true
			c.laggingSince = time.Now()
		}
	} else {
		c.queue = append(c.queue, data)
	}
	c.mu.Unlock()

	if c.lagging && !wasLagging {
		safego.Go(c.logger, "ws-lag-watchdog", func() { c.watchLag() })
	}

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) watchLag() {
	timer := time.NewTimer(c.hub.lagTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.done:
		return
	}
	c.mu.Lock()
	stillLagging := c.lagging && time.Since(c.laggingSince) >= c.hub.lagTimeout
	c.mu.Unlock()
	if stillLagging {
		c.logger.Warn("disconnecting lagging session", zap.String("client_id", c.ID), zap.Int64("dropped", atomic.LoadInt64(&c.dropped)))
		c.close()
	}
}

func (c *Client) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	c.lagging = false
	return out
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub is the Session Hub: a conversation_id -> set<Session> index with
// bounded per-session buffers (§4.F).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	subs    map[string]map[*Client]struct{}

	logger     *zap.Logger
	authorize  AuthorizeFunc
	onMessage  MessageHandler
	bufferSize int
	lagTimeout time.Duration
}

// NewHub creates a Session Hub. bufferSize defaults to 128 and lagTimeout to
// 10s when zero-valued, matching spec.md §4.F's defaults.
func NewHub(logger *zap.Logger, authorize AuthorizeFunc, bufferSize int, lagTimeout time.Duration) *Hub {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	if lagTimeout <= 0 {
		lagTimeout = 10 * time.Second
	}
	return &Hub{
		clients:    make(map[string]*Client),
		subs:       make(map[string]map[*Client]struct{}),
		logger:     logger,
		authorize:  authorize,
		bufferSize: bufferSize,
		lagTimeout: lagTimeout,
	}
}

// SetMessageHandler installs the callback invoked for inbound client messages.
func (h *Hub) SetMessageHandler(handler MessageHandler) {
	h.onMessage = handler
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Info("session connected", zap.String("client_id", c.ID), zap.String("user_id", c.UserID))
}

// Unregister removes a client from the hub and every subscription set.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	for convID := range c.conversations {
		if set, ok := h.subs[convID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, convID)
			}
		}
	}
	h.mu.Unlock()
	c.close()
	h.logger.Info("session disconnected", zap.String("client_id", c.ID))
}

// Subscribe adds client to conversationID's subscriber set after
// re-checking authorization (idempotent — §4.F).
func (h *Hub) Subscribe(ctx context.Context, c *Client, conversationID string) error {
	if h.authorize != nil {
		ok, err := h.authorize(ctx, c.UserID, conversationID)
		if err != nil {
			return err
		}
		if !ok {
			return errUnauthorizedSubscribe
		}
	}

	h.mu.Lock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[conversationID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.conversations[conversationID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// UnsubscribeConversation removes client from one conversation's subscriber set.
func (h *Hub) UnsubscribeConversation(c *Client, conversationID string) {
	h.mu.Lock()
	if set, ok := h.subs[conversationID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, conversationID)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.conversations, conversationID)
	c.mu.Unlock()
}

// Publish enqueues event to every session subscribed to conversationID, in
// publish order per-session (§4.F ordering guarantee).
func (h *Hub) Publish(conversationID string, msg *WSMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal session event", zap.Error(err))
		return
	}

	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.subs[conversationID]))
	for c := range h.subs[conversationID] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		c.enqueue(data)
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
