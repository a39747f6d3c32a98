package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

var errUnauthorizedSubscribe = errors.New("not authorized to subscribe to this conversation")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // production deployments should restrict this to known origins
	},
}

// Handler WebSocket 处理器 — the Session Hub's HTTP-facing endpoint.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeWS upgrades an authenticated request to a WebSocket session. The
// caller (router middleware) is expected to have already validated the
// connecting user's identity and set it on the gin context.
func (h *Handler) ServeWS(c *gin.Context) {
	userID := c.Query("user_id")
	if v, ok := c.Get("user_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			userID = s
		}
	}
	if userID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), userID, conn, h.hub, h.logger)
	h.hub.register(client)

	safego.Go(h.logger, "ws-write-pump", func() { h.writePump(client) })
	safego.Go(h.logger, "ws-read-pump", func() { h.readPump(client) })
}

// readPump reads client->server messages and dispatches join/leave/message/
// feedback/typing events.
func (h *Handler) readPump(c *Client) {
	defer h.hub.Unregister(c)

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logger.Warn("failed to parse websocket message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			c.enqueue(mustMarshal(&WSMessage{Type: MessageTypePong}))
		case MessageTypeJoinConversation:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := h.hub.Subscribe(ctx, c, msg.SessionID)
			cancel()
			if err != nil {
				c.enqueue(mustMarshal(&WSMessage{Type: MessageTypeError, SessionID: msg.SessionID, Content: err.Error()}))
			}
		case MessageTypeLeaveConversation:
			h.hub.UnsubscribeConversation(c, msg.SessionID)
		default:
			if h.hub.onMessage != nil {
				h.hub.onMessage(c, &msg)
			}
		}
	}
}

// writePump drains a client's outbound buffer and sends periodic pings.
func (h *Handler) writePump(c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			for _, data := range c.drain() {
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
