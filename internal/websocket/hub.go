package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"scambait/backend/internal/domain"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 非浏览器客户端（如 sendctl）不带 Origin
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type           MessageType   `json:"type"`
	ConversationID string        `json:"conversationId,omitempty"`
	Event          *domain.Event `json:"event,omitempty"`
	Error          string        `json:"error,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Client 代表一个操作员连接。
//
// 未订阅任何会话时接收全部事件，订阅后只接收所订阅会话的事件。
type Client struct {
	ID            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	conversations map[string]bool
	mu            sync.RWMutex
	log           *zap.Logger
}

// wants 判断客户端是否需要该会话的事件
func (c *Client) wants(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.conversations) == 0 {
		return true
	}
	return c.conversations[conversationID]
}

// Hub 管理所有WebSocket连接，实现 service.EventPublisher
type Hub struct {
	clients        map[string]*Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *Message
	done           chan struct{}
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	pingInterval   time.Duration
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - log: 日志记录器
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Message, 256),
		done:           make(chan struct{}),
		log:            log.Named("websocket"),
		allowedOrigins: allowedOrigins,
		pingInterval:   30 * time.Second,
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			close(h.done)
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Info("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastEvent(msg)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Publish 推送会话事件，缓冲区满时丢弃
func (h *Hub) Publish(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	msg := &Message{
		Type:           MessageTypeEvent,
		ConversationID: event.ConversationID,
		Event:          &event,
		Timestamp:      event.Timestamp,
	}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("conversation_id", event.ConversationID))
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastEvent 向关心该会话的客户端广播事件
func (h *Hub) broadcastEvent(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if !client.wants(msg.ConversationID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:            generateClientID(),
			conn:          conn,
			hub:           hub,
			send:          make(chan []byte, 256),
			conversations: make(map[string]bool),
			log:           hub.log,
		}
		if id := c.Query("conversationId"); id != "" {
			client.conversations[id] = true
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.ConversationID)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.ConversationID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (c *Client) subscribe(conversationID string) {
	if conversationID == "" {
		c.sendError("conversation ID is required")
		return
	}

	c.mu.Lock()
	c.conversations[conversationID] = true
	c.mu.Unlock()

	c.log.Info("subscribed to conversation",
		zap.String("clientID", c.ID),
		zap.String("conversation_id", conversationID))

	c.sendMessage(&Message{
		Type:           MessageTypeSubscribed,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
	})
}

func (c *Client) unsubscribe(conversationID string) {
	c.mu.Lock()
	delete(c.conversations, conversationID)
	c.mu.Unlock()

	c.log.Info("unsubscribed from conversation",
		zap.String("clientID", c.ID),
		zap.String("conversation_id", conversationID))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}

// generateClientID 生成客户端ID
func generateClientID() string {
	return uuid.NewString()
}
