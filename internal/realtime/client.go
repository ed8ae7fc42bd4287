package realtime

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
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	controlTimeout = 10 * time.Second
	maxMessageSize = 65536
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are authenticated by token, not origin
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ControlRouter executes control intents sent by dashboards.
type ControlRouter interface {
	HandleControl(ctx context.Context, testID, event string, data json.RawMessage) error
}

// TokenValidator checks a dashboard token and returns the operator id.
type TokenValidator func(token string) (userID string, err error)

// Client is one dashboard connection watching a test.
type Client struct {
	ID     string
	TestID string
	UserID string
	hub    *Hub
	router ControlRouter
	conn   *websocket.Conn
	send   chan WSMessage
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// ServeWs handles GET /ws?test_id=&token=. validate may be nil when operator
// auth is disabled.
func ServeWs(hub *Hub, router ControlRouter, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		testID := c.Query("test_id")
		if testID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "test_id required"})
			return
		}
		var userID string
		if validate != nil {
			token := c.Query("token")
			if token == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
				return
			}
			id, err := validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID = id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			TestID: testID,
			UserID: userID,
			hub:    hub,
			router: router,
			conn:   conn,
			send:   make(chan WSMessage, sendBuffer),
			done:   make(chan struct{}),
			logger: logger.With(zap.String("test_id", testID)),
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// deliver queues msg without blocking; a slow dashboard misses messages.
func (c *Client) deliver(msg WSMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.logger.Debug("dashboard buffer full, dropping", zap.String("event", msg.Event))
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		if c.router == nil || msg.Event == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		err := c.router.HandleControl(ctx, c.TestID, msg.Event, msg.Data)
		cancel()
		if err != nil {
			c.logger.Info("control rejected", zap.String("event", msg.Event), zap.Error(err))
			c.hub.SendToClient(c.TestID, c.ID, "error", map[string]string{
				"event":   msg.Event,
				"message": err.Error(),
			})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
