package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sundersouls/SlideCollab/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 256 * 1024
	messagesPerSecond = 50
	messageBurst      = 100
	sendBufferSize    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errSendBufferFull = errors.New("send buffer full")

// Client is one live websocket connection. It has no identity until a
// join-room succeeds and the hub binds it to a participant.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger
}

// ServeWS upgrades an HTTP request and starts the connection's pumps.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		logger:      hub.logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}

	go client.writePump()
	go client.readPump()
}

// Send queues an outbound frame without blocking. A full buffer means the
// reader cannot keep up; the frame is dropped and the caller may disconnect
// the client.
func (c *Client) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.HandleDisconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		if !c.rateLimiter.Allow() {
			c.logger.Warn("rate limit exceeded, dropping message")
			continue
		}

		c.hub.HandleMessage(c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
