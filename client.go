package main

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Client is one live WebSocket session.
type Client struct {
	hub        *Hub
	dispatcher *Dispatcher
	conn       *websocket.Conn
	id         string
	ip         string
	send       chan []byte
	heartbeat  *Heartbeat
	logger     *slog.Logger

	// Guarded by hub.mu.
	rooms  map[string]struct{}
	closed bool
}

func NewClient(hub *Hub, dispatcher *Dispatcher, conn *websocket.Conn, ip string) *Client {
	id := uuid.NewString()
	return &Client{
		hub:        hub,
		dispatcher: dispatcher,
		conn:       conn,
		id:         id,
		ip:         ip,
		send:       make(chan []byte, hub.cfg.SendBuffer),
		heartbeat:  NewHeartbeat(hub.now()),
		logger:     hub.logger.With(slog.String("conn", id), slog.String("ip", ip)),
		rooms:      make(map[string]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// trySend queues data without blocking. Callers hold hub.mu.
func (c *Client) trySend(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Debug("send buffer full, dropping frame")
		return false
	}
}

func (c *Client) closeTransport() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close transport", slog.String("error", err.Error()))
	}
}

func (c *Client) readDeadline() time.Time {
	return time.Now().Add(c.hub.cfg.HeartbeatTimeout)
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c.id)
		c.closeTransport()
	}()

	_ = c.conn.SetReadDeadline(c.readDeadline())
	c.conn.SetPongHandler(func(string) error {
		c.heartbeat.Touch(c.hub.now())
		return c.conn.SetReadDeadline(c.readDeadline())
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(c.readDeadline())
		_ = c.dispatcher.Dispatch(c.id, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write error", slog.String("error", err.Error()))
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
