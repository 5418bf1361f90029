// Package gateway authenticates and manages live websocket connections and
// runs the message pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection lifecycle errors.
var (
	ErrConnClosed   = errors.New("connection closed")
	ErrWriteTimeout = errors.New("write timed out")
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 8192
)

// Conn wraps a websocket connection bound to one authenticated user and
// session for its whole lifetime. All writes go through a single writer
// goroutine; gorilla connections do not allow concurrent writers.
type Conn struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	SessionID uuid.UUID
	CreatedAt time.Time

	ws      *websocket.Conn
	writeCh chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket for an authenticated identity and
// starts its writer goroutine.
func NewConn(ws *websocket.Conn, userID, sessionID uuid.UUID) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		ID:        uuid.New(),
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		ws:        ws,
		writeCh:   make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// SendEvent marshals v and queues it for the writer goroutine.
func (c *Conn) SendEvent(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeWait):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnClosed
	}
}

// ReadFrame blocks for the next client frame, enforcing the read deadline.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close tears the connection down. Safe to call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}

// configureRead applies the read-side limits and keepalive handling.
func (c *Conn) configureRead() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
