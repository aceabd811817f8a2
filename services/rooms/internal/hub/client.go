package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 64
)

// Client is one websocket connection subscribed to a room.
type Client struct {
	conn          *websocket.Conn
	room          string
	participantID string
	send          chan []byte
	closeOnce     sync.Once
}

func NewClient(conn *websocket.Conn, room, participantID string) *Client {
	return &Client{
		conn:          conn,
		room:          room,
		participantID: participantID,
		send:          make(chan []byte, sendBuffer),
	}
}

func (c *Client) Room() string          { return c.room }
func (c *Client) ParticipantID() string { return c.participantID }

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// ReadPump hands every inbound frame to handle until the connection fails
// or ctx is done. It returns the read error.
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, frame []byte)) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(ctx, frame)
	}
}

// WritePump writes queued messages, one per frame, and keeps the connection
// alive with pings. It returns when the send queue is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// IsUnexpectedClose reports whether err is worth logging.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
