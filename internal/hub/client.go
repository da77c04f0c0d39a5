package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pingInterval is the liveness probe period. A client that has not
	// acked the previous ping by the next tick is terminated.
	pingInterval = 30 * time.Second

	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// client is one connected WebSocket. Clients are assumed focused on
// connect until a clientState frame says otherwise.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	user string

	// sendMu guards send against a close racing a broadcast; the hub
	// may still hold the client when CloseUser or a queue-full drop
	// closes it.
	sendMu    sync.Mutex
	sendDone  bool
	send      chan []byte
	focused   atomic.Bool
	pingAcked atomic.Bool
}

func newClient(h *Hub, conn *websocket.Conn, user string) *client {
	c := &client{
		hub:  h,
		conn: conn,
		user: user,
		send: make(chan []byte, sendQueueSize),
	}
	c.focused.Store(true)
	c.pingAcked.Store(true)
	conn.SetPongHandler(func(string) error {
		c.pingAcked.Store(true)
		return nil
	})
	return c
}

// trySend queues a frame without blocking; a full queue drops the
// client, which is slower than the hub can ever legitimately be. After
// close it is a silent no-op.
func (c *client) trySend(msg []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return
	}
	select {
	case c.send <- msg:
	default:
		slog.Debug("client send queue full, dropping", "user", c.user)
		c.sendDone = true
		close(c.send)
	}
}

func (c *client) sendFrame(event string, data any) {
	msg, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("frame encode failed", "event", event, "error", err)
		return
	}
	c.trySend(msg)
}

func (c *client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendDone {
		return
	}
	c.sendDone = true
	close(c.send)
}

// writePump owns all writes on the connection, including the liveness
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if !c.pingAcked.Load() {
				slog.Debug("client missed ping, terminating", "user", c.user)
				return
			}
			c.pingAcked.Store(false)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientStateData struct {
	Focused bool `json:"focused"`
}

type fetchDeltaData struct {
	URL       string `json:"url"`
	Since     string `json:"since"`
	RequestID string `json:"requestId"`
}

// readPump consumes client frames until the connection drops.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			slog.Debug("unparseable client frame", "user", c.user, "error", err)
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *client) handleFrame(ctx context.Context, f Frame) {
	switch f.Event {
	case "clientState":
		var data clientStateData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}
		if c.focused.Swap(data.Focused) != data.Focused {
			c.hub.focusChanged()
		}
	case "fetchDelta":
		var data fetchDeltaData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}
		c.handleFetchDelta(ctx, data)
	default:
		slog.Debug("unknown client event", "user", c.user, "event", f.Event)
	}
}

func (c *client) handleFetchDelta(ctx context.Context, req fetchDeltaData) {
	if c.hub.fetcher == nil {
		c.sendFrame("deltaResponse", map[string]any{
			"requestId": req.RequestID,
			"error":     "delta fetch unavailable",
		})
		return
	}
	payload, err := c.hub.fetcher.FetchDelta(ctx, req.URL, req.Since)
	if err != nil {
		c.sendFrame("deltaResponse", map[string]any{
			"requestId": req.RequestID,
			"error":     err.Error(),
		})
		return
	}
	payload["requestId"] = req.RequestID
	c.sendFrame("deltaResponse", payload)
}
