package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// watchRequest is the only message clients send: it narrows the stream to
// one schedule, or widens it again when Schedule is empty.
type watchRequest struct {
	Schedule string `json:"schedule"`
}

// Client is one WebSocket subscriber. By default it receives every
// message; a client watching a schedule only receives that schedule's
// events.
type Client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte

	mu    sync.RWMutex
	watch string
}

// NewClient creates a Client watching scheduleID, or everything when it
// is empty.
func NewClient(hub *Hub, conn *ws.Conn, scheduleID string) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		watch: scheduleID,
	}
}

func (c *Client) setWatch(id string) {
	c.mu.Lock()
	c.watch = id
	c.mu.Unlock()
}

// wants reports whether msg passes the client's filter. Messages about
// other entities, such as backups, only reach unfiltered clients.
func (c *Client) wants(msg Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.watch == "" {
		return true
	}
	return msg.Entity == "schedule" && msg.ID == c.watch
}

// Run registers the client and pumps messages until the connection closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump applies watch requests. Anything that is not a watch request is
// ignored. It returns when the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		var req watchRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.hub.logger.Debug("ignoring client message", "error", err)
			continue
		}
		c.setWatch(req.Schedule)
	}
}

// writePump drains the send channel and pings idle connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, ws.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
