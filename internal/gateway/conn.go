package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quillsync/api/internal/metrics"
)

// conn owns one websocket. Frames are queued on a bounded channel and written
// by a single goroutine; a peer that lets the queue fill up is disconnected
// instead of slowing down the room.
type conn struct {
	ws           *websocket.Conn
	send         chan []byte
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
	pingInterval time.Duration
	metrics      *metrics.Metrics
	overflowOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int, writeTimeout, pongTimeout time.Duration, m *metrics.Metrics) *conn {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:           ws,
		send:         make(chan []byte, buffer),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
		pingInterval: pongTimeout * 9 / 10,
		metrics:      m,
	}
}

// Send queues frame without blocking. It implements presence.Outbox.
func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.overflowOnce.Do(func() {
			c.metrics.SlowPeer.Inc()
			c.cancel()
		})
		return false
	}
}

func (c *conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *conn) Close() { c.cancel() }

// writeLoop drains the queue until the connection is cancelled, then closes
// the socket so the read loop unblocks.
func (c *conn) writeLoop() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.ws.Close()
	defer c.cancel()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
		}
	}
}
