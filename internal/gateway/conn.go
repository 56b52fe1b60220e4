package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"eligibility-gateway/internal/domain"
	"eligibility-gateway/pkg/platform/circuit"
)

// connection is one consumer socket: a reader goroutine for subscription
// frames, a writer goroutine draining the outbound queue, and a push breaker
// that trips when the consumer cannot keep up.
type connection struct {
	g         *Gateway
	ws        *websocket.Conn
	principal string

	outbound chan serverFrame
	breaker  *circuit.Breaker

	// writeMu serializes socket writes: the websocket allows one concurrent
	// writer, and close() may race the write loop.
	writeMu sync.Mutex

	mu   sync.Mutex
	subs []Filter

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(g *Gateway, ws *websocket.Conn, principal string) *connection {
	return &connection{
		g:         g,
		ws:        ws,
		principal: principal,
		outbound:  make(chan serverFrame, g.cfg.OutboundQueueSize),
		breaker: circuit.New("push:"+principal,
			circuit.WithFailureThreshold(g.cfg.PushFailureThreshold)),
		done: make(chan struct{}),
	}
}

func (c *connection) start() {
	go c.writeLoop()
	go c.readLoop()
}

// wants reports whether any subscription matches the event.
func (c *connection) wants(ev domain.CompletionEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.subs {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// push enqueues a frame without blocking. A full queue counts against the
// push breaker; when it trips, the consumer gets one fallback notice telling
// it to switch to polling the job API, and the connection closes.
func (c *connection) push(frame serverFrame) {
	select {
	case c.outbound <- frame:
		c.breaker.RecordSuccess()
	default:
		c.g.metrics.IncrementPushFailures()
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.g.logger.Warn("consumer cannot keep up, dropping to pull",
				"principal", c.principal)
			c.close("push queue overflow; poll the job API for missed events")
		}
	}
}

func (c *connection) readLoop() {
	defer c.close("")
	// Heartbeat pings must be answered within two intervals, otherwise the
	// peer is dead and the read fails here instead of lingering until some
	// future write notices.
	wait := 2 * c.g.cfg.HeartbeatInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		var frame clientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Action {
		case "subscribe":
			c.subscribe(frame.Filters)
		case "unsubscribe":
			c.unsubscribe(frame.Filters)
		default:
			c.push(serverFrame{Frame: "error", Reason: "unknown action " + frame.Action})
		}
	}
}

func (c *connection) subscribe(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, f)
}

// unsubscribe removes subscriptions equal to the given filter.
func (c *connection) unsubscribe(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[:0]
	for _, sub := range c.subs {
		if !filtersEqual(sub, f) {
			kept = append(kept, sub)
		}
	}
	c.subs = kept
}

func filtersEqual(a, b Filter) bool {
	if a.SubjectID != b.SubjectID || a.JobID != b.JobID || len(a.EventTypes) != len(b.EventTypes) {
		return false
	}
	for i := range a.EventTypes {
		if a.EventTypes[i] != b.EventTypes[i] {
			return false
		}
	}
	return true
}

func (c *connection) writeLoop() {
	heartbeat := time.NewTicker(c.g.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	defer c.ws.Close()

	for {
		select {
		case frame := <-c.outbound:
			if err := c.writeFrame(frame); err != nil {
				c.close("")
				return
			}
		case <-heartbeat.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close("")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) writeFrame(frame serverFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.g.cfg.WriteTimeout))
	return c.ws.WriteJSON(frame)
}

// close tears the connection down exactly once. A non-empty reason is sent
// as a final fallback frame, best effort.
func (c *connection) close(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			_ = c.writeFrame(serverFrame{Frame: "fallback", Reason: reason})
		}
		close(c.done)
		c.ws.Close()
		c.g.drop(c)
	})
}
