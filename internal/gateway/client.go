package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/internal/registry"
	"marketrelay/logger"
)

// client is one downstream websocket session. Events are queued on send and
// written by writePump; commands are read by readPump.
type client struct {
	id     registry.ClientID
	conn   *websocket.Conn
	server *Server
	send   chan models.Event

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}
}

func newClient(id registry.ClientID, conn *websocket.Conn, s *Server) *client {
	size := s.cfg.SendBuffer
	if size <= 0 {
		size = 1
	}
	return &client{
		id:     id,
		conn:   conn,
		server: s,
		send:   make(chan models.Event, size),
		done:   make(chan struct{}),
	}
}

func (c *client) ID() registry.ClientID {
	return c.id
}

// Send queues ev without blocking. A client whose queue is full is closed
// and the event is dropped.
func (c *client) Send(ev models.Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- ev:
		c.mu.Unlock()
		return true
	default:
	}
	c.closeLocked(websocket.ClosePolicyViolation, "send queue full")
	c.mu.Unlock()

	log := c.server.log
	metrics.EmitDropMetric(log, metrics.DropMetricClientSend, string(ev.Symbol), "client_send")
	log.WithComponent("gateway").WithFields(logger.Fields{
		"client": c.id,
		"symbol": ev.Symbol,
		"queued": len(c.send),
	}).Warn("dropping slow client")
	return false
}

func (c *client) close(code int, reason string) {
	c.mu.Lock()
	c.closeLocked(code, reason)
	c.mu.Unlock()
}

func (c *client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
}

func (c *client) readPump() {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		c.server.forget(c)
		c.conn.Close()
	}()

	cfg := c.server.cfg
	if cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.server.log.WithComponent("gateway").WithError(err).WithFields(logger.Fields{
					"client": c.id,
				}).Debug("client read failed")
			}
			return
		}
		c.handleCommand(msg)
	}
}

func (c *client) writePump() {
	cfg := c.server.cfg
	interval := cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.log.WithComponent("gateway").WithError(err).WithFields(logger.Fields{
					"client": c.id,
				}).Debug("client write failed")
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(code, reason)
				c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteTimeout))
			}
			return
		}
	}
}
