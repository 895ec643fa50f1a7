package upstream

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"marketrelay/config"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// State is the lifecycle state of the upstream connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// EventSink receives normalised events. Emit must not block.
type EventSink interface {
	Emit(models.Event) bool
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// Option customises a Connector.
type Option func(*Connector)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

// WithBackoff replaces the reconnect delay policy.
func WithBackoff(b *Backoff) Option {
	return func(c *Connector) { c.backoff = b }
}

// Connector owns the single connection to the exchange stream endpoint. It
// keeps the set of held symbols, replays it after every reconnect and turns
// incoming frames into events for the sink.
type Connector struct {
	cfg     config.UpstreamConfig
	sink    EventSink
	dialer  *websocket.Dialer
	backoff *Backoff
	limiter *rate.Limiter
	log     *logger.Log

	mu      sync.Mutex
	state   State
	active  map[models.Symbol]struct{}
	pending []models.Symbol
	outbox  []controlFrame
	attempt int
	nextID  uint64

	wake chan struct{}
	kick chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.UpstreamConfig, sink EventSink, opts ...Option) *Connector {
	c := &Connector{
		cfg:     cfg,
		sink:    sink,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: websocket.DefaultDialer.Proxy},
		backoff: NewBackoff(cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.Jitter),
		limiter: rate.NewLimiter(rate.Limit(cfg.ControlRate.PerSecond), cfg.ControlRate.Burst),
		log:     logger.GetLogger(),
		active:  make(map[models.Symbol]struct{}),
		wake:    make(chan struct{}, 1),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the connection loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (c *Connector) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.log.WithComponent("upstream").WithFields(logger.Fields{
		"url": c.cfg.URL,
	}).Info("starting upstream connector")

	go func(done chan struct{}) {
		defer close(done)
		c.run(runCtx)
	}(c.done)
}

// Stop closes the connection and waits for the loop to exit.
func (c *Connector) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.WithComponent("upstream").Info("upstream connector stopped")
}

// Connect cancels a pending reconnect wait so the next dial happens now.
// It does nothing while a connection is being made or is open.
func (c *Connector) Connect() {
	if c.State() != Disconnected {
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the held symbols, both active and waiting for the
// next open, sorted.
func (c *Connector) Subscriptions() []models.Symbol {
	c.mu.Lock()
	out := make([]models.Symbol, 0, len(c.active)+len(c.pending))
	for sym := range c.active {
		out = append(out, sym)
	}
	out = append(out, c.pending...)
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe requests the trade, depth and ticker streams of sym. While
// connected the frame is queued for the writer; otherwise the symbol is
// remembered and subscribed on the next open. Subscribe never blocks.
func (c *Connector) Subscribe(sym models.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[sym]; ok || c.isPending(sym) {
		return
	}
	if c.state != Connected {
		c.pending = append(c.pending, sym)
		return
	}
	c.active[sym] = struct{}{}
	c.enqueue(methodSubscribe, sym)
}

// Unsubscribe drops sym. A symbol that never reached the exchange is simply
// forgotten; unknown symbols are ignored. Unsubscribe never blocks.
func (c *Connector) Unsubscribe(sym models.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p == sym {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
	if _, ok := c.active[sym]; !ok {
		return
	}
	delete(c.active, sym)
	if c.state == Connected {
		c.enqueue(methodUnsubscribe, sym)
	}
}

func (c *Connector) isPending(sym models.Symbol) bool {
	for _, p := range c.pending {
		if p == sym {
			return true
		}
	}
	return false
}

// enqueue appends a control frame and wakes the writer. Caller holds c.mu.
func (c *Connector) enqueue(method string, sym models.Symbol) {
	c.nextID++
	c.outbox = append(c.outbox, controlFrame{
		Method: method,
		Params: c.streamNames(sym),
		ID:     c.nextID,
	})
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connector) streamNames(sym models.Symbol) []string {
	s := sym.Stream()
	return []string{
		s + "@" + c.cfg.Streams.Trade,
		s + "@" + c.cfg.Streams.Depth,
		s + "@" + c.cfg.Streams.Ticker,
	}
}

func (c *Connector) run(ctx context.Context) {
	log := c.log.WithComponent("upstream")
	for {
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		c.setState(Connecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).WithFields(logger.Fields{"url": c.cfg.URL}).Warn("failed to connect to upstream websocket")
			}
		} else {
			if err := c.serve(ctx, conn); err != nil && ctx.Err() == nil {
				log.WithError(err).WithFields(logger.Fields{"url": c.cfg.URL}).Warn("upstream websocket read loop ended")
			}
		}

		delay := c.disconnected()
		if ctx.Err() != nil {
			return
		}
		if c.waitForReconnect(ctx, delay) {
			return
		}
	}
}

// opened moves the connector to Connected. The outbox is rebuilt so that
// every held symbol is resubscribed before any symbol requested while
// disconnected.
func (c *Connector) opened() {
	c.mu.Lock()
	c.attempt = 0
	c.outbox = c.outbox[:0]

	held := make([]models.Symbol, 0, len(c.active))
	for sym := range c.active {
		held = append(held, sym)
	}
	sort.Slice(held, func(i, j int) bool { return held[i] < held[j] })
	for _, sym := range held {
		c.enqueue(methodSubscribe, sym)
	}
	for _, sym := range c.pending {
		c.active[sym] = struct{}{}
		c.enqueue(methodSubscribe, sym)
	}
	replayed := len(c.pending)
	c.pending = nil
	c.state = Connected
	c.mu.Unlock()

	select {
	case <-c.kick:
	default:
	}

	metrics.SetGauge(c.log, "upstream", metrics.MetricUpstreamState, float64(Connected), nil)
	c.log.WithComponent("upstream").WithFields(logger.Fields{
		"url":          c.cfg.URL,
		"resubscribed": len(held),
		"replayed":     replayed,
	}).Info("upstream websocket connected")
}

// disconnected records a failed or closed connection and returns the delay
// before the next dial.
func (c *Connector) disconnected() time.Duration {
	c.mu.Lock()
	c.state = Disconnected
	c.outbox = c.outbox[:0]
	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	metrics.SetGauge(c.log, "upstream", metrics.MetricUpstreamState, float64(Disconnected), nil)
	metrics.Count(c.log, "upstream", metrics.MetricUpstreamReconnects, 1, nil)
	c.log.WithComponent("upstream").WithFields(logger.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("scheduling upstream reconnect")
	return delay
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetGauge(c.log, "upstream", metrics.MetricUpstreamState, float64(s), nil)
}

// waitForReconnect sleeps for delay. It returns true when ctx is done and
// returns early when Connect is called.
func (c *Connector) waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-c.kick:
		return false
	case <-timer.C:
		return false
	}
}

// serve runs one connection until it fails.
func (c *Connector) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.ReadLimitBytes > 0 {
		conn.SetReadLimit(c.cfg.ReadLimitBytes)
	}
	c.extendReadDeadline(conn)
	conn.SetPingHandler(func(data string) error {
		c.extendReadDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(connCtx, conn)
	}()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	c.opened()

	err := c.readLoop(conn)
	cancel()
	<-writerDone
	return err
}

func (c *Connector) extendReadDeadline(conn *websocket.Conn) {
	if c.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

func (c *Connector) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.extendReadDeadline(conn)
		c.handle(msg)
	}
}

func (c *Connector) handle(msg []byte) {
	ev, reply, ok := decode(msg)
	if reply != nil {
		c.logReply(reply)
		return
	}
	if !ok {
		return
	}

	if ev.Type == models.EventError {
		metrics.Count(c.log, "upstream", metrics.MetricDecodeErrors, 1, metrics.Labels{"code": string(ev.Error.Code)})
		c.log.WithComponent("upstream").WithFields(logger.Fields{
			"code":   ev.Error.Code,
			"symbol": ev.Symbol,
		}).Warn(ev.Error.Message)
	}

	if c.sink != nil {
		c.sink.Emit(ev)
	}
}

func (c *Connector) logReply(reply *controlReply) {
	entry := c.log.WithComponent("upstream").WithFields(logger.Fields{"id": reply.ID})
	if reply.Error != nil {
		entry.WithFields(logger.Fields{
			"code": reply.Error.Code,
			"msg":  reply.Error.Msg,
		}).Warn("upstream rejected control frame")
		return
	}
	entry.Debug("upstream acknowledged control frame")
}

// writeLoop drains the outbox onto conn, one frame at a time, throttled by
// the control rate limiter.
func (c *Connector) writeLoop(ctx context.Context, conn *websocket.Conn) {
	log := c.log.WithComponent("upstream")
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for {
			f, ok := c.nextFrame()
			if !ok {
				break
			}
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				if ctx.Err() == nil {
					log.WithError(err).WithFields(logger.Fields{"method": f.Method}).Warn("failed to write control frame")
				}
				conn.Close()
				return
			}
			metrics.Count(c.log, "upstream", metrics.MetricControlFrames, 1, metrics.Labels{"method": f.Method})
			log.WithFields(logger.Fields{
				"method": f.Method,
				"params": f.Params,
				"id":     f.ID,
			}).Debug("control frame sent")
		}
	}
}

func (c *Connector) nextFrame() (controlFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || len(c.outbox) == 0 {
		return controlFrame{}, false
	}
	f := c.outbox[0]
	c.outbox = c.outbox[1:]
	return f, true
}
