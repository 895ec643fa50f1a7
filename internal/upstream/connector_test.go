package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketrelay/config"
	"marketrelay/internal/models"
)

// fakeExchange accepts websocket connections and records control frames.
type fakeExchange struct {
	srv    *httptest.Server
	frames chan controlFrame
	conns  chan *websocket.Conn
	pongs  chan string
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	fx := &fakeExchange{
		frames: make(chan controlFrame, 64),
		conns:  make(chan *websocket.Conn, 8),
		pongs:  make(chan string, 8),
	}
	upgrader := websocket.Upgrader{}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetPongHandler(func(data string) error {
			fx.pongs <- data
			return nil
		})
		fx.conns <- conn
		for {
			var f controlFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fx.frames <- f
		}
	}))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http")
}

func (fx *fakeExchange) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fx.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no upstream connection accepted")
		return nil
	}
}

func (fx *fakeExchange) frame(t *testing.T) controlFrame {
	t.Helper()
	select {
	case f := <-fx.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no control frame received")
		return controlFrame{}
	}
}

func (fx *fakeExchange) noFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-fx.frames:
		t.Fatalf("unexpected control frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Emit(ev models.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return true
}

func (s *recordingSink) snapshot() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func testUpstreamConfig(url string) config.UpstreamConfig {
	cfg := config.Default().Upstream
	cfg.URL = url
	cfg.DialTimeout = time.Second
	cfg.Reconnect.BaseDelay = time.Hour
	cfg.Reconnect.MaxDelay = time.Hour
	cfg.Reconnect.Jitter = 0
	cfg.ControlRate.PerSecond = 1000
	cfg.ControlRate.Burst = 100
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func startConnector(t *testing.T, fx *fakeExchange, sink EventSink) *Connector {
	t.Helper()
	c := New(testUpstreamConfig(fx.url()), sink)
	c.Start(testContext(t))
	t.Cleanup(c.Stop)
	waitFor(t, "connected", func() bool { return c.State() == Connected })
	return c
}

func TestSubscribeSendsControlFrame(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnector(t, fx, nil)

	c.Subscribe("BTCUSDT")
	f := fx.frame(t)

	if f.Method != methodSubscribe || f.ID != 1 {
		t.Fatalf("unexpected frame: %+v", f)
	}
	want := []string{"btcusdt@trade", "btcusdt@depth20@100ms", "btcusdt@ticker"}
	if strings.Join(f.Params, ",") != strings.Join(want, ",") {
		t.Fatalf("params = %v, want %v", f.Params, want)
	}

	c.Subscribe("BTCUSDT")
	fx.noFrame(t)

	c.Unsubscribe("BTCUSDT")
	f = fx.frame(t)
	if f.Method != methodUnsubscribe || f.ID != 2 || f.Params[0] != "btcusdt@trade" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	c.Unsubscribe("ETHUSDT")
	fx.noFrame(t)
}

func TestSubscribeBeforeStartIsFlushedOnOpen(t *testing.T) {
	fx := newFakeExchange(t)
	c := New(testUpstreamConfig(fx.url()), nil)

	c.Subscribe("ETHUSDT")
	c.Subscribe("SOLUSDT")
	c.Unsubscribe("SOLUSDT")
	c.Unsubscribe("XRPUSDT")

	if got := c.Subscriptions(); len(got) != 1 || got[0] != "ETHUSDT" {
		t.Fatalf("subscriptions = %v", got)
	}

	c.Start(testContext(t))
	t.Cleanup(c.Stop)

	f := fx.frame(t)
	if f.Method != methodSubscribe || f.Params[0] != "ethusdt@trade" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	fx.noFrame(t)
}

func TestResubscribeOnReconnectPrecedesBufferedSubscribes(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnector(t, fx, nil)
	server := fx.conn(t)

	for _, sym := range []models.Symbol{"SOLUSDT", "BTCUSDT", "ETHUSDT"} {
		c.Subscribe(sym)
		fx.frame(t)
	}

	server.Close()
	waitFor(t, "disconnected", func() bool { return c.State() == Disconnected })

	c.Subscribe("BNBUSDT")
	c.Connect()
	fx.conn(t)

	var got []string
	for i := 0; i < 4; i++ {
		f := fx.frame(t)
		if f.Method != methodSubscribe {
			t.Fatalf("unexpected frame: %+v", f)
		}
		got = append(got, f.Params[0])
	}
	want := "btcusdt@trade,ethusdt@trade,solusdt@trade,bnbusdt@trade"
	if strings.Join(got, ",") != want {
		t.Fatalf("replay order = %v, want %s", got, want)
	}
	fx.noFrame(t)
}

func TestUnsubscribeWhileDisconnectedIsNotResubscribed(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnector(t, fx, nil)
	server := fx.conn(t)

	c.Subscribe("BTCUSDT")
	c.Subscribe("ETHUSDT")
	fx.frame(t)
	fx.frame(t)

	server.Close()
	waitFor(t, "disconnected", func() bool { return c.State() == Disconnected })

	c.Unsubscribe("BTCUSDT")
	c.Connect()
	waitFor(t, "reconnected", func() bool { return c.State() == Connected })

	f := fx.frame(t)
	if f.Method != methodSubscribe || f.Params[0] != "ethusdt@trade" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	fx.noFrame(t)
}

func TestConnectCancelsPendingReconnectWait(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnector(t, fx, nil)
	fx.conn(t).Close()

	waitFor(t, "disconnected", func() bool { return c.State() == Disconnected })

	// The configured delay is an hour, so only Connect can bring the link back.
	c.Connect()
	fx.conn(t)
	waitFor(t, "reconnected", func() bool { return c.State() == Connected })

	c.Connect()
	select {
	case <-fx.conns:
		t.Fatal("Connect while connected opened a second connection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	fx := newFakeExchange(t)
	startConnector(t, fx, nil)
	server := fx.conn(t)

	if err := server.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	select {
	case data := <-fx.pongs:
		if data != "hb" {
			t.Fatalf("pong payload = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestFramesAreDecodedAndBadFramesSkipped(t *testing.T) {
	fx := newFakeExchange(t)
	sink := &recordingSink{}
	c := startConnector(t, fx, sink)
	server := fx.conn(t)

	frames := []string{
		`{"stream":"btcusdt@trade","data":{"e":"trade","E":2,"s":"BTCUSDT","t":12345,"p":"0.001","q":"100","T":1,"m":true}}`,
		`{"stream":"btcusdt@trade",`,
		`{"result":null,"id":1}`,
		`{"stream":"btcusdt@ticker","data":{"E":3,"s":"BTCUSDT","p":"1","P":"0.5","o":"1","h":"2","l":"0.5","c":"1.5","v":"10","q":"15"}}`,
	}
	for _, f := range frames {
		if err := server.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, "three events", func() bool { return len(sink.snapshot()) == 3 })
	events := sink.snapshot()
	if events[0].Type != models.EventTrade || events[0].Trade.TradeID != 12345 {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != models.EventError || events[1].Error.Code != models.CodeMalformedJSON {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
	if events[2].Type != models.EventTicker || events[2].Ticker.Last != "1.5" {
		t.Fatalf("unexpected third event: %+v", events[2])
	}
	if c.State() != Connected {
		t.Fatalf("malformed frame closed the connection")
	}
}

func TestStopDisconnects(t *testing.T) {
	fx := newFakeExchange(t)
	c := startConnector(t, fx, nil)

	c.Stop()
	c.Stop()
	if c.State() != Disconnected {
		t.Fatalf("state after stop = %s", c.State())
	}
}
