package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketrelay/config"
	"marketrelay/internal/channel"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/internal/registry"
	"marketrelay/internal/upstream"
)

// exchangeTradeFrame is a combined-stream trade exactly as the exchange sends it.
const exchangeTradeFrame = `{"stream":"bnbbtc@trade","data":{"e":"trade","E":1672515782136,"s":"BNBBTC","t":12345,"p":"0.001","q":"100","b":88,"a":50,"T":1672515782134,"m":false,"M":true}}`

// newTradingExchange answers a SUBSCRIBE naming bnbbtc@trade with one trade frame.
func newTradingExchange(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f struct {
				Method string   `json:"method"`
				Params []string `json:"params"`
				ID     uint64   `json:"id"`
			}
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if err := conn.WriteJSON(map[string]interface{}{"result": nil, "id": f.ID}); err != nil {
				return
			}
			if f.Method != "SUBSCRIBE" {
				continue
			}
			for _, p := range f.Params {
				if p == "bnbbtc@trade" {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(exchangeTradeFrame)); err != nil {
						return
					}
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExchangeTradeReachesSubscribedClient(t *testing.T) {
	exchange := newTradingExchange(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	upCfg := config.Default().Upstream
	upCfg.URL = "ws" + strings.TrimPrefix(exchange.URL, "http")
	upCfg.DialTimeout = time.Second
	upCfg.Reconnect.BaseDelay = 50 * time.Millisecond
	upCfg.Reconnect.MaxDelay = 50 * time.Millisecond
	upCfg.Reconnect.Jitter = 0
	upCfg.ControlRate.PerSecond = 1000
	upCfg.ControlRate.Burst = 100

	events := channel.NewEvents("upstream_events", 64, metrics.DropMetricUpstreamEvent)
	conn := upstream.New(upCfg, events)
	reg := registry.New(conn, nil)
	go reg.Run(ctx, events.C())
	conn.Start(ctx)
	t.Cleanup(conn.Stop)
	waitFor(t, "upstream connected", func() bool { return conn.State() == upstream.Connected })

	gw := NewServer(testGatewayConfig(), reg, nil, nil)
	handler, err := gw.Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		gw.closeClients()
		gw.Close()
	})
	tg := &testGateway{srv: srv, gw: gw, registry: reg}

	client := tg.dial(t)
	send(t, client, `{"type":"subscribe","symbol":"bnbbtc"}`)

	ev := readEvent(t, client)
	if ev.Type != string(models.EventTrade) {
		t.Fatalf("expected trade, got %s %s", ev.Type, ev.Data)
	}
	var tr models.Trade
	if err := json.Unmarshal(ev.Data, &tr); err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if tr.Symbol != "BNBBTC" || tr.Price != "0.001" || tr.Quantity != "100" {
		t.Fatalf("unexpected trade: %+v", tr)
	}
	if tr.TradeID != 12345 || tr.Timestamp != 1672515782134 {
		t.Fatalf("unexpected trade id/time: %+v", tr)
	}
	if tr.IsBuyerMaker {
		t.Fatalf("unexpected taker flag: %+v", tr)
	}
	if got := conn.Subscriptions(); len(got) != 1 || got[0] != "BNBBTC" {
		t.Fatalf("upstream subscriptions = %v", got)
	}
}
