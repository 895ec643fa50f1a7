package upstream

import (
	"testing"

	"marketrelay/internal/models"
)

func TestDecodeCombinedTrade(t *testing.T) {
	ev, ok := Decode([]byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1672515782136,"s":"BTCUSDT","t":12345,"p":"0.00100000","q":"100.00000000","T":1672515782136,"m":true}}`))
	if !ok || ev.Type != models.EventTrade {
		t.Fatalf("unexpected event: %+v", ev)
	}
	tr := ev.Trade
	if tr.Symbol != "BTCUSDT" || tr.Price != "0.00100000" || tr.Quantity != "100.00000000" {
		t.Fatalf("unexpected trade: %+v", tr)
	}
	if tr.TradeID != 12345 || tr.Timestamp != 1672515782136 || !tr.IsBuyerMaker {
		t.Fatalf("unexpected trade: %+v", tr)
	}
}

func TestDecodeDepthSnapshot(t *testing.T) {
	ev, ok := Decode([]byte(`{"stream":"ethusdt@depth20@100ms","data":{"lastUpdateId":160,"bids":[["98","2"],["99","1"]],"asks":[["101","2"],["100","1"]]}}`))
	if !ok || ev.Type != models.EventDepth {
		t.Fatalf("unexpected event: %+v", ev)
	}
	d := ev.Depth
	if d.Symbol != "ETHUSDT" || d.LastUpdateID != 160 {
		t.Fatalf("unexpected ladder: %+v", d)
	}
	wantBids := []models.DepthLevel{{Price: 99, Size: 1, Total: 1}, {Price: 98, Size: 2, Total: 3}}
	wantAsks := []models.DepthLevel{{Price: 100, Size: 1, Total: 1}, {Price: 101, Size: 2, Total: 3}}
	for i := range wantBids {
		if d.Bids[i] != wantBids[i] || d.Asks[i] != wantAsks[i] {
			t.Fatalf("unexpected ladder: %+v", d)
		}
	}
}

func TestDecodeInlineFrames(t *testing.T) {
	cases := map[string]models.EventType{
		`{"e":"trade","E":1,"s":"bnbusdt","t":1,"p":"1","q":"1","T":1,"m":false}`:                                      models.EventTrade,
		`{"e":"depthUpdate","E":1,"s":"BNBUSDT","U":1,"u":9,"b":[["1","1"]],"a":[["2","1"]]}`:                          models.EventDepth,
		`{"e":"24hrTicker","E":1,"s":"BNBUSDT","p":"1","P":"1","o":"1","h":"1","l":"1","c":"1","v":"1","q":"1"}`: models.EventTicker,
	}
	for raw, want := range cases {
		ev, ok := Decode([]byte(raw))
		if !ok || ev.Type != want || ev.Symbol != "BNBUSDT" {
			t.Errorf("%s: got %+v", raw, ev)
		}
	}
}

func TestDecodeIgnoredFrames(t *testing.T) {
	for _, raw := range []string{
		`{"result":null,"id":1}`,
		`{"e":"heartbeat"}`,
		`{"stream":"btcusdt@kline_1m","data":{}}`,
	} {
		if ev, ok := Decode([]byte(raw)); ok {
			t.Errorf("%s: expected no event, got %+v", raw, ev)
		}
	}
}

func TestDecodeControlReply(t *testing.T) {
	_, reply, ok := decode([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":7}`))
	if ok || reply == nil || reply.ID != "7" || reply.Error == nil || reply.Error.Code != 2 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		raw    string
		code   models.ErrorCode
		symbol models.Symbol
	}{
		{`not json`, models.CodeMalformedJSON, ""},
		{`{"data":{}}`, models.CodeMissingField, ""},
		{`{"stream":"btcusdt@trade"}`, models.CodeMissingField, ""},
		{`{"stream":"btcusdt@trade","data":{"t":1,"q":"1","T":1}}`, models.CodeMissingField, "BTCUSDT"},
		{`{"stream":"btcusdt@trade","data":{"t":1,"p":"abc","q":"1","T":1}}`, models.CodeInvalidValue, "BTCUSDT"},
		{`{"stream":"btcusdt@trade","data":{"t":"x","p":"1","q":"1","T":1}}`, models.CodeInvalidValue, "BTCUSDT"},
		{`{"stream":"btcusdt@depth20","data":{"lastUpdateId":1,"bids":[["x","1"]],"asks":[]}}`, models.CodeInvalidValue, "BTCUSDT"},
		{`{"stream":"btcusdt@depth20","data":{"lastUpdateId":1,"asks":[]}}`, models.CodeMissingField, "BTCUSDT"},
		{`{"stream":"btcusdt@ticker","data":{"P":"1","o":"1","h":"1","l":"1","v":"1","q":"1"}}`, models.CodeMissingField, "BTCUSDT"},
		{`{"stream":"b!@trade","data":{}}`, models.CodeInvalidValue, ""},
		{`{"e":"trade","t":1,"p":"1","q":"1","T":1}`, models.CodeMissingField, ""},
	}
	for _, tc := range cases {
		ev, ok := Decode([]byte(tc.raw))
		if !ok || ev.Type != models.EventError {
			t.Errorf("%s: expected error event, got %+v", tc.raw, ev)
			continue
		}
		if ev.Error.Code != tc.code || ev.Symbol != tc.symbol {
			t.Errorf("%s: got code %s symbol %q, want %s %q", tc.raw, ev.Error.Code, ev.Symbol, tc.code, tc.symbol)
		}
	}
}

// Payloads below carry every field the exchange sends, including the
// upper/lower case key pairs such as "m"/"M" and "o"/"O".
const (
	binanceTradePayload  = `{"e":"trade","E":1672515782136,"s":"BNBBTC","t":12345,"p":"0.001","q":"100","b":88,"a":50,"T":1672515782134,"m":false,"M":true}`
	binanceTickerPayload = `{"e":"24hrTicker","E":1672515782136,"s":"BNBBTC","p":"0.0015","P":"250.00","w":"0.0018","x":"0.0009","c":"0.0025","Q":"10","b":"0.0024","B":"10","a":"0.0026","A":"100","o":"0.0010","h":"0.0026","l":"0.0009","v":"10000","q":"18","O":0,"C":86400000,"F":0,"L":18150,"n":18151}`
	binanceDepthUpdate   = `{"e":"depthUpdate","E":1672515782136,"T":1672515782130,"s":"BNBBTC","U":157,"u":160,"pu":149,"b":[["0.0024","10"]],"a":[["0.0026","100"]]}`
)

func TestDecodeBinanceTradeFields(t *testing.T) {
	for _, raw := range []string{
		`{"stream":"bnbbtc@trade","data":` + binanceTradePayload + `}`,
		binanceTradePayload,
	} {
		ev, ok := Decode([]byte(raw))
		if !ok || ev.Type != models.EventTrade {
			t.Fatalf("%s: unexpected event: %+v", raw, ev)
		}
		tr := ev.Trade
		if tr.Symbol != "BNBBTC" || tr.Price != "0.001" || tr.Quantity != "100" {
			t.Fatalf("unexpected trade: %+v", tr)
		}
		if tr.TradeID != 12345 || tr.Timestamp != 1672515782134 || tr.EventTime != 1672515782136 {
			t.Fatalf("unexpected trade ids/times: %+v", tr)
		}
		if tr.IsBuyerMaker {
			t.Fatalf("buyer maker flag taken from the ignore field: %+v", tr)
		}
	}
}

func TestDecodeBinanceTickerFields(t *testing.T) {
	for _, raw := range []string{
		`{"stream":"bnbbtc@ticker","data":` + binanceTickerPayload + `}`,
		binanceTickerPayload,
	} {
		ev, ok := Decode([]byte(raw))
		if !ok || ev.Type != models.EventTicker {
			t.Fatalf("%s: unexpected event: %+v", raw, ev)
		}
		tk := ev.Ticker
		if tk.Open != "0.0010" || tk.Last != "0.0025" || tk.Low != "0.0009" || tk.High != "0.0026" {
			t.Fatalf("unexpected prices: %+v", tk)
		}
		if tk.QuoteVolume != "18" || tk.Volume != "10000" || tk.PriceChange != "0.0015" || tk.PriceChangePercent != "250.00" {
			t.Fatalf("unexpected volumes: %+v", tk)
		}
		if tk.EventTime != 1672515782136 {
			t.Fatalf("unexpected event time: %+v", tk)
		}
	}
}

func TestDecodeBinanceDepthUpdate(t *testing.T) {
	ev, ok := Decode([]byte(binanceDepthUpdate))
	if !ok || ev.Type != models.EventDepth {
		t.Fatalf("unexpected event: %+v", ev)
	}
	d := ev.Depth
	if d.Symbol != "BNBBTC" || d.LastUpdateID != 160 || len(d.Bids) != 1 || len(d.Asks) != 1 {
		t.Fatalf("unexpected ladder: %+v", d)
	}
}
