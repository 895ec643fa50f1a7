package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"marketrelay/internal/ladder"
	"marketrelay/internal/models"
)

// frame is the union of the top level keys the exchange may send.
//
// encoding/json falls back to case-insensitive matching when no field has the
// exact key, so every key whose case-folded form collides with another one
// the exchange sends ("e"/"E", "m"/"M", ...) is declared explicitly below and
// in the payload structs, even when the value is ignored.
type frame struct {
	Stream    *string          `json:"stream"`
	Data      json.RawMessage  `json:"data"`
	Event     *string          `json:"e"`
	EventTime json.RawMessage  `json:"E"`
	Result    json.RawMessage  `json:"result"`
	ID        *json.RawMessage `json:"id"`
	Error     *replyError      `json:"error"`
}

type replyError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// controlReply is the exchange's answer to a SUBSCRIBE/UNSUBSCRIBE frame.
type controlReply struct {
	ID    string
	Error *replyError
}

type wireTrade struct {
	Event      json.RawMessage `json:"e"`
	EventTime  *int64          `json:"E"`
	Symbol     string          `json:"s"`
	TradeID    *int64          `json:"t"`
	Price      *string         `json:"p"`
	Quantity   *string         `json:"q"`
	TradeTime  *int64          `json:"T"`
	BuyerMaker *bool           `json:"m"`
	Ignore     json.RawMessage `json:"M"`
}

type wireDepth struct {
	Event        json.RawMessage `json:"e"`
	EventTime    json.RawMessage `json:"E"`
	Symbol       string          `json:"s"`
	LastUpdateID *int64          `json:"lastUpdateId"`
	FirstID      *int64          `json:"U"`
	FinalID      *int64          `json:"u"`
	Bids         [][]string      `json:"bids"`
	Asks         [][]string      `json:"asks"`
	B            [][]string      `json:"b"`
	A            [][]string      `json:"a"`
}

type wireTicker struct {
	Event              json.RawMessage `json:"e"`
	EventTime          *int64          `json:"E"`
	Symbol             string          `json:"s"`
	PriceChange        *string         `json:"p"`
	PriceChangePercent *string         `json:"P"`
	Open               *string         `json:"o"`
	OpenTime           json.RawMessage `json:"O"`
	High               *string         `json:"h"`
	Low                *string         `json:"l"`
	LastTradeID        json.RawMessage `json:"L"`
	Last               *string         `json:"c"`
	CloseTime          json.RawMessage `json:"C"`
	LastQuantity       json.RawMessage `json:"Q"`
	BidPrice           json.RawMessage `json:"b"`
	BidQuantity        json.RawMessage `json:"B"`
	AskPrice           json.RawMessage `json:"a"`
	AskQuantity        json.RawMessage `json:"A"`
	Volume             *string         `json:"v"`
	QuoteVolume        *string         `json:"q"`
}

type channelKind int

const (
	kindUnknown channelKind = iota
	kindTrade
	kindDepth
	kindTicker
)

// decodeError is reported downstream as an error event.
type decodeError struct {
	code   models.ErrorCode
	symbol models.Symbol
	msg    string
}

func (e *decodeError) Error() string {
	return string(e.code) + ": " + e.msg
}

func (e *decodeError) event() models.Event {
	return models.NewErrorEvent(e.code, e.symbol, e.msg)
}

// Decode normalises one upstream frame. It returns false for frames that
// carry no market data, such as subscription replies and heartbeats. Invalid
// frames yield an error event.
func Decode(raw []byte) (models.Event, bool) {
	ev, _, ok := decode(raw)
	return ev, ok
}

func decode(raw []byte) (models.Event, *controlReply, bool) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return (&decodeError{code: models.CodeMalformedJSON, msg: err.Error()}).event(), nil, true
	}

	switch {
	case f.Stream != nil:
		if len(f.Data) == 0 || string(f.Data) == "null" {
			return missing("", "data"), nil, true
		}
		sym, kind, err := parseStream(*f.Stream)
		if err != nil {
			return err.event(), nil, true
		}
		if kind == kindUnknown {
			return models.Event{}, nil, false
		}
		return decodePayload(kind, sym, f.Data), nil, true

	case f.Event != nil:
		kind := eventKind(*f.Event)
		if kind == kindUnknown {
			return models.Event{}, nil, false
		}
		return decodePayload(kind, "", raw), nil, true

	case f.ID != nil:
		reply := &controlReply{ID: strings.Trim(string(*f.ID), `"`), Error: f.Error}
		return models.Event{}, reply, false
	}

	return missing("", "stream"), nil, true
}

// parseStream splits "<symbol>@<channel>" into a canonical symbol and channel kind.
func parseStream(stream string) (models.Symbol, channelKind, *decodeError) {
	name, channel, found := strings.Cut(stream, "@")
	if !found || channel == "" {
		return "", kindUnknown, &decodeError{code: models.CodeInvalidValue, msg: fmt.Sprintf("stream %q has no channel", stream)}
	}
	sym, err := models.ParseSymbol(name)
	if err != nil {
		return "", kindUnknown, &decodeError{code: models.CodeInvalidValue, msg: err.Error()}
	}

	switch {
	case channel == "trade":
		return sym, kindTrade, nil
	case strings.HasPrefix(channel, "depth"):
		return sym, kindDepth, nil
	case channel == "ticker":
		return sym, kindTicker, nil
	default:
		return sym, kindUnknown, nil
	}
}

func eventKind(e string) channelKind {
	switch e {
	case "trade":
		return kindTrade
	case "depthUpdate":
		return kindDepth
	case "24hrTicker":
		return kindTicker
	default:
		return kindUnknown
	}
}

func decodePayload(kind channelKind, sym models.Symbol, data []byte) models.Event {
	var (
		ev  models.Event
		err *decodeError
	)
	switch kind {
	case kindTrade:
		ev, err = decodeTrade(sym, data)
	case kindDepth:
		ev, err = decodeDepth(sym, data)
	case kindTicker:
		ev, err = decodeTicker(sym, data)
	}
	if err != nil {
		if err.symbol == "" {
			err.symbol = sym
		}
		return err.event()
	}
	return ev
}

func decodeTrade(sym models.Symbol, data []byte) (models.Event, *decodeError) {
	var w wireTrade
	if err := unmarshalPayload(data, &w); err != nil {
		return models.Event{}, err
	}
	sym, derr := resolveSymbol(sym, w.Symbol)
	if derr != nil {
		return models.Event{}, derr
	}

	switch {
	case w.Price == nil:
		return models.Event{}, missingErr(sym, "p")
	case w.Quantity == nil:
		return models.Event{}, missingErr(sym, "q")
	case w.TradeID == nil:
		return models.Event{}, missingErr(sym, "t")
	case w.TradeTime == nil:
		return models.Event{}, missingErr(sym, "T")
	}
	if err := checkDecimal(sym, "p", *w.Price); err != nil {
		return models.Event{}, err
	}
	if err := checkDecimal(sym, "q", *w.Quantity); err != nil {
		return models.Event{}, err
	}

	t := models.Trade{
		Symbol:    sym,
		Price:     *w.Price,
		Quantity:  *w.Quantity,
		Timestamp: *w.TradeTime,
		TradeID:   *w.TradeID,
	}
	if w.BuyerMaker != nil {
		t.IsBuyerMaker = *w.BuyerMaker
	}
	if w.EventTime != nil {
		t.EventTime = *w.EventTime
	}
	return models.NewTradeEvent(t), nil
}

func decodeDepth(sym models.Symbol, data []byte) (models.Event, *decodeError) {
	var w wireDepth
	if err := unmarshalPayload(data, &w); err != nil {
		return models.Event{}, err
	}
	sym, derr := resolveSymbol(sym, w.Symbol)
	if derr != nil {
		return models.Event{}, derr
	}

	bids, asks, id := w.Bids, w.Asks, w.LastUpdateID
	if bids == nil && asks == nil {
		bids, asks, id = w.B, w.A, w.FinalID
	}
	switch {
	case bids == nil:
		return models.Event{}, missingErr(sym, "bids")
	case asks == nil:
		return models.Event{}, missingErr(sym, "asks")
	}

	var lastUpdateID int64
	if id != nil {
		lastUpdateID = *id
	}
	ladderSnapshot, err := ladder.Build(sym, lastUpdateID, bids, asks)
	if err != nil {
		return models.Event{}, &decodeError{code: models.CodeInvalidValue, symbol: sym, msg: err.Error()}
	}
	return models.NewDepthEvent(ladderSnapshot), nil
}

func decodeTicker(sym models.Symbol, data []byte) (models.Event, *decodeError) {
	var w wireTicker
	if err := unmarshalPayload(data, &w); err != nil {
		return models.Event{}, err
	}
	sym, derr := resolveSymbol(sym, w.Symbol)
	if derr != nil {
		return models.Event{}, derr
	}

	required := []struct {
		key string
		val *string
	}{
		{"P", w.PriceChangePercent},
		{"o", w.Open},
		{"h", w.High},
		{"l", w.Low},
		{"c", w.Last},
		{"v", w.Volume},
		{"q", w.QuoteVolume},
	}
	for _, f := range required {
		if f.val == nil {
			return models.Event{}, missingErr(sym, f.key)
		}
		if err := checkDecimal(sym, f.key, *f.val); err != nil {
			return models.Event{}, err
		}
	}

	t := models.Ticker{
		Symbol:             sym,
		PriceChangePercent: *w.PriceChangePercent,
		Open:               *w.Open,
		High:               *w.High,
		Low:                *w.Low,
		Last:               *w.Last,
		Volume:             *w.Volume,
		QuoteVolume:        *w.QuoteVolume,
	}
	if w.PriceChange != nil {
		if err := checkDecimal(sym, "p", *w.PriceChange); err != nil {
			return models.Event{}, err
		}
		t.PriceChange = *w.PriceChange
	}
	if w.EventTime != nil {
		t.EventTime = *w.EventTime
	}
	return models.NewTickerEvent(t), nil
}

func unmarshalPayload(data []byte, v interface{}) *decodeError {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &decodeError{code: models.CodeInvalidValue, msg: err.Error()}
	}
	return &decodeError{code: models.CodeMalformedJSON, msg: err.Error()}
}

// resolveSymbol prefers the symbol named by the stream and falls back to the
// payload's "s" field.
func resolveSymbol(fromStream models.Symbol, fromPayload string) (models.Symbol, *decodeError) {
	if fromStream != "" {
		return fromStream, nil
	}
	if fromPayload == "" {
		return "", missingErr("", "s")
	}
	sym, err := models.ParseSymbol(fromPayload)
	if err != nil {
		return "", &decodeError{code: models.CodeInvalidValue, msg: err.Error()}
	}
	return sym, nil
}

func checkDecimal(sym models.Symbol, key, value string) *decodeError {
	if _, err := decimal.NewFromString(value); err != nil {
		return &decodeError{
			code:   models.CodeInvalidValue,
			symbol: sym,
			msg:    fmt.Sprintf("field %q is not a decimal: %q", key, value),
		}
	}
	return nil
}

func missingErr(sym models.Symbol, key string) *decodeError {
	return &decodeError{code: models.CodeMissingField, symbol: sym, msg: fmt.Sprintf("missing field %q", key)}
}

func missing(sym models.Symbol, key string) models.Event {
	return missingErr(sym, key).event()
}
