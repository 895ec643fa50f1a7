package models

import "encoding/json"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventTrade  EventType = "trade"
	EventDepth  EventType = "depth"
	EventTicker EventType = "ticker"
	EventError  EventType = "error"
)

// ErrorCode classifies an error event.
type ErrorCode string

const (
	CodeMalformedJSON     ErrorCode = "malformed-json"
	CodeMissingField      ErrorCode = "missing-field"
	CodeInvalidValue      ErrorCode = "invalid-value"
	CodeUnknownCommand    ErrorCode = "unknown-command"
	CodeInvalidSymbol     ErrorCode = "invalid-symbol"
	CodeSubscriptionLimit ErrorCode = "subscription-limit"
)

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Symbol  Symbol    `json:"symbol,omitempty"`
}

// Event is a normalised market data event. Exactly one payload pointer is set,
// matching Type. Payloads are never mutated after construction so an Event can
// be handed to any number of recipients.
type Event struct {
	Type   EventType
	Symbol Symbol
	Trade  *Trade
	Depth  *DepthLadder
	Ticker *Ticker
	Error  *ErrorInfo
}

func NewTradeEvent(t Trade) Event {
	return Event{Type: EventTrade, Symbol: t.Symbol, Trade: &t}
}

func NewDepthEvent(d DepthLadder) Event {
	return Event{Type: EventDepth, Symbol: d.Symbol, Depth: &d}
}

func NewTickerEvent(t Ticker) Event {
	return Event{Type: EventTicker, Symbol: t.Symbol, Ticker: &t}
}

func NewErrorEvent(code ErrorCode, symbol Symbol, message string) Event {
	return Event{
		Type:   EventError,
		Symbol: symbol,
		Error:  &ErrorInfo{Code: code, Message: message, Symbol: symbol},
	}
}

// Data returns the payload matching the event type.
func (e Event) Data() interface{} {
	switch e.Type {
	case EventTrade:
		return e.Trade
	case EventDepth:
		return e.Depth
	case EventTicker:
		return e.Ticker
	case EventError:
		return e.Error
	default:
		return nil
	}
}

// envelope is the wire form sent to downstream clients.
type envelope struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// MarshalJSON encodes the event as {"type": ..., "data": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{Type: e.Type, Data: e.Data()})
}
