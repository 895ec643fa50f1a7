package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketrelay/internal/models"
	"marketrelay/logger"
)

const (
	commandSubscribe   = "subscribe"
	commandUnsubscribe = "unsubscribe"
)

// command is a client request such as {"type":"subscribe","symbol":"BTCUSDT"}.
type command struct {
	Type   interface{} `json:"type"`
	Symbol interface{} `json:"symbol"`
}

// handleCommand applies one client command. Invalid commands are answered
// with an error event to this client only and change nothing.
func (c *client) handleCommand(raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.reject(models.CodeMalformedJSON, "", "command is not valid JSON")
		return
	}

	if cmd.Type == nil {
		c.reject(models.CodeMissingField, "", `missing field "type"`)
		return
	}
	kind, _ := cmd.Type.(string)
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind != commandSubscribe && kind != commandUnsubscribe {
		c.reject(models.CodeUnknownCommand, "", fmt.Sprintf("unknown command %v", cmd.Type))
		return
	}

	if cmd.Symbol == nil {
		c.reject(models.CodeMissingField, "", `missing field "symbol"`)
		return
	}
	rawSymbol, ok := cmd.Symbol.(string)
	if !ok || strings.TrimSpace(rawSymbol) == "" {
		c.reject(models.CodeInvalidSymbol, "", fmt.Sprintf("invalid symbol %v", cmd.Symbol))
		return
	}
	sym, err := models.ParseSymbol(rawSymbol)
	if err != nil {
		c.reject(models.CodeInvalidSymbol, "", err.Error())
		return
	}

	reg := c.server.registry
	switch kind {
	case commandSubscribe:
		limit := c.server.cfg.MaxSymbolsPerClient
		if limit > 0 && !c.holds(sym) && len(reg.ClientSymbols(c.id)) >= limit {
			c.reject(models.CodeSubscriptionLimit, sym, fmt.Sprintf("at most %d symbols per client", limit))
			return
		}
		reg.AddInterest(c, sym)
	case commandUnsubscribe:
		reg.RemoveInterest(c.id, sym)
	}

	c.server.log.WithComponent("gateway").WithFields(logger.Fields{
		"client":  c.id,
		"command": kind,
		"symbol":  sym,
	}).Debug("client command applied")
}

func (c *client) holds(sym models.Symbol) bool {
	for _, s := range c.server.registry.ClientSymbols(c.id) {
		if s == sym {
			return true
		}
	}
	return false
}

func (c *client) reject(code models.ErrorCode, sym models.Symbol, msg string) {
	c.server.log.WithComponent("gateway").WithFields(logger.Fields{
		"client": c.id,
		"code":   code,
	}).Debug("client command rejected")
	c.Send(models.NewErrorEvent(code, sym, msg))
}
