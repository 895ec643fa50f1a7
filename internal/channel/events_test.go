package channel

import (
	"testing"

	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
)

func tradeEvent(sym string) models.Event {
	return models.NewTradeEvent(models.Trade{Symbol: models.Symbol(sym), Price: "1", Quantity: "1"})
}

func TestEventsEmitDropsWhenFull(t *testing.T) {
	ch := NewEvents("events", 2, metrics.DropMetricUpstreamEvent)

	if !ch.Emit(tradeEvent("BTCUSDT")) || !ch.Emit(tradeEvent("ETHUSDT")) {
		t.Fatal("emit into empty buffer failed")
	}
	if ch.Emit(tradeEvent("BNBUSDT")) {
		t.Fatal("emit into full buffer should drop")
	}

	stats := ch.GetStats()
	if stats.Sent != 2 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if ch.Len() != 2 || ch.Cap() != 2 || ch.Name() != "events" {
		t.Fatalf("unexpected buffer state: len=%d cap=%d name=%s", ch.Len(), ch.Cap(), ch.Name())
	}
}

func TestEventsPreserveOrder(t *testing.T) {
	ch := NewEvents("events", 8, metrics.DropMetricUpstreamEvent)
	for _, sym := range []string{"A1", "B2", "C3"} {
		ch.Emit(tradeEvent(sym))
	}
	for _, want := range []models.Symbol{"A1", "B2", "C3"} {
		if got := (<-ch.C()).Symbol; got != want {
			t.Fatalf("got %s want %s", got, want)
		}
	}
}

func TestEventsClose(t *testing.T) {
	ch := NewEvents("events", 1, metrics.DropMetricUpstreamEvent)
	ch.Close()
	ch.Close()

	if ch.Emit(tradeEvent("BTCUSDT")) {
		t.Fatal("emit after close should be rejected")
	}
	if _, ok := <-ch.C(); ok {
		t.Fatal("channel should be closed")
	}
}
