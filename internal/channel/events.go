package channel

import (
	"sync"

	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// EventStats tracks enqueue/dropped counters.
type EventStats struct {
	Sent    int64
	Dropped int64
}

// Events is a bounded queue of normalised events. Emit never blocks: when the
// buffer is full the event is dropped and counted.
type Events struct {
	name string
	drop metrics.DropMetric
	ch   chan models.Event

	mu     sync.RWMutex
	closed bool
	stats  EventStats
	log    *logger.Log
}

// NewEvents allocates a queue holding at most size events. Drops are reported
// under the given drop metric.
func NewEvents(name string, size int, drop metrics.DropMetric) *Events {
	if size <= 0 {
		size = 1
	}
	log := logger.GetLogger()
	e := &Events{
		name: name,
		drop: drop,
		ch:   make(chan models.Event, size),
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"channel":     name,
		"buffer_size": size,
	}).Info("event channel initialized")

	return e
}

// Emit enqueues ev without blocking and reports whether it was accepted.
func (e *Events) Emit(ev models.Event) bool {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return false
	}
	select {
	case e.ch <- ev:
		e.mu.RUnlock()
		e.mu.Lock()
		e.stats.Sent++
		e.mu.Unlock()
		return true
	default:
		e.mu.RUnlock()
	}

	e.mu.Lock()
	e.stats.Dropped++
	e.mu.Unlock()
	metrics.EmitDropMetric(e.log, e.drop, string(ev.Symbol), e.name)
	return false
}

// C returns the receive side of the queue. It is closed by Close.
func (e *Events) C() <-chan models.Event {
	return e.ch
}

// Close closes the queue. Later Emit calls are rejected.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
	e.log.WithComponent("channels").WithFields(logger.Fields{"channel": e.name}).Info("event channel closed")
}

// GetStats returns a snapshot of the counters.
func (e *Events) GetStats() EventStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

func (e *Events) Name() string { return e.name }
func (e *Events) Len() int     { return len(e.ch) }
func (e *Events) Cap() int     { return cap(e.ch) }
