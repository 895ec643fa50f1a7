package registry

import (
	"context"
	"sort"
	"sync"

	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// ClientID identifies a downstream session. It is issued at accept time and
// is independent of the transport.
type ClientID string

// Client is a downstream session that can receive events.
type Client interface {
	ID() ClientID
	// Send queues ev for delivery and must not block. It reports whether
	// the event was accepted.
	Send(models.Event) bool
}

// Upstream is the exchange side the registry drives. Both calls must return
// without blocking because they are made under the registry lock.
type Upstream interface {
	Subscribe(models.Symbol)
	Unsubscribe(models.Symbol)
}

// Registry reference-counts symbol interest across clients. A symbol is
// subscribed upstream exactly while at least one client holds it.
type Registry struct {
	up  Upstream
	log *logger.Log

	mu       sync.Mutex
	clients  map[ClientID]*clientRecord
	interest map[models.Symbol]map[ClientID]Client
}

type clientRecord struct {
	client  Client
	symbols map[models.Symbol]struct{}
}

// Stats is a point in time view of the registry.
type Stats struct {
	Clients   int                   `json:"clients"`
	Refcounts map[models.Symbol]int `json:"symbols"`
}

func New(up Upstream, log *logger.Log) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Registry{
		up:       up,
		log:      log,
		clients:  make(map[ClientID]*clientRecord),
		interest: make(map[models.Symbol]map[ClientID]Client),
	}
}

// Register adds c with an empty interest set. Registering a known client is a no-op.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	r.registerLocked(c)
	n := len(r.clients)
	r.mu.Unlock()

	metrics.SetGauge(r.log, "registry", metrics.MetricClientsConnected, float64(n), nil)
}

func (r *Registry) registerLocked(c Client) *clientRecord {
	rec, ok := r.clients[c.ID()]
	if !ok {
		rec = &clientRecord{client: c, symbols: make(map[models.Symbol]struct{})}
		r.clients[c.ID()] = rec
	}
	return rec
}

// AddInterest records that c wants sym. It reports whether the interest set
// changed; the first client for a symbol triggers an upstream subscribe.
func (r *Registry) AddInterest(c Client, sym models.Symbol) bool {
	r.mu.Lock()
	rec := r.registerLocked(c)
	if _, ok := rec.symbols[sym]; ok {
		r.mu.Unlock()
		return false
	}
	rec.symbols[sym] = struct{}{}

	holders, ok := r.interest[sym]
	if !ok {
		holders = make(map[ClientID]Client)
		r.interest[sym] = holders
	}
	holders[c.ID()] = c
	first := len(holders) == 1
	if first {
		r.up.Subscribe(sym)
	}
	active := len(r.interest)
	r.mu.Unlock()

	r.log.WithComponent("registry").WithFields(logger.Fields{
		"client":   c.ID(),
		"symbol":   sym,
		"refcount": len(holders),
	}).Debug("interest added")
	if first {
		metrics.SetGauge(r.log, "registry", metrics.MetricActiveSymbols, float64(active), nil)
	}
	return true
}

// RemoveInterest drops sym from the client's interest set. It reports whether
// the set changed; the last client for a symbol triggers an upstream
// unsubscribe.
func (r *Registry) RemoveInterest(id ClientID, sym models.Symbol) bool {
	r.mu.Lock()
	last, ok := r.removeLocked(id, sym)
	active := len(r.interest)
	r.mu.Unlock()

	if ok && last {
		metrics.SetGauge(r.log, "registry", metrics.MetricActiveSymbols, float64(active), nil)
	}
	return ok
}

func (r *Registry) removeLocked(id ClientID, sym models.Symbol) (last bool, removed bool) {
	rec, ok := r.clients[id]
	if !ok {
		return false, false
	}
	if _, ok := rec.symbols[sym]; !ok {
		return false, false
	}
	delete(rec.symbols, sym)

	holders := r.interest[sym]
	delete(holders, id)
	if len(holders) == 0 {
		delete(r.interest, sym)
		r.up.Unsubscribe(sym)
		return true, true
	}
	return false, true
}

// RemoveClient drops every interest of the client and forgets it. Calling it
// again for the same id does nothing.
func (r *Registry) RemoveClient(id ClientID) {
	r.mu.Lock()
	rec, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	released := 0
	for sym := range rec.symbols {
		if last, _ := r.removeLocked(id, sym); last {
			released++
		}
	}
	delete(r.clients, id)
	clients, active := len(r.clients), len(r.interest)
	r.mu.Unlock()

	r.log.WithComponent("registry").WithFields(logger.Fields{
		"client":   id,
		"released": released,
	}).Debug("client removed")
	metrics.SetGauge(r.log, "registry", metrics.MetricClientsConnected, float64(clients), nil)
	if released > 0 {
		metrics.SetGauge(r.log, "registry", metrics.MetricActiveSymbols, float64(active), nil)
	}
}

// Dispatch delivers ev to every interested client and returns how many
// accepted it. Error events without a symbol go to all clients. Recipients
// are copied under the lock and sent to after it is released.
func (r *Registry) Dispatch(ev models.Event) int {
	r.mu.Lock()
	var recipients []Client
	if ev.Type == models.EventError && ev.Symbol == "" {
		recipients = make([]Client, 0, len(r.clients))
		for _, rec := range r.clients {
			recipients = append(recipients, rec.client)
		}
	} else {
		holders := r.interest[ev.Symbol]
		recipients = make([]Client, 0, len(holders))
		for _, c := range holders {
			recipients = append(recipients, c)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, c := range recipients {
		if c.Send(ev) {
			delivered++
			continue
		}
		r.log.WithComponent("registry").WithFields(logger.Fields{
			"client": c.ID(),
			"symbol": ev.Symbol,
			"type":   ev.Type,
		}).Debug("client did not accept event")
	}

	if delivered > 0 {
		metrics.Count(r.log, "registry", metrics.MetricEventsDispatched, float64(delivered), metrics.Labels{"type": string(ev.Type)})
	}
	return delivered
}

// Run dispatches events from in until ctx is done or in is closed. Each tap
// sees every event after dispatch.
func (r *Registry) Run(ctx context.Context, in <-chan models.Event, taps ...func(models.Event)) {
	log := r.log.WithComponent("registry")
	log.Info("event pump started")
	defer log.Info("event pump stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			r.Dispatch(ev)
			for _, tap := range taps {
				tap(ev)
			}
		}
	}
}

// Refcount returns the number of clients holding sym.
func (r *Registry) Refcount(sym models.Symbol) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.interest[sym])
}

// Symbols returns the symbols with a nonzero refcount, sorted.
func (r *Registry) Symbols() []models.Symbol {
	r.mu.Lock()
	out := make([]models.Symbol, 0, len(r.interest))
	for sym := range r.interest {
		out = append(out, sym)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClientSymbols returns the interest set of a client, sorted.
func (r *Registry) ClientSymbols(id ClientID) []models.Symbol {
	r.mu.Lock()
	rec, ok := r.clients[id]
	var out []models.Symbol
	if ok {
		out = make([]models.Symbol, 0, len(rec.symbols))
		for sym := range rec.symbols {
			out = append(out, sym)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Clients: len(r.clients), Refcounts: make(map[models.Symbol]int, len(r.interest))}
	for sym, holders := range r.interest {
		s.Refcounts[sym] = len(holders)
	}
	return s
}
