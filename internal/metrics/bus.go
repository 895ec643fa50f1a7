package metrics

import (
	"sort"
	"sync"
	"time"

	"marketrelay/logger"
)

// Kind tells observers how to aggregate a metric.
type Kind string

const (
	KindGauge   Kind = "gauge"
	KindCounter Kind = "counter"
)

// Labels qualify a metric, e.g. {"method": "SUBSCRIBE"}.
type Labels map[string]string

// Metric is one observation published by a relay component. Gauges carry the
// current value, counters the increment.
type Metric struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Value     float64   `json:"value"`
	Labels    Labels    `json:"labels,omitempty"`
}

// Label returns the value of key, or "unknown" when the metric lacks it.
func (m Metric) Label(key string) string {
	if v, ok := m.Labels[key]; ok && v != "" {
		return v
	}
	return "unknown"
}

// sortedLabelKeys lists label keys in a stable order.
func (m Metric) sortedLabelKeys() []string {
	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Observer receives every published metric on the publishing goroutine and
// must not block.
type Observer func(Metric)

var (
	timeNow = time.Now

	observersMu  sync.RWMutex
	observers    = make(map[uint64]Observer)
	nextObserver uint64
)

// Observe subscribes fn to the bus and returns the func that unsubscribes it.
// The returned func may be called more than once.
func Observe(fn Observer) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	observersMu.Lock()
	nextObserver++
	id := nextObserver
	observers[id] = fn
	observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			observersMu.Lock()
			delete(observers, id)
			observersMu.Unlock()
		})
	}
}

// SetGauge publishes the current value of a gauge.
func SetGauge(log *logger.Log, component, name string, value float64, labels Labels) {
	publish(log, Metric{Component: component, Name: name, Kind: KindGauge, Value: value, Labels: labels})
}

// Count publishes a counter increment.
func Count(log *logger.Log, component, name string, delta float64, labels Labels) {
	publish(log, Metric{Component: component, Name: name, Kind: KindCounter, Value: delta, Labels: labels})
}

func publish(log *logger.Log, m Metric) {
	if m.Name == "" {
		return
	}
	m.Timestamp = timeNow()
	if len(m.Labels) > 0 {
		copied := make(Labels, len(m.Labels))
		for k, v := range m.Labels {
			copied[k] = v
		}
		m.Labels = copied
	}

	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{"metric": m.Name, "metric_type": string(m.Kind), "value": m.Value}
	for k, v := range m.Labels {
		fields["label_"+k] = v
	}
	log.WithComponent(m.Component).WithFields(fields).Debug("metric")

	observersMu.RLock()
	fns := make([]Observer, 0, len(observers))
	for _, fn := range observers {
		fns = append(fns, fn)
	}
	observersMu.RUnlock()

	for _, fn := range fns {
		fn(m)
	}
}
