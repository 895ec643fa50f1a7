package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"marketrelay/config"
	"marketrelay/internal/channel"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

const (
	maxBatch            = 100
	defaultFlushTimeout = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror republishes normalised market events to a Kafka topic, keyed
// by symbol. Publish never blocks; events that do not fit the queue are dropped.
type KafkaMirror struct {
	cfg    config.KafkaConfig
	queue  *channel.Events
	writer messageWriter

	flushTimeout time.Duration

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewKafkaMirror(cfg config.KafkaConfig) (*KafkaMirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaMirror(cfg, w), nil
}

func newKafkaMirror(cfg config.KafkaConfig, w messageWriter) *KafkaMirror {
	m := &KafkaMirror{
		cfg:    cfg,
		queue:  channel.NewEvents("mirror", cfg.Buffer, metrics.DropMetricMirror),
		writer: w,
		log:    logger.GetLogger(),

		flushTimeout: defaultFlushTimeout,
	}
	m.log.WithComponent("kafka_mirror").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka mirror initialized")
	return m
}

// Publish queues a market event for the mirror. Error events are not mirrored.
func (m *KafkaMirror) Publish(ev models.Event) {
	if ev.Type == models.EventError {
		return
	}
	m.queue.Emit(ev)
}

// Queue exposes the mirror's buffer for occupancy metrics.
func (m *KafkaMirror) Queue() *channel.Events {
	return m.queue
}

func (m *KafkaMirror) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("kafka mirror already running")
	}
	m.running = true
	m.mu.Unlock()

	m.log.WithComponent("kafka_mirror").Info("starting kafka mirror")

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

func (m *KafkaMirror) run(ctx context.Context) {
	defer m.wg.Done()
	log := m.log.WithComponent("kafka_mirror")

	for {
		select {
		case <-ctx.Done():
			m.flush(log, nil)
			return
		case ev, ok := <-m.queue.C():
			if !ok {
				return
			}
			batch := m.collect(ev)
			if err := m.write(ctx, log, batch); err != nil {
				if ctx.Err() != nil {
					m.flush(log, batch)
					return
				}
				log.WithError(err).WithFields(logger.Fields{"messages": len(batch)}).Warn("failed to write messages")
			}
		}
	}
}

// collect appends whatever is already queued to first, up to maxBatch events.
func (m *KafkaMirror) collect(first models.Event) []models.Event {
	batch := []models.Event{first}
	for len(batch) < maxBatch {
		select {
		case next, ok := <-m.queue.C():
			if !ok {
				return batch
			}
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (m *KafkaMirror) write(ctx context.Context, log *logger.Entry, batch []models.Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			log.WithError(err).Warn("failed to marshal event")
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.Symbol), Value: data})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := m.writer.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	log.Flow("registry", "kafka", len(msgs))
	return nil
}

// flush writes pending and everything still queued once the run context is
// done, bounded by flushTimeout.
func (m *KafkaMirror) flush(log *logger.Entry, pending []models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.flushTimeout)
	defer cancel()

	batch := pending
	for {
		if len(batch) > 0 {
			if err := m.write(ctx, log, batch); err != nil {
				log.WithError(err).WithFields(logger.Fields{"messages": len(batch)}).Warn("failed to flush messages")
				return
			}
		}
		select {
		case ev, ok := <-m.queue.C():
			if !ok {
				return
			}
			batch = m.collect(ev)
		default:
			return
		}
	}
}

// Stop closes the queue, waits for the events queued before it to be written
// (a cancelled run context only bounds that by flushTimeout) and closes the
// writer.
func (m *KafkaMirror) Stop() {
	m.mu.Lock()
	wasRunning := m.running
	m.running = false
	m.mu.Unlock()

	m.queue.Close()
	if wasRunning {
		m.wg.Wait()
	}
	if err := m.writer.Close(); err != nil {
		m.log.WithComponent("kafka_mirror").WithError(err).Warn("failed to close kafka writer")
	}
	m.log.WithComponent("kafka_mirror").Info("kafka mirror stopped")
}
