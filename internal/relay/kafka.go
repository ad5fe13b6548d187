// Package relay forwards chat change events to Kafka for the analytics pipeline.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"studio.dev/livechat/internal/events"
	"studio.dev/livechat/internal/logging"
	"studio.dev/livechat/internal/models"
)

const defaultQueueSize = 1024

// NewSaramaConfig returns the producer settings used by the relay.
func NewSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = "livechat"

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	// same key, same partition: per-session order survives
	config.Producer.Partitioner = sarama.NewHashPartitioner
	return config
}

func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// Record is the JSON document written for each event.
type Record struct {
	Type       events.Kind         `json:"type"`
	SessionID  string              `json:"session_id"`
	OccurredAt time.Time           `json:"occurred_at"`
	Message    *models.ChatMessage `json:"message,omitempty"`
	Session    *models.ChatSession `json:"session,omitempty"`
}

// Relay subscribes to the bus and sends every event, keyed by session id.
// Publishers never wait on Kafka: events go through a bounded queue and are
// dropped, with a warning, when it is full.
type Relay struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan events.Event
	stop     chan struct{}
	done     chan struct{}
	log      zerolog.Logger
	now      func() time.Time

	bus     events.Subscriber
	subID   string
	closed  atomic.Bool
	dropped atomic.Int64
	sent    atomic.Int64
	once    sync.Once
}

func New(producer sarama.SyncProducer, topic string) *Relay {
	return &Relay{
		producer: producer,
		topic:    topic,
		queue:    make(chan events.Event, defaultQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logging.Component("relay"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes to every event on bus and begins forwarding.
func (r *Relay) Start(bus events.Subscriber) error {
	id, err := bus.Subscribe(events.Filter{}, r.enqueue)
	if err != nil {
		return err
	}
	r.bus, r.subID = bus, id
	go r.run()
	r.log.Info().Str("topic", r.topic).Msg("kafka relay started")
	return nil
}

func (r *Relay) enqueue(ev events.Event) {
	if r.closed.Load() {
		return
	}
	select {
	case r.queue <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn().Int64("dropped", n).Msg("relay queue full, dropping events")
		}
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.queue:
			r.send(ev)
		case <-r.stop:
			for {
				select {
				case ev := <-r.queue:
					r.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) send(ev events.Event) {
	value, err := json.Marshal(Record{
		Type:       ev.Kind,
		SessionID:  ev.SessionID,
		OccurredAt: r.now(),
		Message:    ev.Message,
		Session:    ev.Session,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode event")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(ev.SessionID),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := r.producer.SendMessage(msg)
	if err != nil {
		r.log.Error().Err(err).Str("session_id", ev.SessionID).Str("type", string(ev.Kind)).Msg("failed to send event")
		return
	}
	r.sent.Add(1)
	r.log.Debug().Int32("partition", partition).Int64("offset", offset).Str("type", string(ev.Kind)).Msg("event sent")
}

// Sent returns how many events reached Kafka.
func (r *Relay) Sent() int64 { return r.sent.Load() }

// Dropped returns how many events were discarded because the queue was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting events, flushes the queue and closes the producer.
func (r *Relay) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		if r.bus != nil {
			r.bus.Unsubscribe(r.subID)
			close(r.stop)
			<-r.done
		}
		err = r.producer.Close()
	})
	return err
}
