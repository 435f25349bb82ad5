package mqtt

import (
	"context"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/infrastructure/config"
)

// mirrorQueueSize bounds the events waiting for the broker. Events past
// it are dropped and counted.
const mirrorQueueSize = 256

// Publisher is what the mirror needs from a Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Mirror republishes bus events on the broker. Handle is registered as a
// bus subscriber and only enqueues; Run does the publishing so a slow or
// absent broker never stalls the engine.
type Mirror struct {
	pub     Publisher
	topics  Topics
	qos     byte
	logger  Logger
	queue   chan events.Event
	dropped atomic.Uint64
}

// NewMirror creates a mirror publishing through pub with the topic prefix
// and QoS of cfg. Events are never retained.
func NewMirror(pub Publisher, cfg config.MQTTConfig, logger Logger) *Mirror {
	qos := byte(1)
	if cfg.QoS >= 0 && cfg.QoS <= maxQoS {
		qos = byte(cfg.QoS)
	}
	return &Mirror{
		pub:    pub,
		topics: Topics{Prefix: cfg.TopicPrefix},
		qos:    qos,
		logger: logger,
		queue:  make(chan events.Event, mirrorQueueSize),
	}
}

// Handle queues e for publishing. It never blocks.
func (m *Mirror) Handle(e events.Event) {
	select {
	case m.queue <- e:
	default:
		if m.dropped.Add(1) == 1 && m.logger != nil {
			m.logger.Warn("mqtt mirror queue full, dropping events", "event_type", string(e.Type))
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

// Run publishes queued events until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			m.publish(e)
		}
	}
}

func (m *Mirror) publish(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.warn("mqtt mirror encode failed", e, err)
		return
	}
	if err := m.pub.Publish(m.topics.Event(e.Type, e.ConnectionID), payload, m.qos, false); err != nil {
		m.warn("mqtt mirror publish failed", e, err)
	}
}

func (m *Mirror) warn(msg string, e events.Event, err error) {
	if m.logger != nil {
		m.logger.Warn(msg, "event_type", string(e.Type), "connection_id", e.ConnectionID, "error", err)
	}
}
