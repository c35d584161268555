// Package telemetry adapts the teacher's broadcast event broker into the
// execution domain and adds a fire-and-forget AMQP sink: the Runner
// Orchestrator publishes an event after every execution completes, and a
// dropped or slow consumer on the other end must never slow down or fail
// an execution.
package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/cuemby/toolrunner/pkg/log"
	"github.com/cuemby/toolrunner/pkg/types"
)

// EventType enumerates the execution lifecycle events the runner emits.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionSucceeded EventType = "execution.succeeded"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionTimeout   EventType = "execution.timeout"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventCacheHit           EventType = "execution.cache_hit"
)

// Event is one execution lifecycle notification.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	ExecutionID string          `json:"execution_id"`
	ToolName    string          `json:"tool_name"`
	ToolVersion string          `json:"tool_version"`
	Status      types.ExecutionStatus `json:"status,omitempty"`
	DurationMS  int             `json:"duration_ms,omitempty"`
}

// Subscriber is a channel that receives events, kept from the broker
// pattern for in-process consumers (e.g. a metrics collector).
type Subscriber chan *Event

// Broker fans Events out to in-process subscribers and, if configured, to
// an AMQP exchange. Both are best-effort: a full subscriber buffer drops
// the event rather than blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	amqpConn    *amqp.Connection
	amqpChannel *amqp.Channel
	exchange    string
}

// New creates a broker with no AMQP sink attached. Call DialAMQP to add one.
func New() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
		exchange:    "toolrunner.executions",
	}
}

// DialAMQP connects to url and declares a fanout exchange for execution
// events. Connection failure is returned to the caller at startup, but a
// later publish failure (broker restart, network blip) only logs a
// warning — telemetry export is a sink, never a dependency of execution.
func (b *Broker) DialAMQP(url string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(b.exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	b.amqpConn = conn
	b.amqpChannel = ch
	return nil
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution and closes any AMQP connection.
func (b *Broker) Stop() {
	close(b.stopCh)
	if b.amqpChannel != nil {
		b.amqpChannel.Close()
	}
	if b.amqpConn != nil {
		b.amqpConn.Close()
	}
}

// Subscribe registers an in-process consumer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a consumer.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
	close(sub)
}

// Publish fires event at every in-process subscriber and the AMQP
// exchange, if configured. Non-blocking: under backpressure the event is
// dropped, not queued indefinitely.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		log.WithComponent("telemetry").Warn().Str("event", string(event.Type)).Msg("event channel full, dropping")
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
			b.publishAMQP(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

func (b *Broker) publishAMQP(event *Event) {
	if b.amqpChannel == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.WithComponent("telemetry").Warn().Err(err).Msg("failed to marshal event")
		return
	}

	err = b.amqpChannel.Publish(b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   event.Timestamp,
	})
	if err != nil {
		log.WithComponent("telemetry").Warn().Err(err).Msg("amqp publish failed")
	}
}
