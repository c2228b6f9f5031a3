// Package memory provides an in-process broker for horseback. It keeps a
// queue per subscription, evaluates subscription rules on publish, lets
// concurrent consumers of one subscription compete for messages and
// redelivers nacked messages. Intended for tests and local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kacey90/horseback/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// DefaultRedeliveryDelay is how long a nacked message waits before it is queued again.
const DefaultRedeliveryDelay = 100 * time.Millisecond

// ErrClosed is returned when the broker has been closed.
var ErrClosed = errors.New("memory: broker closed")

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a new in-process broker transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	broker := NewBroker(Config{}, logger)
	return transport.Transport{
		Publisher:    broker,
		Subscribers:  broker,
		Admin:        broker.Topology(),
		Capabilities: transport.MemoryCapabilities,
	}, nil
}

// Config tunes the broker.
type Config struct {
	RedeliveryDelay time.Duration
}

// Broker routes published messages into per-subscription queues.
type Broker struct {
	config   Config
	logger   watermill.LoggerAdapter
	topology *transport.Topology

	mu      sync.Mutex
	queues  map[queueKey]*queue
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

type queueKey struct {
	topic        string
	subscription string
}

// NewBroker creates an empty broker.
func NewBroker(cfg Config, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = DefaultRedeliveryDelay
	}
	return &Broker{
		config:   cfg,
		logger:   logger,
		topology: transport.NewTopology(),
		queues:   make(map[queueKey]*queue),
		closing:  make(chan struct{}),
	}
}

// Topology returns the broker's routing table. It doubles as the broker's Admin.
func (b *Broker) Topology() *transport.Topology {
	return b.topology
}

// Publish copies each message into the queue of every subscription whose
// rules accept it. A topic without subscriptions discards messages.
func (b *Broker) Publish(topic string, messages ...*message.Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	exists, _ := b.topology.TopicExists(context.Background(), topic)
	if !exists {
		return fmt.Errorf("publish to %q: %w", topic, transport.ErrNotFound)
	}

	subs := b.topology.Subscriptions(topic)
	for _, msg := range messages {
		routed := 0
		for _, sub := range subs {
			if !b.topology.Accepts(topic, sub, msg.Metadata) {
				continue
			}
			b.queue(topic, sub).push(msg.Copy())
			routed++
		}
		b.logger.Trace("Message routed", watermill.LogFields{
			"topic":         topic,
			"message_uuid":  msg.UUID,
			"subscriptions": routed,
		})
	}
	return nil
}

// NewSubscriber returns a subscriber consuming subscription's queue.
func (b *Broker) NewSubscriber(topic, subscription string) (message.Subscriber, error) {
	if topic == "" || subscription == "" {
		return nil, errors.New("memory: topic and subscription are required")
	}
	return &Subscriber{broker: b, topic: topic, subscription: subscription}, nil
}

// Pending returns the number of messages waiting in subscription's queue.
func (b *Broker) Pending(topic, subscription string) int {
	return b.queue(topic, subscription).len()
}

// Close stops every consumer and rejects further publishing.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closing)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) queue(topic, subscription string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := queueKey{topic: topic, subscription: subscription}
	q, ok := b.queues[key]
	if !ok {
		q = newQueue()
		b.queues[key] = q
	}
	return q
}

// Subscriber consumes one subscription. Every Subscribe call starts a
// competing consumer.
type Subscriber struct {
	broker       *Broker
	topic        string
	subscription string
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if topic != s.topic {
		return nil, fmt.Errorf("memory: subscriber bound to %q cannot subscribe to %q", s.topic, topic)
	}
	exists, _ := s.broker.topology.SubscriptionExists(ctx, s.topic, s.subscription)
	if !exists {
		return nil, fmt.Errorf("subscription %q on %q: %w", s.subscription, s.topic, transport.ErrNotFound)
	}

	b := s.broker
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	q := b.queue(s.topic, s.subscription)
	out := make(chan *message.Message)
	go func() {
		defer b.wg.Done()
		defer close(out)
		s.consume(ctx, q, out)
	}()
	return out, nil
}

func (s *Subscriber) consume(ctx context.Context, q *queue, out chan<- *message.Message) {
	b := s.broker
	for {
		msg, ok := q.pop(ctx, b.closing)
		if !ok {
			return
		}

		delivery := msg.Copy()
		delivery.SetContext(ctx)

		select {
		case out <- delivery:
		case <-ctx.Done():
			q.push(msg)
			return
		case <-b.closing:
			q.push(msg)
			return
		}

		select {
		case <-delivery.Acked():
		case <-delivery.Nacked():
			b.logger.Debug("Message nacked, scheduling redelivery", watermill.LogFields{
				"message_uuid": msg.UUID,
				"subscription": s.subscription,
			})
			time.AfterFunc(b.config.RedeliveryDelay, func() { q.push(msg) })
		case <-ctx.Done():
			q.push(msg)
			return
		case <-b.closing:
			q.push(msg)
			return
		}
	}
}

func (s *Subscriber) Close() error {
	return nil
}

// queue is an unbounded FIFO that wakes waiting consumers.
type queue struct {
	mu     sync.Mutex
	items  []*message.Message
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(msg *message.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) pop(ctx context.Context, closing <-chan struct{}) (*message.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false
		case <-closing:
			return nil, false
		}
	}
}
