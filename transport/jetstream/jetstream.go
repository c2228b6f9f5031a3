// Package jetstream provides a NATS JetStream transport for horseback.
//
// All topics share one stream. A message is published on the subject
// STREAM.<topic>.<kind> and every subscription is a durable pull consumer
// whose filter subjects are its rules, so the server does the routing.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/kacey90/horseback/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStreamName is the stream holding every topic.
	DefaultStreamName = "HORSEBACK"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 10

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// uuidHeader carries the watermill message UUID.
	uuidHeader = "Horseback-Message-Uuid"

	// noKindToken is the subject token for messages without a kind.
	noKindToken = "_"

	// noRulesToken is filtered on when a subscription has no rules. Nothing
	// is ever published on it.
	noRulesToken = "_no_rules_"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), ClientName: cfg.GetServiceName()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:    t,
		Subscribers:  t,
		Admin:        t,
		Capabilities: transport.JetStreamCapabilities,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// ClientName is reported to the server as the connection name.
	ClientName string

	// StreamName is the name of the JetStream stream to use.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// MaxAge bounds how long the stream keeps messages.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	return c
}

// Transport is the publisher, subscriber factory and Admin of a JetStream stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions []*nats.Subscription
	subMu         sync.Mutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

var _ transport.Admin = (*Transport)(nil)

// New connects to NATS and returns a transport.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	var opts []nats.Option
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := NewWithContext(js, cfg, logger)
	t.nc = nc
	return t, nil
}

// NewWithContext returns a transport using an existing JetStream context.
func NewWithContext(js nats.JetStreamContext, cfg Config, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		js:         js,
		config:     cfg.withDefaults(),
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

func (t *Transport) topicWildcard(topic string) string {
	return t.config.StreamName + "." + topic + ".>"
}

func (t *Transport) kindSubject(topic, kind string) string {
	if kind == "" {
		kind = noKindToken
	}
	return t.config.StreamName + "." + topic + "." + kind
}

func validToken(token string) bool {
	return token != "" && !strings.ContainsAny(token, ".*> \t\r\n")
}

// TopicExists reports whether the shared stream exists.
func (t *Transport) TopicExists(ctx context.Context, topic string) (bool, error) {
	_, err := t.js.StreamInfo(t.config.StreamName, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CreateTopic creates the shared stream. Topics are subject prefixes within it.
func (t *Transport) CreateTopic(ctx context.Context, topic string) error {
	if !validToken(topic) {
		return fmt.Errorf("jetstream: topic %q is not a valid subject token", topic)
	}
	_, err := t.js.AddStream(&nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
		Retention: nats.LimitsPolicy,
	}, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	return err
}

func (t *Transport) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	_, err := t.js.ConsumerInfo(t.config.StreamName, subscription, nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CreateSubscription adds a durable consumer receiving every kind of topic.
func (t *Transport) CreateSubscription(ctx context.Context, topic, subscription string) error {
	_, err := t.js.AddConsumer(t.config.StreamName, &nats.ConsumerConfig{
		Durable:        subscription,
		FilterSubjects: []string{t.topicWildcard(topic)},
		AckPolicy:      nats.AckExplicitPolicy,
		MaxDeliver:     t.config.MaxDeliver,
		AckWait:        t.config.AckWait,
		DeliverPolicy:  nats.DeliverNewPolicy,
	}, nats.Context(ctx))
	return err
}

func (t *Transport) Rules(ctx context.Context, topic, subscription string) ([]transport.Rule, error) {
	_, filters, err := t.consumerFilters(ctx, topic, subscription)
	if err != nil {
		return nil, err
	}
	return t.rulesFromFilters(topic, filters), nil
}

func (t *Transport) CreateRule(ctx context.Context, topic, subscription string, rule transport.Rule) error {
	info, filters, err := t.consumerFilters(ctx, topic, subscription)
	if err != nil {
		return err
	}
	subject, err := t.filterSubject(topic, rule.Filter)
	if err != nil {
		return err
	}
	for _, f := range filters {
		if f == subject {
			return fmt.Errorf("rule %q: %w", rule.Name, transport.ErrAlreadyExists)
		}
	}
	return t.updateFilters(ctx, info, append(t.withoutNoRules(topic, filters), subject))
}

func (t *Transport) DeleteRule(ctx context.Context, topic, subscription, name string) error {
	info, filters, err := t.consumerFilters(ctx, topic, subscription)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(filters))
	for _, f := range filters {
		if r, ok := t.ruleForSubject(topic, f); ok && r.Name == name {
			continue
		}
		remaining = append(remaining, f)
	}
	if len(remaining) == len(filters) {
		return fmt.Errorf("rule %q: %w", name, transport.ErrNotFound)
	}
	if len(remaining) == 0 {
		remaining = []string{t.kindSubject(topic, noRulesToken)}
	}
	return t.updateFilters(ctx, info, remaining)
}

func (t *Transport) consumerFilters(ctx context.Context, topic, subscription string) (*nats.ConsumerInfo, []string, error) {
	info, err := t.js.ConsumerInfo(t.config.StreamName, subscription, nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, nil, fmt.Errorf("subscription %q on %q: %w", subscription, topic, transport.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	filters := info.Config.FilterSubjects
	if len(filters) == 0 && info.Config.FilterSubject != "" {
		filters = []string{info.Config.FilterSubject}
	}
	return info, filters, nil
}

func (t *Transport) updateFilters(ctx context.Context, info *nats.ConsumerInfo, filters []string) error {
	cfg := info.Config
	cfg.FilterSubject = ""
	cfg.FilterSubjects = filters
	_, err := t.js.UpdateConsumer(t.config.StreamName, &cfg, nats.Context(ctx))
	return err
}

func (t *Transport) filterSubject(topic string, f transport.Filter) (string, error) {
	if f.CatchAll() {
		return t.topicWildcard(topic), nil
	}
	if f.Header != transport.KindHeader {
		return "", fmt.Errorf("jetstream: rules can only filter on the %q header", transport.KindHeader)
	}
	if !validToken(f.Value) {
		return "", fmt.Errorf("jetstream: kind %q is not a valid subject token", f.Value)
	}
	return t.kindSubject(topic, f.Value), nil
}

func (t *Transport) withoutNoRules(topic string, filters []string) []string {
	out := make([]string, 0, len(filters)+1)
	for _, f := range filters {
		if f != t.kindSubject(topic, noRulesToken) {
			out = append(out, f)
		}
	}
	return out
}

func (t *Transport) ruleForSubject(topic, subject string) (transport.Rule, bool) {
	if subject == t.topicWildcard(topic) {
		return transport.DefaultRule(), true
	}
	prefix := t.config.StreamName + "." + topic + "."
	kind, ok := strings.CutPrefix(subject, prefix)
	if !ok || kind == noRulesToken {
		return transport.Rule{}, false
	}
	return transport.KindRule(kind), true
}

func (t *Transport) rulesFromFilters(topic string, filters []string) []transport.Rule {
	rules := make([]transport.Rule, 0, len(filters))
	for _, f := range filters {
		if r, ok := t.ruleForSubject(topic, f); ok {
			rules = append(rules, r)
		}
	}
	return rules
}

// Publish publishes messages on the subject of their kind.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return fmt.Errorf("transport is closed")
	}
	t.closedMu.RUnlock()

	for _, msg := range messages {
		kind := msg.Metadata.Get(transport.KindHeader)
		if kind != "" && !validToken(kind) {
			return fmt.Errorf("jetstream: kind %q is not a valid subject token", kind)
		}

		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(uuidHeader, msg.UUID)

		natsMsg := &nats.Msg{
			Subject: t.kindSubject(topic, kind),
			Data:    msg.Payload,
			Header:  headers,
		}

		if _, err := t.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}

	return nil
}

// NewSubscriber returns a subscriber pulling from the subscription's
// durable consumer. Concurrent Subscribe calls share the consumer.
func (t *Transport) NewSubscriber(topic, subscription string) (message.Subscriber, error) {
	if topic == "" || subscription == "" {
		return nil, errors.New("jetstream: topic and subscription are required")
	}
	return &Subscriber{t: t, topic: topic, subscription: subscription}, nil
}

// Subscriber consumes one subscription.
type Subscriber struct {
	t            *Transport
	topic        string
	subscription string
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t := s.t
	if topic != s.topic {
		return nil, fmt.Errorf("jetstream: subscriber bound to %q cannot subscribe to %q", s.topic, topic)
	}

	t.closedMu.RLock()
	closed := t.closed
	t.closedMu.RUnlock()
	if closed {
		return nil, fmt.Errorf("transport is closed")
	}

	sub, err := t.js.PullSubscribe("", s.subscription, nats.Bind(t.config.StreamName, s.subscription))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, s.subscription)

	return output, nil
}

func (s *Subscriber) Close() error {
	return nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, subscription string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{
				"subscription": subscription,
			})
			continue
		}

		for _, natsMsg := range msgs {
			wmMsg := natsToWatermill(natsMsg)
			wmMsg.SetContext(ctx)

			select {
			case output <- wmMsg:
			case <-ctx.Done():
				_ = natsMsg.Nak()
				return
			case <-t.closedChan:
				_ = natsMsg.Nak()
				return
			}

			select {
			case <-wmMsg.Acked():
				if err := natsMsg.Ack(); err != nil {
					t.logger.Error("Failed to ack", err, nil)
				}
			case <-wmMsg.Nacked():
				if err := natsMsg.Nak(); err != nil {
					t.logger.Error("Failed to nak", err, nil)
				}
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}
		}
	}
}

func natsToWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(uuidHeader)
	if msgID == "" {
		msgID = watermill.NewUUID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == uuidHeader || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}

	return wmMsg
}

// Close closes the JetStream transport.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.subMu.Unlock()

	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}
