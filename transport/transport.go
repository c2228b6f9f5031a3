// Package transport defines the core interfaces and types for horseback transports.
// Each transport implementation (rabbitmq, aws, kafka, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	// DefaultRuleName is the catch-all rule brokers attach to new subscriptions.
	DefaultRuleName = "$Default"
	// RuleSuffix is appended to a kind to name its filter rule.
	RuleSuffix = "_Rule"
	// KindHeader carries the event kind rules filter on.
	KindHeader = "kind"
)

var (
	// ErrNotFound is returned by Admin implementations for missing topics or subscriptions.
	ErrNotFound = errors.New("transport: not found")
	// ErrAlreadyExists is returned by strict Admin implementations on duplicate creation.
	ErrAlreadyExists = errors.New("transport: already exists")
)

// RuleName returns the rule name used for kind.
func RuleName(kind string) string {
	return kind + RuleSuffix
}

// Filter is an exact, case-sensitive equality test on one message header.
// The zero Filter matches everything.
type Filter struct {
	Header string
	Value  string
}

// KindFilter returns the filter routing kind.
func KindFilter(kind string) Filter {
	return Filter{Header: KindHeader, Value: kind}
}

// CatchAll reports whether the filter matches every message.
func (f Filter) CatchAll() bool {
	return f.Header == ""
}

// Matches reports whether headers satisfy the filter.
func (f Filter) Matches(headers map[string]string) bool {
	if f.CatchAll() {
		return true
	}
	v, ok := headers[f.Header]
	return ok && v == f.Value
}

// Rule is a named filter attached to a subscription.
type Rule struct {
	Name   string
	Filter Filter
}

// DefaultRule is the catch-all rule.
func DefaultRule() Rule {
	return Rule{Name: DefaultRuleName}
}

// KindRule returns the rule that routes kind.
func KindRule(kind string) Rule {
	return Rule{Name: RuleName(kind), Filter: KindFilter(kind)}
}

// MatchesAny reports whether any rule accepts headers.
func MatchesAny(rules []Rule, headers map[string]string) bool {
	for _, r := range rules {
		if r.Filter.Matches(headers) {
			return true
		}
	}
	return false
}

// Admin administers topics, subscriptions and their rules. Existence checks
// and Rules never mutate broker state.
type Admin interface {
	TopicExists(ctx context.Context, topic string) (bool, error)
	CreateTopic(ctx context.Context, topic string) error
	SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error)
	CreateSubscription(ctx context.Context, topic, subscription string) error
	Rules(ctx context.Context, topic, subscription string) ([]Rule, error)
	CreateRule(ctx context.Context, topic, subscription string, rule Rule) error
	DeleteRule(ctx context.Context, topic, subscription, name string) error
}

// SubscriberFactory creates subscribers bound to one subscription of a topic.
// Subscribe calls on the returned subscriber compete for the subscription's
// messages instead of each receiving a copy.
type SubscriberFactory interface {
	NewSubscriber(topic, subscription string) (message.Subscriber, error)
}

// SubscriberFactoryFunc adapts a function to SubscriberFactory.
type SubscriberFactoryFunc func(topic, subscription string) (message.Subscriber, error)

func (f SubscriberFactoryFunc) NewSubscriber(topic, subscription string) (message.Subscriber, error) {
	return f(topic, subscription)
}

// Transport bundles what a broker adapter provides.
type Transport struct {
	Publisher    message.Publisher
	Subscribers  SubscriberFactory
	Admin        Admin
	Capabilities Capabilities
	// Closers run after the publisher is closed, in order.
	Closers []io.Closer
}

// Close closes the publisher and every registered closer.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	for _, c := range t.Closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string
	GetServiceName() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
