package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/kacey90/horseback/transport"
)

// Channel is the subset of *amqp091.Channel the admin uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	QueueUnbind(name, key, exchange string, args amqp091.Table) error
	Close() error
}

// ChannelOpener opens AMQP channels. A failed passive declare closes the
// channel it ran on, so the admin opens a channel per operation.
type ChannelOpener interface {
	Channel() (Channel, error)
	Close() error
}

type connectionOpener struct {
	conn *amqp091.Connection
}

func (c connectionOpener) Channel() (Channel, error) {
	return c.conn.Channel()
}

func (c connectionOpener) Close() error {
	return c.conn.Close()
}

// Admin provisions exchanges, queues and bindings.
//
// AMQP cannot enumerate the bindings of a queue, so Rules reports the
// catch-all rule. Binding and unbinding are idempotent on the broker, which
// keeps reconciliation correct: the catch-all binding is removed and every
// kind binding is reasserted.
type Admin struct {
	opener ChannelOpener
}

var _ transport.Admin = (*Admin)(nil)

// NewAdmin returns an Admin using opener.
func NewAdmin(opener ChannelOpener) *Admin {
	return &Admin{opener: opener}
}

func (a *Admin) withChannel(fn func(ch Channel) error) error {
	ch, err := a.opener.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	err = fn(ch)
	// The server closes the channel after a failed passive declare.
	if cerr := ch.Close(); cerr != nil && err == nil && !errors.Is(cerr, amqp091.ErrClosed) {
		err = cerr
	}
	return err
}

func isNotFound(err error) bool {
	var amqpErr *amqp091.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound
}

func (a *Admin) TopicExists(ctx context.Context, topic string) (bool, error) {
	exists := true
	err := a.withChannel(func(ch Channel) error {
		err := ch.ExchangeDeclarePassive(topic, ExchangeType, true, false, false, false, nil)
		if isNotFound(err) {
			exists = false
			return nil
		}
		return err
	})
	return exists && err == nil, err
}

func (a *Admin) CreateTopic(ctx context.Context, topic string) error {
	return a.withChannel(func(ch Channel) error {
		return ch.ExchangeDeclare(topic, ExchangeType, true, false, false, false, nil)
	})
}

// SubscriptionExists reports whether the queue exists. Queue names are
// broker-wide, so the topic is not consulted.
func (a *Admin) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	exists := true
	err := a.withChannel(func(ch Channel) error {
		_, err := ch.QueueDeclarePassive(subscription, true, false, false, false, nil)
		if isNotFound(err) {
			exists = false
			return nil
		}
		return err
	})
	return exists && err == nil, err
}

// CreateSubscription declares the queue and binds it with the catch-all rule.
func (a *Admin) CreateSubscription(ctx context.Context, topic, subscription string) error {
	return a.withChannel(func(ch Channel) error {
		if _, err := ch.QueueDeclare(subscription, true, false, false, false, nil); err != nil {
			return err
		}
		return ch.QueueBind(subscription, transport.DefaultRuleName, topic, false, bindingArgs(transport.DefaultRule().Filter))
	})
}

func (a *Admin) Rules(ctx context.Context, topic, subscription string) ([]transport.Rule, error) {
	return []transport.Rule{transport.DefaultRule()}, nil
}

func (a *Admin) CreateRule(ctx context.Context, topic, subscription string, rule transport.Rule) error {
	return a.withChannel(func(ch Channel) error {
		return ch.QueueBind(subscription, rule.Name, topic, false, bindingArgs(rule.Filter))
	})
}

func (a *Admin) DeleteRule(ctx context.Context, topic, subscription, name string) error {
	return a.withChannel(func(ch Channel) error {
		return ch.QueueUnbind(subscription, name, topic, bindingArgs(filterForRule(name)))
	})
}

// bindingArgs converts a filter into headers-exchange binding arguments.
// An x-match of all with no other headers matches every message.
func bindingArgs(f transport.Filter) amqp091.Table {
	args := amqp091.Table{"x-match": "all"}
	if !f.CatchAll() {
		args[f.Header] = f.Value
	}
	return args
}

// filterForRule recovers the filter of a rule created by this package from its name.
func filterForRule(name string) transport.Filter {
	if name == transport.DefaultRuleName {
		return transport.Filter{}
	}
	return transport.KindFilter(strings.TrimSuffix(name, transport.RuleSuffix))
}
