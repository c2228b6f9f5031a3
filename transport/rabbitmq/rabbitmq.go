// Package rabbitmq provides a RabbitMQ/AMQP transport for horseback.
//
// Topics are durable headers exchanges and subscriptions are durable queues.
// A subscription rule is a binding between them whose arguments match the
// kind header, so RabbitMQ filters messages before they reach the queue.
package rabbitmq

import (
	"context"
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/kacey90/horseback/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ExchangeType is the exchange type used for topics.
const ExchangeType = "headers"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// AdminDialer opens the management connection used for provisioning.
var AdminDialer = func(url string) (ChannelOpener, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return connectionOpener{conn}, nil
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(Config(url, ""), logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	opener, err := AdminDialer(url)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("open admin connection: %w", err)
	}

	subscribers := transport.SubscriberFactoryFunc(func(topic, subscription string) (message.Subscriber, error) {
		return SubscriberFactory(Config(url, subscription), logger, conn)
	})

	return transport.Transport{
		Publisher:    publisher,
		Subscribers:  subscribers,
		Admin:        NewAdmin(opener),
		Capabilities: transport.RabbitMQCapabilities,
		Closers:      []io.Closer{opener, conn},
	}, nil
}

// Config returns the watermill AMQP configuration for a headers-exchange
// topology. Every topic maps to an exchange of the same name and the
// subscriber consumes the queue named subscription. Queue bindings are
// managed by Admin, never by the subscriber.
func Config(url, subscription string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, func(topic string) string { return subscription })
	cfg.Exchange.Type = ExchangeType
	cfg.TopologyBuilder = topologyBuilder{}
	return cfg
}

// topologyBuilder declares exchanges and queues without binding them.
type topologyBuilder struct{}

func (topologyBuilder) ExchangeDeclare(channel *amqp091.Channel, exchangeName string, config amqp.Config) error {
	return channel.ExchangeDeclare(
		exchangeName,
		config.Exchange.Type,
		config.Exchange.Durable,
		config.Exchange.AutoDeleted,
		config.Exchange.Internal,
		config.Exchange.NoWait,
		config.Exchange.Arguments,
	)
}

func (b topologyBuilder) BuildTopology(channel *amqp091.Channel, params amqp.BuildTopologyParams, config amqp.Config, logger watermill.LoggerAdapter) error {
	if _, err := channel.QueueDeclare(
		params.QueueName,
		config.Queue.Durable,
		config.Queue.AutoDelete,
		config.Queue.Exclusive,
		config.Queue.NoWait,
		config.Queue.Arguments,
	); err != nil {
		return fmt.Errorf("cannot declare queue: %w", err)
	}

	if params.ExchangeName == "" {
		return nil
	}
	if err := b.ExchangeDeclare(channel, params.ExchangeName, config); err != nil {
		return fmt.Errorf("cannot declare exchange: %w", err)
	}

	logger.Debug("Queue declared without binding", watermill.LogFields{
		"queue":    params.QueueName,
		"exchange": params.ExchangeName,
	})
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
