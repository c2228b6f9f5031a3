// Package kafka provides a Kafka transport for horseback.
//
// Kafka has no subscription entities of its own. Each subscription is a
// consumer group and its rules are evaluated in-process.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kacey90/horseback/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: at least one broker is required")
	}
	groupPrefix := cfg.GetKafkaConsumerGroup()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	topology := transport.NewImplicitTopology()
	subscribers := transport.SubscriberFactoryFunc(func(topic, subscription string) (message.Subscriber, error) {
		inner, err := SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:       brokers,
				Unmarshaler:   kafka.DefaultMarshaler{},
				ConsumerGroup: ConsumerGroup(groupPrefix, subscription),
			},
			logger,
		)
		if err != nil {
			return nil, err
		}
		return transport.NewFilteredSubscriber(inner, topology, topic, subscription, logger), nil
	})

	return transport.Transport{
		Publisher:    publisher,
		Subscribers:  subscribers,
		Admin:        topology,
		Capabilities: transport.KafkaCapabilities,
	}, nil
}

// ConsumerGroup returns the consumer group of subscription.
func ConsumerGroup(prefix, subscription string) string {
	if prefix == "" {
		return subscription
	}
	return prefix + "." + subscription
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
