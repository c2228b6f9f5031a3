// Package nats provides a NATS Core transport for horseback.
//
// Every subscription is a queue group, so consumers of one subscription
// compete while separate subscriptions each receive a copy. Core NATS
// cannot filter on headers; rules are evaluated in-process and there is
// no redelivery.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/kacey90/horseback/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: url is required")
	}
	marshaler := &nats.NATSMarshaler{}
	options := connectOptions(cfg.GetServiceName())
	coreOnly := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   coreOnly,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	topology := transport.NewImplicitTopology()
	subscribers := transport.SubscriberFactoryFunc(func(topic, subscription string) (message.Subscriber, error) {
		inner, err := SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				NatsOptions:      options,
				QueueGroupPrefix: subscription,
				Unmarshaler:      marshaler,
				JetStream:        coreOnly,
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
		Capabilities: transport.NATSCapabilities,
	}, nil
}

func connectOptions(serviceName string) []nc.Option {
	if serviceName == "" {
		return nil
	}
	return []nc.Option{nc.Name(serviceName)}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
