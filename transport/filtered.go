package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// FilteredSubscriber applies subscription rules on the consumer side for
// brokers that cannot evaluate them. Messages no rule accepts are completed
// without being handed to the caller.
type FilteredSubscriber struct {
	inner        message.Subscriber
	topology     *Topology
	topic        string
	subscription string
	logger       watermill.LoggerAdapter
}

// NewFilteredSubscriber wraps inner with the rules topology keeps for subscription.
func NewFilteredSubscriber(inner message.Subscriber, topology *Topology, topic, subscription string, logger watermill.LoggerAdapter) *FilteredSubscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &FilteredSubscriber{
		inner:        inner,
		topology:     topology,
		topic:        topic,
		subscription: subscription,
		logger:       logger,
	}
}

func (f *FilteredSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	in, err := f.inner.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for msg := range in {
			if !f.topology.Accepts(f.topic, f.subscription, msg.Metadata) {
				f.logger.Trace("Message filtered out by subscription rules", watermill.LogFields{
					"message_uuid": msg.UUID,
					"subscription": f.subscription,
					"kind":         msg.Metadata.Get(KindHeader),
				})
				msg.Ack()
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (f *FilteredSubscriber) Close() error {
	return f.inner.Close()
}
