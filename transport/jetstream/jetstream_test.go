package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacey90/horseback/transport"
)

func TestRegister(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "jetstream", caps.Name)
	assert.True(t, caps.SupportsNativeRules)
	assert.Equal(t, transport.JetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	result := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, result.StreamName)
	assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
	assert.Equal(t, DefaultAckWait, result.AckWait)
	assert.Equal(t, 1, result.Replicas)
	assert.Equal(t, 7*24*time.Hour, result.MaxAge)

	custom := Config{StreamName: "EVENTS", MaxDeliver: 2, Replicas: 3}.withDefaults()
	assert.Equal(t, "EVENTS", custom.StreamName)
	assert.Equal(t, 2, custom.MaxDeliver)
	assert.Equal(t, 3, custom.Replicas)
}

func TestAdminRules(t *testing.T) {
	ctx := context.Background()
	js := newFakeJetStream()
	tr := NewWithContext(js, Config{}, nil)

	exists, err := tr.TopicExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tr.CreateTopic(ctx, "orders"))
	require.NoError(t, tr.CreateTopic(ctx, "orders"), "topics share one stream")
	exists, err = tr.TopicExists(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Error(t, tr.CreateTopic(ctx, "bad.topic"))

	exists, err = tr.SubscriptionExists(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tr.CreateSubscription(ctx, "orders", "svc"))
	rules, err := tr.Rules(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.Equal(t, []transport.Rule{transport.DefaultRule()}, rules)
	assert.Equal(t, []string{"HORSEBACK.orders.>"}, js.consumers["svc"].FilterSubjects)

	require.NoError(t, tr.DeleteRule(ctx, "orders", "svc", transport.DefaultRuleName))
	rules, err = tr.Rules(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.Empty(t, rules, "a subscription without rules receives nothing")
	assert.Equal(t, []string{"HORSEBACK.orders._no_rules_"}, js.consumers["svc"].FilterSubjects)

	require.NoError(t, tr.CreateRule(ctx, "orders", "svc", transport.KindRule("OrderSent")))
	require.NoError(t, tr.CreateRule(ctx, "orders", "svc", transport.KindRule("OrderCancelled")))
	assert.ErrorIs(t, tr.CreateRule(ctx, "orders", "svc", transport.KindRule("OrderSent")), transport.ErrAlreadyExists)
	assert.Equal(t, []string{"HORSEBACK.orders.OrderSent", "HORSEBACK.orders.OrderCancelled"}, js.consumers["svc"].FilterSubjects)

	rules, err = tr.Rules(ctx, "orders", "svc")
	require.NoError(t, err)
	assert.Equal(t, []transport.Rule{transport.KindRule("OrderSent"), transport.KindRule("OrderCancelled")}, rules)

	assert.ErrorIs(t, tr.DeleteRule(ctx, "orders", "svc", "Missing_Rule"), transport.ErrNotFound)
	_, err = tr.Rules(ctx, "orders", "missing")
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestPublishUsesKindSubject(t *testing.T) {
	js := newFakeJetStream()
	tr := NewWithContext(js, Config{}, nil)

	msg := message.NewMessage("uuid-1", []byte(`{}`))
	msg.Metadata.Set(transport.KindHeader, "OrderSent")
	require.NoError(t, tr.Publish("orders", msg))

	untyped := message.NewMessage("uuid-2", []byte(`{}`))
	require.NoError(t, tr.Publish("orders", untyped))

	require.Len(t, js.published, 2)
	assert.Equal(t, "HORSEBACK.orders.OrderSent", js.published[0].Subject)
	assert.Equal(t, "OrderSent", js.published[0].Header.Get(transport.KindHeader))
	assert.Equal(t, "HORSEBACK.orders._", js.published[1].Subject)

	back := natsToWatermill(js.published[0])
	assert.Equal(t, "uuid-1", back.UUID)
	assert.Equal(t, "OrderSent", back.Metadata.Get(transport.KindHeader))
	assert.Empty(t, back.Metadata.Get(uuidHeader))

	bad := message.NewMessage("uuid-3", nil)
	bad.Metadata.Set(transport.KindHeader, "Order.Sent")
	assert.Error(t, tr.Publish("orders", bad))

	require.NoError(t, tr.Close())
	assert.Error(t, tr.Publish("orders", msg))
}

// fakeJetStream keeps streams and consumers in memory. Methods not
// overridden panic through the nil embedded interface.
type fakeJetStream struct {
	nats.JetStreamContext
	streams   map[string]*nats.StreamConfig
	consumers map[string]nats.ConsumerConfig
	published []*nats.Msg
}

func newFakeJetStream() *fakeJetStream {
	return &fakeJetStream{
		streams:   make(map[string]*nats.StreamConfig),
		consumers: make(map[string]nats.ConsumerConfig),
	}
}

func (f *fakeJetStream) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	if _, ok := f.streams[cfg.Name]; ok {
		return nil, nats.ErrStreamNameAlreadyInUse
	}
	f.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	cfg, ok := f.consumers[name]
	if !ok {
		return nil, nats.ErrConsumerNotFound
	}
	return &nats.ConsumerInfo{Stream: stream, Name: name, Config: cfg}, nil
}

func (f *fakeJetStream) AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.consumers[cfg.Durable] = *cfg
	return &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}, nil
}

func (f *fakeJetStream) UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return f.AddConsumer(stream, cfg, opts...)
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.published = append(f.published, m)
	return &nats.PubAck{Stream: DefaultStreamName}, nil
}
