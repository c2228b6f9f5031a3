package horseback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderSent struct {
	OrderID       string  `json:"orderId"`
	Amount        float64 `json:"amount"`
	CustomerName  string  `json:"customerName,omitempty"`
	CustomerEmail string  `json:"customerEmail,omitempty"`
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	conf := &Config{
		ServiceName:  "billing",
		PubSubSystem: "memory",
		DefaultTopic: "orders",
		Delivery:     DefaultDelivery(),
		Inbox:        Inbox{Dialect: "sqlite", ConnectionString: "file:libapi?mode=memory&cache=shared"},
	}
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus, err := NewBus(context.Background(), conf, logger, BusDependencies{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRegistrationExports(t *testing.T) {
	bus := newTestBus(t)

	require.NoError(t, RegisterEvent[orderSent](bus, "OrderSent", ""))
	err := RegisterEvent[orderSent](bus, "OrderSent", "")
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	require.NoError(t, RegisterHandler[orderSent](bus, "email", func(context.Context, TypedMessage[orderSent]) error {
		return nil
	}))
	err = RegisterKindHandler(bus, "OrderLost", "audit", func(context.Context, Message) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownKind)

	subs := bus.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, SubscriptionName("orders", "billing"), subs[0].Name)
}

func TestPublishExportRejectsUnregisteredPayload(t *testing.T) {
	bus := newTestBus(t)
	err := Publish(context.Background(), bus, orderSent{OrderID: "1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	var invalid *InvalidEventError
	assert.True(t, errors.As(err, &invalid))
}

func TestNewBusExportValidates(t *testing.T) {
	_, err := NewBus(context.Background(), nil, NewNopServiceLogger(), BusDependencies{})
	assert.ErrorIs(t, err, ErrConfigRequired)
}

func TestRegistryExports(t *testing.T) {
	reg := NewRegistry("orders")
	require.NoError(t, RegisterKind[orderSent](reg, "OrderSent", ""))
	topic, err := reg.TopicFor("OrderSent")
	require.NoError(t, err)
	assert.Equal(t, "orders", topic)

	h, err := NewTypedHandler[orderSent]("noop", func(context.Context, TypedMessage[orderSent]) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "noop", h.Name())
}

func TestLoggerExports(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	logger.With(SubscriptionLogFields("orders", "orders_billing_subscription")).
		Info("Subscription started", EventLogFields("", "OrderSent", "evt-1"))

	assert.Contains(t, buf.String(), `"subscription":"orders_billing_subscription"`)
	assert.Contains(t, buf.String(), `"event_id":"evt-1"`)
	assert.NotNil(t, NewWatermillLogger(logger))
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"world"}`), &payload))
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md["key"])
	assert.Equal(t, "kind", MetadataKeyKind)
}

func TestErrorCategoryConstants(t *testing.T) {
	assert.EqualValues(t, "none", ErrorCategoryNone)
	assert.EqualValues(t, "validation", ErrorCategoryValidation)
}
