package runtime

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	"github.com/kacey90/horseback/internal/runtime/inbox"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
	transportpkg "github.com/kacey90/horseback/internal/runtime/transport"
	"github.com/kacey90/horseback/transport"
	"github.com/kacey90/horseback/transport/memory"
)

const orderID = "11111111-1111-1111-1111-111111111111"

type orderSent struct {
	OrderID       string  `json:"orderId"`
	Amount        float64 `json:"amount"`
	CustomerName  string  `json:"customerName,omitempty"`
	CustomerEmail string  `json:"customerEmail,omitempty"`
}

type invoiceIssued struct {
	InvoiceID string `json:"invoiceId"`
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// capturingLogger records log messages.
type capturingLogger struct {
	mu   *sync.Mutex
	msgs *[]string
}

func newCapturingLogger() capturingLogger {
	return capturingLogger{mu: &sync.Mutex{}, msgs: &[]string{}}
}

func (c capturingLogger) record(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.msgs = append(*c.msgs, msg)
}

func (c capturingLogger) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), *c.msgs...)
}

func (c capturingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return c }
func (c capturingLogger) Debug(msg string, _ loggingpkg.LogFields)           { c.record(msg) }
func (c capturingLogger) Info(msg string, _ loggingpkg.LogFields)            { c.record(msg) }
func (c capturingLogger) Error(msg string, _ error, _ loggingpkg.LogFields)  { c.record(msg) }
func (c capturingLogger) Trace(msg string, _ loggingpkg.LogFields)           { c.record(msg) }

// testPublisher records published topics.
type testPublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
	failures  int
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.published = append(p.published, messages...)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published...)
}

// sqliteDSN names a shared in-memory database private to t.
func sqliteDSN(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return "file:" + name + "?mode=memory&cache=shared"
}

func testDelivery() configpkg.Delivery {
	return configpkg.Delivery{
		MaxConcurrentCalls: 1,
		RetryCount:         2,
		RetryBaseDelay:     time.Millisecond,
	}
}

func testConfig(t *testing.T) *configpkg.Config {
	return &configpkg.Config{
		ServiceName:  "billing",
		PubSubSystem: memory.TransportName,
		DefaultTopic: "orders",
		Delivery:     testDelivery(),
		Inbox: configpkg.Inbox{
			Dialect:          configpkg.DialectSQLite,
			ConnectionString: sqliteDSN(t),
		},
	}
}

type testBus struct {
	*Bus
	broker *memory.Broker
}

// ledger returns the SQL ledger the bus opened.
func (tb testBus) ledger(t *testing.T) interface {
	Lookup(ctx context.Context, id string) (inbox.Record, error)
} {
	t.Helper()
	l, ok := tb.inbox.(interface {
		Lookup(ctx context.Context, id string) (inbox.Record, error)
	})
	require.True(t, ok, "inbox %T has no Lookup", tb.inbox)
	return l
}

// newTestBus builds a bus on a private memory broker.
func newTestBus(t *testing.T, conf *configpkg.Config, deps BusDependencies) testBus {
	t.Helper()
	if conf == nil {
		conf = testConfig(t)
	}
	broker := memory.NewBroker(memory.Config{RedeliveryDelay: 10 * time.Millisecond}, watermill.NopLogger{})
	if deps.TransportFactory == nil {
		deps.TransportFactory = transportpkg.Static(transport.Transport{
			Publisher:    broker,
			Subscribers:  broker,
			Admin:        broker.Topology(),
			Capabilities: transport.MemoryCapabilities,
		})
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	if deps.CloseTimeout == 0 {
		deps.CloseTimeout = 2 * time.Second
	}
	b, err := NewBus(context.Background(), conf, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return testBus{Bus: b, broker: broker}
}

// run starts the bus and waits until it consumes.
func (tb testBus) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tb.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = tb.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("bus did not stop")
		}
	})
	select {
	case <-tb.Running():
	case err := <-done:
		require.NoError(t, err)
		t.Fatal("bus stopped before running")
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not start")
	}
}
