package runtime

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	handlerpkg "github.com/kacey90/horseback/internal/runtime/handlers"
	idspkg "github.com/kacey90/horseback/internal/runtime/ids"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
)

func passThrough(*message.Message) ([]*message.Message, error) { return nil, nil }

func newRouterOnlyBus(t *testing.T, conf *configpkg.Config, log loggingpkg.ServiceLogger) *Bus {
	t.Helper()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(log))
	require.NoError(t, err)
	return &Bus{Conf: conf, Logger: log, router: router, registerer: prometheus.NewRegistry()}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		called := false
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			called = true
			assert.NotEmpty(t, m.Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
			return nil, nil
		})(msg)
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		msg.Metadata.Set(handlerpkg.MetadataKeyCorrelationID, "fixed")
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			assert.Equal(t, "fixed", m.Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
			return nil, nil
		})(msg)
		require.NoError(t, err)
	})
}

func TestLogMessagesMiddleware(t *testing.T) {
	t.Parallel()

	logger := newCapturingLogger()
	msg := message.NewMessage(idspkg.CreateULID(), []byte(`{"orderId":"1"}`))
	_, err := logMessagesMiddleware(logger)(passThrough)(msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"Processing message"}, logger.Messages())
}

func TestLogMessagesMiddlewareUsesBusLogger(t *testing.T) {
	t.Parallel()

	reg := LogMessagesMiddleware(nil)
	_, err := reg.Builder(&Bus{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	mw, err := reg.Builder(&Bus{Logger: newTestLogger()})
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestRetryMiddleware(t *testing.T) {
	t.Parallel()

	reg := RetryMiddleware(RetryMiddlewareConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})

	t.Run("retries transient failures", func(t *testing.T) {
		attempts := 0
		_, err := reg.Middleware(func(*message.Message) ([]*message.Message, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient")
			}
			return nil, nil
		})(message.NewMessage(idspkg.CreateULID(), nil))
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("skips unknown kinds", func(t *testing.T) {
		attempts := 0
		_, err := reg.Middleware(func(*message.Message) ([]*message.Message, error) {
			attempts++
			return nil, &errspkg.UnknownKindError{Kind: "Nope"}
		})(message.NewMessage(idspkg.CreateULID(), nil))
		assert.ErrorIs(t, err, errspkg.ErrUnknownKind)
		assert.Equal(t, 1, attempts)
	})
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unknown kind", &errspkg.UnknownKindError{Kind: "X"}, false},
		{"deserialization", &errspkg.DeserializationError{Kind: "X", Err: errors.New("bad")}, false},
		{"invalid event", &errspkg.InvalidEventError{Reason: "no id"}, false},
		{"handler", &errspkg.HandlerError{Kind: "X", Err: errors.New("boom")}, true},
		{"in progress", errspkg.ErrInProgress, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestTracerMiddleware(t *testing.T) {
	t.Parallel()

	mw := tracerMiddleware(noop.NewTracerProvider().Tracer(TracerName))
	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.Metadata.Set(handlerpkg.MetadataKeyKind, "OrderSent")
	msg.SetContext(context.Background())

	var observed trace.Span
	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, nil
	})(msg)
	require.NoError(t, err)
	assert.NotNil(t, observed)
}

func TestTracerMiddlewarePropagatesError(t *testing.T) {
	t.Parallel()

	mw := tracerMiddleware(noop.NewTracerProvider().Tracer(TracerName))
	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.SetContext(context.Background())

	boom := errors.New("boom")
	_, err := mw(func(*message.Message) ([]*message.Message, error) { return nil, boom })(msg)
	assert.ErrorIs(t, err, boom)
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Parallel()

	t.Run("requires router", func(t *testing.T) {
		err := (&Bus{}).RegisterMiddleware(MiddlewareRegistration{
			Middleware: func(h message.HandlerFunc) message.HandlerFunc { return h },
		})
		assert.Error(t, err)
	})

	t.Run("requires middleware or builder", func(t *testing.T) {
		b := newRouterOnlyBus(t, &configpkg.Config{}, newTestLogger())
		assert.Error(t, b.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	})

	t.Run("invokes builder", func(t *testing.T) {
		b := newRouterOnlyBus(t, &configpkg.Config{}, newTestLogger())
		called := false
		err := b.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(got *Bus) (message.HandlerMiddleware, error) {
				called = true
				assert.Same(t, b, got)
				return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
			},
		})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("returns builder error", func(t *testing.T) {
		b := newRouterOnlyBus(t, &configpkg.Config{}, newTestLogger())
		boom := errors.New("boom")
		err := b.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Bus) (message.HandlerMiddleware, error) { return nil, boom },
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("skips nil middleware from builder", func(t *testing.T) {
		b := newRouterOnlyBus(t, &configpkg.Config{}, newTestLogger())
		err := b.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Bus) (message.HandlerMiddleware, error) { return nil, nil },
		})
		assert.NoError(t, err)
	})
}

func TestDefaultMiddlewares(t *testing.T) {
	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{"correlation_id", "log_messages", "tracer", "metrics", "recoverer"}, names)
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	t.Parallel()

	b := newRouterOnlyBus(t, &configpkg.Config{}, newTestLogger())
	mw, err := MetricsMiddleware().Builder(b)
	require.NoError(t, err)
	assert.Nil(t, mw)
}

func TestMetricsMiddleware_Enabled(t *testing.T) {
	t.Parallel()

	b := newRouterOnlyBus(t, &configpkg.Config{MetricsEnabled: true, PubSubSystem: "memory"}, newTestLogger())
	mw, err := MetricsMiddleware().Builder(b)
	require.NoError(t, err)
	assert.NotNil(t, mw)
	assert.Empty(t, b.httpMuxes)
}

func TestMetricsMiddleware_RegistersEndpoint(t *testing.T) {
	t.Parallel()

	port, err := getFreePort()
	require.NoError(t, err)

	b := newRouterOnlyBus(t, &configpkg.Config{MetricsEnabled: true, MetricsPort: port, PubSubSystem: "memory"}, newTestLogger())
	_, err = MetricsMiddleware().Builder(b)
	require.NoError(t, err)
	assert.Contains(t, b.httpMuxes, port)
}

func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
