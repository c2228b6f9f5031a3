package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	handlerpkg "github.com/kacey90/horseback/internal/runtime/handlers"
	idspkg "github.com/kacey90/horseback/internal/runtime/ids"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
)

// TracerName names the tracer consumer spans are started with.
const TracerName = "github.com/kacey90/horseback"

// MiddlewareBuilder constructs a router middleware for a bus. Returning a nil
// middleware skips registration.
type MiddlewareBuilder func(*Bus) (message.HandlerMiddleware, error)

// MiddlewareRegistration describes a middleware for the bus router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises in-process retries before a message is abandoned.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether err is worth another attempt. By default
	// unknown kinds and undecodable payloads are not retried.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = retryable
	}
	return cfg
}

func retryable(err error) bool {
	return !errors.Is(err, errspkg.ErrUnknownKind) &&
		!errors.Is(err, errspkg.ErrDeserialization) &&
		!errors.Is(err, errspkg.ErrInvalidEvent)
}

// DefaultMiddlewares returns the chain every bus router gets unless disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds watermill's Prometheus router metrics and exposes
// /metrics on the configured port.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			if !b.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				b.registerer,
				"horseback",
				b.Conf.PubSubSystem,
			)
			metricsBuilder.AddPrometheusRouterMetrics(b.router)

			if b.Conf.MetricsPort > 0 {
				handler := promhttp.Handler()
				if gatherer, ok := b.registerer.(prometheus.Gatherer); ok {
					handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
				}
				b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", handler)
			}
			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware stamps a correlation id on messages that lack one.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs every consumed message at debug level. A nil
// logger uses the bus logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = b.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps each delivery in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(*Bus) (message.HandlerMiddleware, error) {
			return tracerMiddleware(otel.Tracer(TracerName)), nil
		},
	}
}

// RetryMiddleware retries a failed delivery in-process before abandoning it.
// It is not part of the default chain: redelivery normally belongs to the broker.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: middleware.Retry{
			MaxRetries:      normalized.MaxRetries,
			InitialInterval: normalized.InitialInterval,
			MaxInterval:     normalized.MaxInterval,
			ShouldRetry: func(params middleware.RetryParams) bool {
				return normalized.RetryIf(params.Err)
			},
		}.Middleware,
	}
}

// RecovererMiddleware turns panics into errors so the message is abandoned.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the middleware to the bus router. It must be
// called before Start.
func (b *Bus) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if b.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	b.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(handlerpkg.MetadataKeyCorrelationID) == "" {
			msg.Metadata.Set(handlerpkg.MetadataKeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				loggingpkg.FieldMessageUUID: msg.UUID,
				"payload":                   string(msg.Payload),
				"metadata":                  msg.Metadata,
			})
			return h(msg)
		}
	}
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "horseback.consume",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(msg.Context())),
					attribute.String("horseback.event.id", msg.Metadata.Get(handlerpkg.MetadataKeyID)),
					attribute.String("horseback.event.kind", msg.Metadata.Get(handlerpkg.MetadataKeyKind)),
					attribute.String("horseback.correlation_id", msg.Metadata.Get(handlerpkg.MetadataKeyCorrelationID)),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			if sc := span.SpanContext(); sc.HasTraceID() {
				msg.Metadata.Set(handlerpkg.MetadataKeyTraceID, sc.TraceID().String())
			}

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}
