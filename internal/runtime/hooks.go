package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	handlerpkg "github.com/kacey90/horseback/internal/runtime/handlers"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
)

// JobContext describes one delivery to the hooks.
type JobContext struct {
	// HandlerName is the router handler consuming the message.
	HandlerName string
	// Subscription is the subscription the message arrived through.
	Subscription string
	// Topic is the topic the message was published to.
	Topic string
	// Kind and EventID come from the message headers.
	Kind    string
	EventID string
	// MessageUUID is the transport message identifier.
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is set for OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are optional callbacks around each delivery. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the error that made the message be abandoned.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first and other second.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware registers hooks on the bus router.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(*Bus) (message.HandlerMiddleware, error) {
			if hooks.empty() {
				return nil, nil
			}
			return jobHooksMiddleware(hooks), nil
		},
	}
}

func jobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := newJobContext(msg)

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return msgs, err
		}
	}
}

func newJobContext(msg *message.Message) JobContext {
	ctx := msg.Context()
	jobCtx := JobContext{
		HandlerName: message.HandlerNameFromCtx(ctx),
		Topic:       message.SubscribeTopicFromCtx(ctx),
		Kind:        msg.Metadata.Get(handlerpkg.MetadataKeyKind),
		EventID:     msg.Metadata.Get(handlerpkg.MetadataKeyID),
		MessageUUID: msg.UUID,
		Metadata:    msg.Metadata,
		Context:     ctx,
		StartedAt:   time.Now(),
	}
	if sub := msg.Metadata.Get(handlerpkg.MetadataKeySubscription); sub != "" {
		jobCtx.Subscription = sub
	} else {
		jobCtx.Subscription = subscriptionOfHandler(jobCtx.HandlerName)
	}
	if topic := msg.Metadata.Get(handlerpkg.MetadataKeyTopic); topic != "" {
		jobCtx.Topic = topic
	}
	return jobCtx
}

// subscriptionOfHandler strips the consumer index from a router handler name.
func subscriptionOfHandler(handlerName string) string {
	sub, _, _ := strings.Cut(handlerName, consumerIndexSeparator)
	return sub
}

// LoggingHooks logs every delivery.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		lf := loggingpkg.EventFields(ctx.Topic, ctx.Kind, ctx.EventID)
		lf[loggingpkg.FieldSubscription] = ctx.Subscription
		return lf
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Delivery started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Delivery completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Delivery abandoned", err, f)
		},
	}
}

// MetricsHooks forwards each delivery to counters keyed by subscription and kind.
func MetricsHooks(onStart, onDone, onError func(subscription, kind string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Subscription, ctx.Kind)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Subscription, ctx.Kind)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Subscription, ctx.Kind)
			}
		},
	}
}

// AlertingHooks calls alertFunc for every abandoned delivery.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
