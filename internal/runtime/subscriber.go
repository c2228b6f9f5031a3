package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	"github.com/kacey90/horseback/internal/runtime/events"
	handlerpkg "github.com/kacey90/horseback/internal/runtime/handlers"
	idspkg "github.com/kacey90/horseback/internal/runtime/ids"
	"github.com/kacey90/horseback/internal/runtime/inbox"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
	metadatapkg "github.com/kacey90/horseback/internal/runtime/metadata"
)

// consumerIndexSeparator joins a subscription name and a consumer index in
// router handler names.
const consumerIndexSeparator = "#"

// leaseRenewals is how many times a claim is renewed per lease period.
const leaseRenewals = 3

// Subscription is one named consumer of a topic. The broker rules provisioned
// for it decide which kinds it receives.
type Subscription struct {
	Topic    string
	Name     string
	Delivery configpkg.Delivery
}

// SubscriptionName returns the conventional subscription name of service on topic.
func SubscriptionName(topic, service string) string {
	return topic + "_" + service + "_subscription"
}

// consumer runs the delivery pipeline of one subscription. Every router
// handler of the subscription shares it, so slots bounds the messages in
// flight across all of them.
type consumer struct {
	sub      Subscription
	registry *events.Registry
	table    *handlerpkg.Table
	inbox    inbox.Deduplicator
	metrics  *DeliveryMetrics
	logger   loggingpkg.ServiceLogger
	slots    chan struct{}
	now      func() time.Time
	// renewEvery is how often a held claim is extended during dispatch.
	// Zero disables renewal.
	renewEvery time.Duration
	newToken   func() string
}

func newConsumer(sub Subscription, registry *events.Registry, table *handlerpkg.Table, dedup inbox.Deduplicator, metrics *DeliveryMetrics, logger loggingpkg.ServiceLogger) *consumer {
	sub.Delivery = sub.Delivery.WithDefaults()
	var renewEvery time.Duration
	if l, ok := dedup.(inbox.Leaser); ok {
		renewEvery = l.Lease() / leaseRenewals
	}
	return &consumer{
		sub:        sub,
		registry:   registry,
		table:      table,
		inbox:      dedup,
		metrics:    metrics,
		logger:     logger.With(loggingpkg.SubscriptionFields(sub.Topic, sub.Name)),
		slots:      make(chan struct{}, sub.Delivery.MaxConcurrentCalls),
		now:        time.Now,
		renewEvery: renewEvery,
		newToken:   idspkg.CreateULID,
	}
}

// Handle processes one message. A nil return completes the message; an
// error abandons it so the broker redelivers.
func (c *consumer) Handle(msg *message.Message) error {
	ctx := msg.Context()
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.slots }()

	kind := msg.Metadata.Get(metadatapkg.KeyKind)
	err := c.process(ctx, msg, kind)
	if err != nil {
		c.metrics.RecordAbandoned(c.sub.Name, kind, abandonReason(err))
	}
	return err
}

func (c *consumer) process(ctx context.Context, msg *message.Message, kind string) error {
	log := c.logger.With(loggingpkg.LogFields{loggingpkg.FieldKind: kind, loggingpkg.FieldMessageUUID: msg.UUID})

	reg, err := c.registry.Resolve(kind)
	if err != nil {
		log.Error("Abandoning message of unknown kind", err, nil)
		return err
	}
	// A rule left over from an earlier deployment can still route a kind
	// this service no longer handles. There is nothing to dedup.
	if len(c.table.Handlers(reg.Kind)) == 0 {
		log.Debug("No handler for kind, completing without inbox record", nil)
		return nil
	}

	evt, err := c.decode(reg, msg)
	if err != nil {
		log.Error("Abandoning undecodable message", err, nil)
		return err
	}
	log = log.With(loggingpkg.LogFields{loggingpkg.FieldEventID: evt.ID})

	token := c.newToken()
	outcome, err := c.inbox.TryBeginProcessing(ctx, inbox.Record{
		ID:         evt.ID,
		Kind:       evt.Kind,
		Data:       string(msg.Payload),
		OccurredOn: evt.OccurredAt,
		Token:      token,
	})
	if err != nil {
		log.Error("Inbox unavailable, abandoning message", err, nil)
		return err
	}
	switch outcome {
	case inbox.OutcomeAlreadyProcessed:
		log.Debug("Duplicate delivery, completing without dispatch", nil)
		c.metrics.RecordDuplicate(c.sub.Name, evt.Kind)
		return nil
	case inbox.OutcomeInProgress:
		log.Debug("Event held by another consumer, abandoning", nil)
		return fmt.Errorf("event %s: %w", evt.ID, errspkg.ErrInProgress)
	}

	started := c.now()
	dispatchCtx, stopRenewing := c.holdClaim(ctx, evt.ID, token, log)
	err = c.dispatch(dispatchCtx, msg, evt, log)
	stopRenewing()
	if err != nil {
		if relErr := c.inbox.Release(ctx, evt.ID, token); relErr != nil {
			log.Error("Failed to release inbox claim", relErr, nil)
		}
		if c.sub.Delivery.AutoComplete {
			log.Error("Handler failed, completing anyway", err, nil)
			return nil
		}
		log.Error("Handler failed, abandoning message", err, nil)
		return err
	}

	if err := c.inbox.MarkProcessed(ctx, evt.ID, token); err != nil {
		if errors.Is(err, errspkg.ErrClaimLost) {
			log.Error("Inbox claim taken over during dispatch, abandoning message", err, nil)
		} else {
			log.Error("Failed to mark event processed, abandoning message", err, nil)
		}
		return err
	}
	c.metrics.RecordProcessed(c.sub.Name, evt.Kind, c.now().Sub(started))
	return nil
}

// holdClaim renews the claim on id until the returned stop func is called.
// When another consumer has taken the claim over, the returned context is
// cancelled with ErrClaimLost so handlers can stop early. A failed renewal
// that is not a lost claim is retried on the next tick.
func (c *consumer) holdClaim(ctx context.Context, id, token string, log loggingpkg.ServiceLogger) (context.Context, func()) {
	if c.renewEvery <= 0 {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := c.inbox.Extend(ctx, id, token)
			switch {
			case err == nil:
			case errors.Is(err, errspkg.ErrClaimLost):
				log.Error("Inbox claim lost during dispatch", err, nil)
				cancel(err)
				return
			default:
				log.Error("Failed to extend inbox claim", err, nil)
			}
		}
	}()
	return ctx, func() {
		close(done)
		<-stopped
		cancel(nil)
	}
}

// decode rebuilds the event from the message headers and payload.
func (c *consumer) decode(reg events.Registration, msg *message.Message) (*events.IntegrationEvent, error) {
	id := msg.Metadata.Get(metadatapkg.KeyID)
	if id == "" {
		id = msg.UUID
	}
	if id == "" {
		return nil, &errspkg.InvalidEventError{Reason: "id header missing"}
	}

	occurredAt := c.now().UTC()
	if raw := msg.Metadata.Get(metadatapkg.KeyOccurredAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, &errspkg.InvalidEventError{Reason: "occurred_at header malformed", Err: err}
		}
		occurredAt = parsed
	}

	payload, err := reg.Decode(msg.Payload)
	if err != nil {
		return nil, err
	}
	return &events.IntegrationEvent{
		ID:         id,
		OccurredAt: occurredAt,
		Kind:       reg.Kind,
		Payload:    payload,
	}, nil
}

// dispatch runs the handlers of the event's kind. A panicking handler fails
// the dispatch like an error does, so the inbox claim is still released.
func (c *consumer) dispatch(ctx context.Context, msg *message.Message, evt *events.IntegrationEvent, log loggingpkg.ServiceLogger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errspkg.HandlerError{
				Kind:    evt.Kind,
				EventID: evt.ID,
				Err:     fmt.Errorf("panic: %v", r),
			}
		}
	}()

	md := metadatapkg.FromWatermill(msg.Metadata).WithAll(metadatapkg.New(
		handlerpkg.MetadataKeyTopic, c.sub.Topic,
		handlerpkg.MetadataKeySubscription, c.sub.Name,
	))
	return c.table.Dispatch(ctx, handlerpkg.Message{
		MessageContextBase: handlerpkg.MessageContextBase{
			Metadata: md,
			Logger:   log,
		},
		Event: evt,
	})
}
