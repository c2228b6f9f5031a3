package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	"github.com/kacey90/horseback/internal/runtime/events"
	idspkg "github.com/kacey90/horseback/internal/runtime/ids"
	jsoncodec "github.com/kacey90/horseback/internal/runtime/jsoncodec"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
	metadatapkg "github.com/kacey90/horseback/internal/runtime/metadata"
	"github.com/kacey90/horseback/transport"
)

// Publisher sends integration events to the topic their kind is registered on.
type Publisher struct {
	publisher   message.Publisher
	provisioner *Provisioner
	registry    *events.Registry
	delivery    configpkg.Delivery
	logger      loggingpkg.ServiceLogger

	topics sync.Map // topic -> *topicGate
}

// topicGate remembers that a topic was ensured. A failed attempt is not
// remembered, so the next publish tries again.
type topicGate struct {
	mu    sync.Mutex
	ready atomic.Bool
}

// NewPublisher creates a publisher. With a nil provisioner topics are assumed to exist.
func NewPublisher(publisher message.Publisher, provisioner *Provisioner, registry *events.Registry, delivery configpkg.Delivery, logger loggingpkg.ServiceLogger) (*Publisher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Publisher{
		publisher:   publisher,
		provisioner: provisioner,
		registry:    registry,
		delivery:    delivery.WithDefaults(),
		logger:      logger,
	}, nil
}

// Publish validates evt, ensures its topic on first use and sends it. A
// transport failure that survives the retries is returned as PublishError.
func (p *Publisher) Publish(ctx context.Context, evt *events.IntegrationEvent) error {
	reg, err := p.validate(evt)
	if err != nil {
		return err
	}
	topic, err := p.registry.TopicFor(reg.Kind)
	if err != nil {
		return &errspkg.InvalidEventError{Reason: "kind has no topic", Err: err}
	}
	fail := func(err error) error {
		return &errspkg.PublishError{Topic: topic, Kind: reg.Kind, EventID: evt.ID, Err: err}
	}

	if err := p.ensureTopic(ctx, topic); err != nil {
		return fail(err)
	}

	msg, err := NewMessage(reg.Kind, evt)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)

	_, err = retryTransport(ctx, p.delivery, p.logger, "publish "+topic, func() (struct{}, error) {
		err := p.publisher.Publish(topic, msg)
		if errors.Is(err, transport.ErrNotFound) {
			// The topic vanished after it was ensured; the next publish ensures it again.
			p.topics.Delete(topic)
			return struct{}{}, permanent(err)
		}
		return struct{}{}, err
	})
	if err != nil {
		p.logger.Error("Publish failed", err, loggingpkg.EventFields(topic, reg.Kind, evt.ID))
		return fail(err)
	}
	p.logger.Debug("Event published", loggingpkg.EventFields(topic, reg.Kind, evt.ID))
	return nil
}

func (p *Publisher) validate(evt *events.IntegrationEvent) (events.Registration, error) {
	if evt == nil {
		return events.Registration{}, &errspkg.InvalidEventError{Reason: "event is nil"}
	}
	if evt.ID == "" {
		return events.Registration{}, &errspkg.InvalidEventError{Reason: "event id is empty"}
	}
	if evt.Payload == nil {
		return events.Registration{}, &errspkg.InvalidEventError{Reason: "payload is nil"}
	}
	kind := evt.Kind
	if kind == "" {
		k, err := p.registry.KindOf(evt.Payload)
		if err != nil {
			return events.Registration{}, &errspkg.InvalidEventError{Reason: "kind is empty and payload type is not registered", Err: err}
		}
		kind = k
	}
	reg, err := p.registry.Resolve(kind)
	if err != nil {
		return events.Registration{}, &errspkg.InvalidEventError{Reason: "kind is not registered", Err: err}
	}
	typ := reflect.TypeOf(evt.Payload)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ != reg.PayloadType {
		return events.Registration{}, &errspkg.InvalidEventError{
			Reason: fmt.Sprintf("payload %s does not match kind %q (%s)", typ, kind, reg.PayloadType),
		}
	}
	return reg, nil
}

func (p *Publisher) ensureTopic(ctx context.Context, topic string) error {
	if p.provisioner == nil {
		return nil
	}
	v, _ := p.topics.LoadOrStore(topic, &topicGate{})
	gate := v.(*topicGate)
	if gate.ready.Load() {
		return nil
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.ready.Load() {
		return nil
	}
	if err := p.provisioner.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	gate.ready.Store(true)
	return nil
}

// NewMessage encodes evt as a watermill message carrying the routing and
// dedup headers. The message UUID is the event id.
func NewMessage(kind string, evt *events.IntegrationEvent) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(evt.Payload)
	if err != nil {
		return nil, &errspkg.InvalidEventError{Reason: "payload cannot be encoded", Err: err}
	}
	occurredAt := evt.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyID, evt.ID,
		metadatapkg.KeyKind, kind,
		metadatapkg.KeyOccurredAt, occurredAt.UTC().Format(time.RFC3339Nano),
		metadatapkg.KeyCorrelationID, idspkg.CreateULID(),
	))
	return msg, nil
}

// PublishPayload publishes payload as a new event of the kind registered for T.
func PublishPayload[T any](ctx context.Context, p *Publisher, payload T) error {
	kind, err := p.registry.KindOf(payload)
	if err != nil {
		return &errspkg.InvalidEventError{Reason: "payload type is not registered", Err: err}
	}
	return p.Publish(ctx, events.New(kind, payload))
}
