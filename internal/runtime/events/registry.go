package events

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	jsoncodec "github.com/kacey90/horseback/internal/runtime/jsoncodec"
	"github.com/kacey90/horseback/transport"
)

// Registration binds one event kind to its payload type and topic.
type Registration struct {
	Kind        string
	PayloadType reflect.Type
	// Topic is the topic given at registration time. Empty means the registry default.
	Topic    string
	RuleName string
}

// New allocates a zero payload and returns a pointer to it.
func (r Registration) New() any {
	return reflect.New(r.PayloadType).Interface()
}

// Decode unmarshals data into a freshly allocated payload of the registered type.
func (r Registration) Decode(data []byte) (any, error) {
	target := r.New()
	if err := jsoncodec.Unmarshal(data, target); err != nil {
		return nil, &errspkg.DeserializationError{Kind: r.Kind, Err: err}
	}
	return target, nil
}

// Registry maps event kinds to registrations. Registration happens during
// setup; Close ends that phase and the registry is read-only afterwards.
type Registry struct {
	defaultTopic string

	mu     sync.RWMutex
	byKind map[string]Registration
	byType map[reflect.Type]string
	closed atomic.Bool
}

// NewRegistry creates an empty registry. Kinds registered without a topic are
// routed to defaultTopic.
func NewRegistry(defaultTopic string) *Registry {
	return &Registry{
		defaultTopic: defaultTopic,
		byKind:       make(map[string]Registration),
		byType:       make(map[reflect.Type]string),
	}
}

// Register adds kind with the given payload type. A pointer type is reduced to
// its element; the element must be a struct.
func (r *Registry) Register(kind string, payloadType reflect.Type, topic string) error {
	if kind == "" {
		return errspkg.ErrKindRequired
	}
	if payloadType == nil {
		return errspkg.ErrPayloadTypeRequired
	}
	if payloadType.Kind() == reflect.Ptr {
		payloadType = payloadType.Elem()
	}
	if payloadType.Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s", errspkg.ErrPayloadStructNeeded, payloadType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return errspkg.ErrRegistryClosed
	}
	if _, exists := r.byKind[kind]; exists {
		return &errspkg.DuplicateRegistrationError{Kind: kind}
	}

	r.byKind[kind] = Registration{
		Kind:        kind,
		PayloadType: payloadType,
		Topic:       topic,
		RuleName:    transport.RuleName(kind),
	}
	if _, taken := r.byType[payloadType]; !taken {
		r.byType[payloadType] = kind
	}
	return nil
}

// RegisterKind registers T under kind. T may be a struct or a pointer to one.
func RegisterKind[T any](r *Registry, kind, topic string) error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	return r.Register(kind, typ, topic)
}

// Close ends the registration phase.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed.Store(true)
	r.mu.Unlock()
}

// Closed reports whether the registration phase is over.
func (r *Registry) Closed() bool {
	return r.closed.Load()
}

// DefaultTopic returns the topic used for kinds registered without one.
func (r *Registry) DefaultTopic() string {
	return r.defaultTopic
}

func (r *Registry) read(fn func()) {
	if r.closed.Load() {
		fn()
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn()
}

// Resolve returns the registration for kind.
func (r *Registry) Resolve(kind string) (Registration, error) {
	var (
		reg Registration
		ok  bool
	)
	r.read(func() { reg, ok = r.byKind[kind] })
	if !ok {
		return Registration{}, &errspkg.UnknownKindError{Kind: kind}
	}
	return reg, nil
}

// TopicFor returns the topic kind publishes to.
func (r *Registry) TopicFor(kind string) (string, error) {
	reg, err := r.Resolve(kind)
	if err != nil {
		return "", err
	}
	return r.topicOf(reg), nil
}

func (r *Registry) topicOf(reg Registration) string {
	if reg.Topic == "" {
		return r.defaultTopic
	}
	return reg.Topic
}

// KindOf returns the kind first registered for the payload's type.
func (r *Registry) KindOf(payload any) (string, error) {
	typ := reflect.TypeOf(payload)
	if typ == nil {
		return "", errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	var (
		kind string
		ok   bool
	)
	r.read(func() { kind, ok = r.byType[typ] })
	if !ok {
		return "", &errspkg.UnknownKindError{Kind: typ.String()}
	}
	return kind, nil
}

// KindsForTopic returns the sorted kinds routed to topic.
func (r *Registry) KindsForTopic(topic string) []string {
	var kinds []string
	r.read(func() {
		for kind, reg := range r.byKind {
			if r.topicOf(reg) == topic {
				kinds = append(kinds, kind)
			}
		}
	})
	sort.Strings(kinds)
	return kinds
}

// Topics returns the sorted set of topics that have at least one kind.
func (r *Registry) Topics() []string {
	seen := make(map[string]struct{})
	r.read(func() {
		for _, reg := range r.byKind {
			seen[r.topicOf(reg)] = struct{}{}
		}
	})
	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Kinds returns every registered kind, sorted.
func (r *Registry) Kinds() []string {
	var kinds []string
	r.read(func() {
		for kind := range r.byKind {
			kinds = append(kinds, kind)
		}
	})
	sort.Strings(kinds)
	return kinds
}
