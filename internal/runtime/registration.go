package runtime

import (
	"fmt"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	"github.com/kacey90/horseback/internal/runtime/events"
	handlerpkg "github.com/kacey90/horseback/internal/runtime/handlers"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
)

// RegisterEvent registers T under kind on the bus registry. An empty topic
// routes the kind to the configured default topic.
func RegisterEvent[T any](b *Bus, kind, topic string) error {
	if b == nil {
		return errspkg.ErrConfigRequired
	}
	return events.RegisterKind[T](b.registry, kind, topic)
}

// AddHandler appends h to the handlers of kind. The kind must be registered.
func (b *Bus) AddHandler(kind string, h handlerpkg.Handler) error {
	if _, err := b.registry.Resolve(kind); err != nil {
		return err
	}
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		return errspkg.ErrBusStarted
	}
	if err := b.handlers.Add(kind, h); err != nil {
		return err
	}
	b.Logger.Debug("Handler added", loggingpkg.LogFields{loggingpkg.FieldKind: kind, loggingpkg.FieldHandler: h.Name()})
	return nil
}

// RegisterHandler adds a typed handler for the kind T is registered under.
func RegisterHandler[T any](b *Bus, name string, fn handlerpkg.TypedFunc[T]) error {
	if b == nil {
		return errspkg.ErrConfigRequired
	}
	kind, err := b.registry.KindOf((*T)(nil))
	if err != nil {
		return fmt.Errorf("register handler %q: %w", name, err)
	}
	h, err := handlerpkg.Typed[T](name, fn)
	if err != nil {
		return err
	}
	return b.AddHandler(kind, h)
}

// RegisterKindHandler adds an untyped handler for kind.
func RegisterKindHandler(b *Bus, kind, name string, fn handlerpkg.HandlerFunc) error {
	if b == nil {
		return errspkg.ErrConfigRequired
	}
	h, err := handlerpkg.New(name, fn)
	if err != nil {
		return err
	}
	return b.AddHandler(kind, h)
}
