package handlers

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	"github.com/kacey90/horseback/internal/runtime/events"
)

// Handler processes one decoded event. Handlers must tolerate being invoked
// again for an event whose earlier dispatch failed.
type Handler interface {
	Name() string
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc is the untyped handler signature.
type HandlerFunc func(ctx context.Context, msg Message) error

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, msg Message) error { return h.fn(ctx, msg) }

// New wraps fn as a named handler.
func New(name string, fn HandlerFunc) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if name == "" {
		return nil, errspkg.ErrHandlerNameRequired
	}
	return funcHandler{name: name, fn: fn}, nil
}

// TypedMessage carries the payload decoded into its registered type.
type TypedMessage[T any] struct {
	MessageContextBase
	Event   *events.IntegrationEvent
	Payload *T
}

// TypedFunc handles events whose payload is a *T.
type TypedFunc[T any] func(ctx context.Context, msg TypedMessage[T]) error

// Typed adapts fn to Handler. T must be a struct type; an empty name is
// derived from T.
func Typed[T any](name string, fn TypedFunc[T]) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrPayloadStructNeeded, typ)
	}
	if name == "" {
		name = typ.String() + "-Handler"
	}
	return funcHandler{name: name, fn: func(ctx context.Context, msg Message) error {
		payload, ok := msg.Event.Payload.(*T)
		if !ok {
			return fmt.Errorf("handler %q expects *%s, got %T", name, typ, msg.Event.Payload)
		}
		return fn(ctx, TypedMessage[T]{
			MessageContextBase: msg.MessageContextBase,
			Event:              msg.Event,
			Payload:            payload,
		})
	}}, nil
}

// PayloadType reports the payload type a typed handler expects.
func PayloadType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
