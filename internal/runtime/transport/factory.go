// Package transport builds the broker transport a Bus runs on.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/kacey90/horseback/internal/runtime/config"
	brokers "github.com/kacey90/horseback/transport"

	// Registers every bundled broker adapter.
	_ "github.com/kacey90/horseback/transport/transports"
)

// ErrConfigRequired is returned when Build is called without configuration.
var ErrConfigRequired = errors.New("transport: config is required")

// Factory abstracts how a Bus obtains its transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error) {
	return f(ctx, conf, logger)
}

// Static returns a factory that always hands out t. Useful when the caller
// owns the broker, as tests with an in-process broker do.
func Static(t brokers.Transport) Factory {
	return FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (brokers.Transport, error) {
		return t, nil
	})
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{registry: brokers.DefaultRegistry}
}

type defaultFactory struct {
	registry *brokers.Registry
}

func (f defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (brokers.Transport, error) {
	if conf == nil {
		return brokers.Transport{}, ErrConfigRequired
	}
	t, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return brokers.Transport{}, err
	}
	if t.Admin == nil {
		_ = t.Close()
		return brokers.Transport{}, errors.New("transport: " + conf.PubSubSystem + " provides no administration")
	}
	return t, nil
}
