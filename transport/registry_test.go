package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetServiceName() string        { return "test-service" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetSQLiteFile() string         { return "" }
func (m *mockConfig) GetPostgresURL() string        { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

func okBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher: &mockPublisher{},
		Subscribers: SubscriberFactoryFunc(func(topic, subscription string) (message.Subscriber, error) {
			return &chanSubscriber{ch: make(chan *message.Message)}, nil
		}),
		Admin: NewTopology(),
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	caps := Capabilities{Name: "test-transport", SupportsNativeRules: true}

	reg.RegisterWithCapabilities("test-transport", okBuilder, caps)

	assert.True(t, reg.Has("test-transport"))
	assert.Equal(t, caps, reg.GetCapabilities("test-transport"))
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.True(t, caps.RequiresRuleEmulation())
}

func TestRegistry_BuildStampsCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("test-transport", okBuilder, MemoryCapabilities)

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test-transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscribers)
	assert.NotNil(t, tr.Admin)
	assert.Equal(t, MemoryCapabilities, tr.Capabilities)
}

func TestRegistry_BuildErrors(t *testing.T) {
	reg := NewRegistry()
	builderErr := errors.New("builder error")
	reg.Register("failing", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, builderErr
	})

	_, err := reg.Build(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "nope"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport: "nope"`)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "failing"}, nil)
	assert.ErrorIs(t, err, builderErr)
	assert.Contains(t, err.Error(), "build failing transport")
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("sqlite", okBuilder)
	reg.Register("aws", okBuilder)
	reg.Register("memory", okBuilder)

	assert.Equal(t, []string{"aws", "memory", "sqlite"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistration(t *testing.T) {
	RegisterWithCapabilities("test-pkg-transport", okBuilder, NATSCapabilities)

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.Equal(t, NATSCapabilities, GetCapabilities("test-pkg-transport"))

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}
