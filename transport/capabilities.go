package transport

// Capabilities describes what a broker backend can do for routing and delivery.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsNativeRules indicates the broker evaluates subscription rules itself.
	// When false, rules are kept in-process and non-matching messages are
	// completed by the subscriber without dispatch.
	SupportsNativeRules bool

	// SupportsTopicAdmin indicates topics and subscriptions can be created and
	// inspected. Brokers without it create them implicitly on first use.
	SupportsTopicAdmin bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport redelivers abandoned messages.
	SupportsNack bool

	// SupportsCompetingConsumers indicates concurrent Subscribe calls on one
	// subscription share its messages.
	SupportsCompetingConsumers bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresRuleEmulation returns true if rules must be evaluated in-process.
func (c Capabilities) RequiresRuleEmulation() bool {
	return !c.SupportsNativeRules
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the bundled transports.
var (
	MemoryCapabilities = Capabilities{
		Name:                       "memory",
		SupportsNativeRules:        true,
		SupportsTopicAdmin:         true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
	}

	SQLiteCapabilities = Capabilities{
		Name:                       "sqlite",
		SupportsNativeRules:        true,
		SupportsTopicAdmin:         true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
	}

	PostgresCapabilities = Capabilities{
		Name:                       "postgres",
		SupportsNativeRules:        true,
		SupportsTopicAdmin:         true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
	}

	// RabbitMQ routes with a headers exchange; bindings are the rules.
	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsNativeRules:        true,
		SupportsTopicAdmin:         true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
	}

	// AWS routes with an SNS subscription filter policy.
	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsNativeRules:        true,
		SupportsTopicAdmin:         true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             262144, // 256KB
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	// NATS core has no redelivery; abandoned messages are lost.
	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576, // Default 1MB
	}

	// JetStream routes with consumer filter subjects.
	JetStreamCapabilities = Capabilities{
		Name:                       "jetstream",
		SupportsNativeRules:        true,
		SupportsTopicAdmin:         true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576, // Default 1MB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
