// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/kacey90/horseback/transport/aws"
	_ "github.com/kacey90/horseback/transport/jetstream"
	_ "github.com/kacey90/horseback/transport/kafka"
	_ "github.com/kacey90/horseback/transport/memory"
	_ "github.com/kacey90/horseback/transport/nats"
	_ "github.com/kacey90/horseback/transport/postgres"
	_ "github.com/kacey90/horseback/transport/rabbitmq"
	_ "github.com/kacey90/horseback/transport/sqlite"
)
