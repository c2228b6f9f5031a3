// Package events holds the IntegrationEvent envelope and the registry that maps
// event kinds to payload types and topics.
package events

import (
	"time"

	idspkg "github.com/kacey90/horseback/internal/runtime/ids"
)

// IntegrationEvent is the envelope published on the bus. ID is the dedup key
// and must stay stable across retries and redelivery.
type IntegrationEvent struct {
	ID         string
	OccurredAt time.Time
	Kind       string
	Payload    any
}

// New creates an event with a fresh id and a UTC timestamp.
func New(kind string, payload any) *IntegrationEvent {
	return &IntegrationEvent{
		ID:         idspkg.NewEventID(),
		OccurredAt: time.Now().UTC(),
		Kind:       kind,
		Payload:    payload,
	}
}

// WithID returns a copy of the event carrying the supplied id. Useful when the
// id comes from an upstream system.
func (e IntegrationEvent) WithID(id string) *IntegrationEvent {
	e.ID = id
	return &e
}
