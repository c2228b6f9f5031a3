package handlers

import (
	"github.com/kacey90/horseback/internal/runtime/events"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
	metadatapkg "github.com/kacey90/horseback/internal/runtime/metadata"
)

// MessageContextBase holds what every handler sees besides its payload.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy handlers may mutate.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[MetadataKeyCorrelationID]
}

// Topic returns the topic the message was consumed from.
func (b MessageContextBase) Topic() string {
	return b.Metadata[MetadataKeyTopic]
}

// Subscription returns the subscription the message was consumed through.
func (b MessageContextBase) Subscription() string {
	return b.Metadata[MetadataKeySubscription]
}

// Message is a decoded event on its way to the handlers of its kind.
type Message struct {
	MessageContextBase
	Event *events.IntegrationEvent
}
