package handlers

import metadatapkg "github.com/kacey90/horseback/internal/runtime/metadata"

// Metadata keys readable from a handler's message context. The first four are
// stamped by the publisher; the rest are added on the consuming side.
const (
	MetadataKeyID            = metadatapkg.KeyID
	MetadataKeyKind          = metadatapkg.KeyKind
	MetadataKeyOccurredAt    = metadatapkg.KeyOccurredAt
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID

	// MetadataKeyTopic and MetadataKeySubscription name where the message was consumed.
	MetadataKeyTopic        = "horseback_topic"
	MetadataKeySubscription = "horseback_subscription"

	// MetadataKeyHandler names the handler a message is dispatched to, for hooks.
	MetadataKeyHandler = "horseback_handler"

	// MetadataKeyQueueDepth is an optional broker hint of the backlog behind a message.
	MetadataKeyQueueDepth = "horseback_queue_depth"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"
)
