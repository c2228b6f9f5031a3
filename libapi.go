package horseback

import (
	"context"

	runtimepkg "github.com/kacey90/horseback/internal/runtime"
	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	"github.com/kacey90/horseback/internal/runtime/events"
	handlerpkg "github.com/kacey90/horseback/internal/runtime/handlers"
	idspkg "github.com/kacey90/horseback/internal/runtime/ids"
	"github.com/kacey90/horseback/internal/runtime/inbox"
	jsoncodec "github.com/kacey90/horseback/internal/runtime/jsoncodec"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
	metadatapkg "github.com/kacey90/horseback/internal/runtime/metadata"
	transportpkg "github.com/kacey90/horseback/internal/runtime/transport"
	brokers "github.com/kacey90/horseback/transport"
)

type (
	Config   = configpkg.Config
	Delivery = configpkg.Delivery
	Inbox    = configpkg.Inbox

	Bus              = runtimepkg.Bus
	BusDependencies  = runtimepkg.BusDependencies
	Subscription     = runtimepkg.Subscription
	SubscriptionInfo = runtimepkg.SubscriptionInfo
	Publisher        = runtimepkg.Publisher
	Provisioner      = runtimepkg.Provisioner

	IntegrationEvent = events.IntegrationEvent
	Registry         = events.Registry
	Registration     = events.Registration

	Handler             = handlerpkg.Handler
	HandlerFunc         = handlerpkg.HandlerFunc
	HandlerTable        = handlerpkg.Table
	Message             = handlerpkg.Message
	MessageContextBase  = handlerpkg.MessageContextBase
	TypedMessage[T any] = handlerpkg.TypedMessage[T]
	TypedFunc[T any]    = handlerpkg.TypedFunc[T]

	Deduplicator = inbox.Deduplicator
	InboxRecord  = inbox.Record
	InboxOutcome = inbox.Outcome
	InboxStore   = inbox.Store
	InboxLeaser  = inbox.Leaser

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Delivery metrics
	DeliveryMetrics         = runtimepkg.DeliveryMetrics
	KindMetrics             = runtimepkg.KindMetrics
	DeliveryMetricsSnapshot = runtimepkg.DeliveryMetricsSnapshot
	SubscriptionStats       = runtimepkg.SubscriptionStats

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Typed errors
	ConfigValidationError      = errspkg.ConfigValidationError
	DuplicateRegistrationError = errspkg.DuplicateRegistrationError
	UnknownKindError           = errspkg.UnknownKindError
	InvalidEventError          = errspkg.InvalidEventError
	DeserializationError       = errspkg.DeserializationError
	ProvisioningError          = errspkg.ProvisioningError
	DedupStorageError          = errspkg.DedupStorageError
	HandlerError               = errspkg.HandlerError
	PublishError               = errspkg.PublishError

	TransportFactory = transportpkg.Factory

	// Broker transports
	Transport             = brokers.Transport
	TransportBuilder      = brokers.Builder
	TransportConfig       = brokers.Config
	TransportRegistry     = brokers.Registry
	TransportCapabilities = brokers.Capabilities
	TransportAdmin        = brokers.Admin
	Rule                  = brokers.Rule
)

var (
	NewBus           = runtimepkg.NewBus
	SubscriptionName = runtimepkg.SubscriptionName
	NewMessage       = runtimepkg.NewMessage

	LoadConfig      = configpkg.Load
	LoadConfigEnv   = configpkg.LoadEnv
	ValidateConfig  = configpkg.ValidateConfig
	DefaultDelivery = configpkg.DefaultDelivery

	NewEvent    = events.New
	NewRegistry = events.NewRegistry

	NewHandler      = handlerpkg.New
	NewHandlerTable = handlerpkg.NewTable

	OpenInbox      = inbox.Open
	NewSQLInbox    = inbox.NewSQLStore
	NewRedisInbox  = inbox.NewRedisStore
	InboxDialect   = inbox.DialectFor
	InboxDialects  = inbox.Dialects
	ErrInboxRecord = inbox.ErrRecordNotFound

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewDeliveryMetrics = runtimepkg.NewDeliveryMetrics

	DefaultTransportFactory = transportpkg.DefaultFactory
	StaticTransport         = transportpkg.Static

	DefaultTransportRegistry = brokers.DefaultRegistry
	RegisterTransport        = brokers.Register
	BuildTransport           = brokers.Build
	GetCapabilities          = brokers.GetCapabilities
	KindRule                 = brokers.KindRule

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrRegistryRequired      = errspkg.ErrRegistryRequired
	ErrRegistryClosed        = errspkg.ErrRegistryClosed
	ErrKindRequired          = errspkg.ErrKindRequired
	ErrPayloadTypeRequired   = errspkg.ErrPayloadTypeRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired   = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrInboxRequired         = errspkg.ErrInboxRequired
	ErrAdminRequired         = errspkg.ErrAdminRequired
	ErrBusStarted            = errspkg.ErrBusStarted
	ErrBusClosed             = errspkg.ErrBusClosed
	ErrInProgress            = errspkg.ErrInProgress
	ErrClaimLost             = errspkg.ErrClaimLost
	ErrDuplicateRegistration = errspkg.ErrDuplicateRegistration
	ErrUnknownKind           = errspkg.ErrUnknownKind
	ErrInvalidEvent          = errspkg.ErrInvalidEvent
	ErrDeserialization       = errspkg.ErrDeserialization
	ErrProvisioning          = errspkg.ErrProvisioning
	ErrDedupStorage          = errspkg.ErrDedupStorage
	ErrHandler               = errspkg.ErrHandler
	ErrPublish               = errspkg.ErrPublish

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger
	NewWatermillLogger        = loggingpkg.NewWatermillAdapter
	SubscriptionLogFields     = loggingpkg.SubscriptionFields
	EventLogFields            = loggingpkg.EventFields

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewEventID = idspkg.NewEventID
)

// Metadata keys stamped on every published event and added while consuming.
const (
	MetadataKeyID            = handlerpkg.MetadataKeyID
	MetadataKeyKind          = handlerpkg.MetadataKeyKind
	MetadataKeyOccurredAt    = handlerpkg.MetadataKeyOccurredAt
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyTopic         = handlerpkg.MetadataKeyTopic
	MetadataKeySubscription  = handlerpkg.MetadataKeySubscription
	MetadataKeyHandler       = handlerpkg.MetadataKeyHandler
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
)

const (
	InboxOutcomeNew              = inbox.OutcomeNew
	InboxOutcomeAlreadyProcessed = inbox.OutcomeAlreadyProcessed
	InboxOutcomeInProgress       = inbox.OutcomeInProgress
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// RegisterEvent binds kind to the payload type T. An empty topic routes the
// kind to the configured default topic.
func RegisterEvent[T any](b *Bus, kind, topic string) error {
	return runtimepkg.RegisterEvent[T](b, kind, topic)
}

// RegisterHandler appends a typed handler to the kind registered for T.
func RegisterHandler[T any](b *Bus, name string, fn TypedFunc[T]) error {
	return runtimepkg.RegisterHandler[T](b, name, fn)
}

// RegisterKindHandler appends an untyped handler to kind.
func RegisterKindHandler(b *Bus, kind, name string, fn HandlerFunc) error {
	return runtimepkg.RegisterKindHandler(b, kind, name, fn)
}

// Publish wraps payload in a fresh event of the kind registered for T.
func Publish[T any](ctx context.Context, b *Bus, payload T) error {
	return runtimepkg.PublishPayload(ctx, b.Publisher(), payload)
}

// NewTypedHandler builds a named handler decoding payloads as T.
func NewTypedHandler[T any](name string, fn TypedFunc[T]) (Handler, error) {
	return handlerpkg.Typed[T](name, fn)
}

func RegisterKind[T any](r *Registry, kind, topic string) error {
	return events.RegisterKind[T](r, kind, topic)
}
