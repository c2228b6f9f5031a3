package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("horseback: configuration is required")
	ErrLoggerRequired       = sterrors.New("horseback: logger is required")
	ErrRegistryRequired     = sterrors.New("horseback: event type registry is required")
	ErrRegistryClosed       = sterrors.New("horseback: event type registry is closed")
	ErrKindRequired         = sterrors.New("horseback: event kind is required")
	ErrPayloadTypeRequired  = sterrors.New("horseback: payload type is required")
	ErrPayloadStructNeeded  = sterrors.New("horseback: payload type must be a struct")
	ErrHandlerRequired      = sterrors.New("horseback: handler function is required")
	ErrHandlerNameRequired  = sterrors.New("horseback: handler name is required")
	ErrPublisherRequired    = sterrors.New("horseback: publisher is required")
	ErrTopicRequired        = sterrors.New("horseback: topic is required")
	ErrSubscriptionRequired = sterrors.New("horseback: subscription name is required")
	ErrInboxRequired        = sterrors.New("horseback: inbox deduplicator is required")
	ErrAdminRequired        = sterrors.New("horseback: transport administration is required")
	ErrNotProvisioned       = sterrors.New("horseback: subscriptions are not provisioned")
	ErrBusStarted           = sterrors.New("horseback: bus already started")
	ErrBusClosed            = sterrors.New("horseback: bus is closed")

	// ErrInProgress abandons a delivery whose id another consumer currently holds.
	ErrInProgress = sterrors.New("horseback: event is being processed by another consumer")
	// ErrClaimLost means another consumer took the inbox claim over after its lease ran out.
	ErrClaimLost = sterrors.New("horseback: inbox claim lost to another consumer")

	// Sentinels wrapped by the typed errors below so callers can match with errors.Is.
	ErrDuplicateRegistration = sterrors.New("horseback: event kind already registered")
	ErrUnknownKind           = sterrors.New("horseback: unknown event kind")
	ErrInvalidEvent          = sterrors.New("horseback: invalid event")
	ErrDeserialization       = sterrors.New("horseback: payload deserialization failed")
	ErrProvisioning          = sterrors.New("horseback: provisioning failed")
	ErrDedupStorage          = sterrors.New("horseback: inbox storage failed")
	ErrHandler               = sterrors.New("horseback: handler failed")
	ErrPublish               = sterrors.New("horseback: publish failed")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "horseback: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// DuplicateRegistrationError is returned when a kind is registered twice.
type DuplicateRegistrationError struct {
	Kind string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateRegistration, e.Kind)
}

func (e *DuplicateRegistrationError) Is(target error) bool {
	return target == ErrDuplicateRegistration
}

// UnknownKindError is returned when a kind has no registration.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	if e.Kind == "" {
		return ErrUnknownKind.Error() + ": kind header missing"
	}
	return fmt.Sprintf("%s: %q", ErrUnknownKind, e.Kind)
}

func (e *UnknownKindError) Is(target error) bool {
	return target == ErrUnknownKind
}

// InvalidEventError rejects an event before it reaches the transport.
type InvalidEventError struct {
	Reason string
	Err    error
}

func (e *InvalidEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrInvalidEvent, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidEvent, e.Reason)
}

func (e *InvalidEventError) Is(target error) bool { return target == ErrInvalidEvent }

func (e *InvalidEventError) Unwrap() error { return e.Err }

// DeserializationError reports a payload that does not match its registered type.
type DeserializationError struct {
	Kind string
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("%s: kind %q: %v", ErrDeserialization, e.Kind, e.Err)
}

func (e *DeserializationError) Is(target error) bool { return target == ErrDeserialization }

func (e *DeserializationError) Unwrap() error { return e.Err }

// ProvisioningError reports which provisioning step failed for a subscription.
type ProvisioningError struct {
	Topic        string
	Subscription string
	Step         string
	Err          error
}

func (e *ProvisioningError) Error() string {
	if e.Subscription == "" {
		return fmt.Sprintf("%s: topic %q: %s: %v", ErrProvisioning, e.Topic, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: topic %q subscription %q: %s: %v", ErrProvisioning, e.Topic, e.Subscription, e.Step, e.Err)
}

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }

func (e *ProvisioningError) Unwrap() error { return e.Err }

// DedupStorageError reports an unreachable or failing inbox ledger.
// It must never be read as "processed".
type DedupStorageError struct {
	Op      string
	EventID string
	Err     error
}

func (e *DedupStorageError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrDedupStorage, e.Op, e.EventID, e.Err)
}

func (e *DedupStorageError) Is(target error) bool { return target == ErrDedupStorage }

func (e *DedupStorageError) Unwrap() error { return e.Err }

// HandlerError wraps the first failure returned during dispatch.
type HandlerError struct {
	Kind    string
	Handler string
	EventID string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: handler %q for %s %s: %v", ErrHandler, e.Handler, e.Kind, e.EventID, e.Err)
}

func (e *HandlerError) Is(target error) bool { return target == ErrHandler }

func (e *HandlerError) Unwrap() error { return e.Err }

// PublishError is returned once transport retries are exhausted.
type PublishError struct {
	Topic   string
	Kind    string
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: %s %s to %q: %v", ErrPublish, e.Kind, e.EventID, e.Topic, e.Err)
}

func (e *PublishError) Is(target error) bool { return target == ErrPublish }

func (e *PublishError) Unwrap() error { return e.Err }
