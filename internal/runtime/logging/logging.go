// Package logging defines the structured logger shared by the bus, its
// consumers and the watermill router underneath them.
package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// Field keys carried by bus log lines.
const (
	FieldEventID      = "event_id"
	FieldKind         = "kind"
	FieldTopic        = "topic"
	FieldSubscription = "subscription"
	FieldMessageUUID  = "message_uuid"
	FieldHandler      = "handler"
)

// LogFields are structured key/value pairs with snake_case keys.
type LogFields map[string]any

// SubscriptionFields identifies the consumer of a subscription.
func SubscriptionFields(topic, subscription string) LogFields {
	return LogFields{FieldTopic: topic, FieldSubscription: subscription}
}

// EventFields identifies one event published to or received from topic.
func EventFields(topic, kind, eventID string) LogFields {
	fields := LogFields{FieldKind: kind}
	if topic != "" {
		fields[FieldTopic] = topic
	}
	if eventID != "" {
		fields[FieldEventID] = eventID
	}
	return fields
}

// ServiceLogger is the logging contract of the bus and its subscribers. Its
// method set mirrors watermill.LoggerAdapter so one backend serves both.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger logs through log. Trace lines go to watermill.LevelTrace,
// below slog.LevelDebug.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("horseback: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLogger(log))
}

// NewWatermillServiceLogger logs through a watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("horseback: watermill logger cannot be nil")
	}
	return busLogger{backend: logger}
}

// NewNopServiceLogger discards everything.
func NewNopServiceLogger() ServiceLogger {
	return busLogger{backend: watermill.NopLogger{}}
}

// NewWatermillAdapter hands log to the router and the transports. A logger
// built by this package passes its backend through unwrapped.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("horseback: ServiceLogger cannot be nil")
	}
	if bl, ok := log.(busLogger); ok {
		return bl.backend
	}
	return routerLogger{log: log}
}

// busLogger is a ServiceLogger over a watermill backend.
type busLogger struct {
	backend watermill.LoggerAdapter
}

func (l busLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return busLogger{backend: l.backend.With(watermill.LogFields(fields))}
}

func (l busLogger) Debug(msg string, fields LogFields) {
	l.backend.Debug(msg, watermill.LogFields(fields))
}

func (l busLogger) Info(msg string, fields LogFields) {
	l.backend.Info(msg, watermill.LogFields(fields))
}

func (l busLogger) Error(msg string, err error, fields LogFields) {
	l.backend.Error(msg, err, watermill.LogFields(fields))
}

func (l busLogger) Trace(msg string, fields LogFields) {
	l.backend.Trace(msg, watermill.LogFields(fields))
}

// routerLogger adapts a caller-supplied ServiceLogger to watermill.
type routerLogger struct {
	log ServiceLogger
}

func (r routerLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.log.Error(msg, err, LogFields(fields))
}

func (r routerLogger) Info(msg string, fields watermill.LogFields) {
	r.log.Info(msg, LogFields(fields))
}

func (r routerLogger) Debug(msg string, fields watermill.LogFields) {
	r.log.Debug(msg, LogFields(fields))
}

func (r routerLogger) Trace(msg string, fields watermill.LogFields) {
	r.log.Trace(msg, LogFields(fields))
}

func (r routerLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	if len(fields) == 0 {
		return r
	}
	return routerLogger{log: r.log.With(LogFields(fields))}
}
