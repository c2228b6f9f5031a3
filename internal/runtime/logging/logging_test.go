package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(level slog.Level) (ServiceLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})
	return NewSlogServiceLogger(slog.New(handler)), &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		out = append(out, line)
	}
	return out
}

func TestSubscriptionFields(t *testing.T) {
	assert.Equal(t, LogFields{
		"topic":        "orders",
		"subscription": "orders_billing_subscription",
	}, SubscriptionFields("orders", "orders_billing_subscription"))
}

func TestEventFields(t *testing.T) {
	assert.Equal(t, LogFields{
		"topic":    "orders",
		"kind":     "OrderSent",
		"event_id": "evt-1",
	}, EventFields("orders", "OrderSent", "evt-1"))
	assert.Equal(t, LogFields{"kind": "OrderSent"}, EventFields("", "OrderSent", ""))
}

func TestConsumerFieldsAccumulateThroughWith(t *testing.T) {
	logger, buf := newJSONLogger(slog.LevelDebug)

	sub := logger.With(SubscriptionFields("orders", "orders_billing_subscription"))
	msg := sub.With(LogFields{FieldKind: "OrderSent", FieldMessageUUID: "uuid-1"})
	evt := msg.With(LogFields{FieldEventID: "evt-1"})

	evt.Debug("Duplicate delivery, completing without dispatch", nil)
	sub.Info("Subscription started", nil)

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "DEBUG", got[0]["level"])
	assert.Equal(t, "orders", got[0]["topic"])
	assert.Equal(t, "orders_billing_subscription", got[0]["subscription"])
	assert.Equal(t, "OrderSent", got[0]["kind"])
	assert.Equal(t, "uuid-1", got[0]["message_uuid"])
	assert.Equal(t, "evt-1", got[0]["event_id"])

	assert.Equal(t, "orders", got[1]["topic"])
	assert.NotContains(t, got[1], "event_id", "child fields never leak into the parent")
	assert.NotContains(t, got[1], "kind")
}

func TestErrorCarriesEventFields(t *testing.T) {
	logger, buf := newJSONLogger(slog.LevelInfo)

	logger.Error("Handler failed, abandoning message", errors.New("smtp down"), EventFields("orders", "OrderSent", "evt-1"))

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "ERROR", got[0]["level"])
	assert.Equal(t, "Handler failed, abandoning message", got[0]["msg"])
	assert.Equal(t, "smtp down", got[0]["error"])
	assert.Equal(t, "evt-1", got[0]["event_id"])
}

func TestTraceSitsBelowDebug(t *testing.T) {
	logger, buf := newJSONLogger(slog.LevelDebug)

	logger.Trace("Message filtered out by subscription rules", LogFields{FieldKind: "OrderSent"})
	assert.Empty(t, buf.String())

	traced, buf := newJSONLogger(watermill.LevelTrace)
	traced.Trace("Message filtered out by subscription rules", LogFields{FieldKind: "OrderSent"})
	require.Len(t, lines(t, buf), 1)
}

func TestWithoutFieldsReturnsSameLogger(t *testing.T) {
	logger, _ := newJSONLogger(slog.LevelInfo)
	assert.Equal(t, logger, logger.With(nil))
}

func TestWatermillAdapterUnwrapsBusLogger(t *testing.T) {
	logger, buf := newJSONLogger(slog.LevelInfo)
	sub := logger.With(SubscriptionFields("orders", "orders_billing_subscription"))

	adapter := NewWatermillAdapter(sub)
	_, wrapped := adapter.(routerLogger)
	assert.False(t, wrapped)

	adapter.With(watermill.LogFields{"handler_name": "orders_billing_subscription#0"}).
		Info("Adding handler", nil)

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "orders_billing_subscription", got[0]["subscription"])
	assert.Equal(t, "orders_billing_subscription#0", got[0]["handler_name"])
}

func TestWatermillAdapterWrapsForeignLogger(t *testing.T) {
	rec := &recordingLogger{}
	adapter := NewWatermillAdapter(rec)

	adapter.With(watermill.LogFields{FieldSubscription: "orders_billing_subscription"}).
		Error("Handler returned error", errors.New("smtp down"), watermill.LogFields{FieldEventID: "evt-1"})
	adapter.Debug("Starting handler", nil)
	adapter.Trace("Message routed", watermill.LogFields{FieldTopic: "orders"})
	adapter.Info("All handlers started", nil)

	require.Len(t, rec.entries, 4)
	assert.Equal(t, "error", rec.entries[0].level)
	assert.Equal(t, "orders_billing_subscription", rec.entries[0].fields[FieldSubscription])
	assert.Equal(t, "evt-1", rec.entries[0].fields[FieldEventID])
	assert.EqualError(t, rec.entries[0].err, "smtp down")
	assert.Equal(t, []string{"error", "debug", "trace", "info"}, rec.levels())
	assert.Equal(t, "orders", rec.entries[2].fields[FieldTopic])
}

func TestNopServiceLoggerDiscards(t *testing.T) {
	logger := NewNopServiceLogger()
	assert.NotPanics(t, func() {
		logger.With(EventFields("orders", "OrderSent", "evt-1")).Info("ignored", nil)
		logger.Error("ignored", errors.New("boom"), nil)
	})
	assert.IsType(t, watermill.NopLogger{}, NewWatermillAdapter(logger))
}

func TestConstructorsRejectNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

type recordedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

// recordingLogger is a ServiceLogger from outside this package. Children
// share the parent's entries and merge fields.
type recordingLogger struct {
	entries []recordedEntry
	sink    *[]recordedEntry
	fields  LogFields
}

func (r *recordingLogger) add(level, msg string, err error, fields LogFields) {
	if r.sink == nil {
		r.sink = &r.entries
	}
	merged := LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	*r.sink = append(*r.sink, recordedEntry{level: level, msg: msg, fields: merged, err: err})
}

func (r *recordingLogger) levels() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.level)
	}
	return out
}

func (r *recordingLogger) With(fields LogFields) ServiceLogger {
	if r.sink == nil {
		r.sink = &r.entries
	}
	merged := LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{sink: r.sink, fields: merged}
}

func (r *recordingLogger) Debug(msg string, fields LogFields) { r.add("debug", msg, nil, fields) }

func (r *recordingLogger) Info(msg string, fields LogFields) { r.add("info", msg, nil, fields) }

func (r *recordingLogger) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, err, fields)
}

func (r *recordingLogger) Trace(msg string, fields LogFields) { r.add("trace", msg, nil, fields) }
