package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
)

func TestDeliveryMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDeliveryMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordProcessed("orders_billing_subscription", "OrderSent", 5*time.Millisecond)
	m.RecordDuplicate("orders_billing_subscription", "OrderSent")
	m.RecordDuplicate("orders_billing_subscription", "OrderSent")
	m.RecordAbandoned("orders_billing_subscription", "OrderSent", ReasonHandler)

	km := m.Kind("OrderSent")
	require.NotNil(t, km)
	assert.Equal(t, uint64(1), km.Processed)
	assert.Equal(t, uint64(2), km.Duplicates)
	assert.Equal(t, uint64(1), km.Abandoned)
	assert.Equal(t, ReasonHandler, km.LastAbandonReason)
	assert.False(t, km.LastProcessedAt.IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.duplicateTotal.WithLabelValues("orders_billing_subscription", "OrderSent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.abandonedTotal.WithLabelValues("orders_billing_subscription", "OrderSent", ReasonHandler)))
}

func TestDeliveryMetrics_Snapshot(t *testing.T) {
	m := NewDeliveryMetrics(prometheus.NewRegistry())

	m.RecordProcessed("s", "OrderSent", time.Millisecond)
	m.RecordProcessed("s", "OrderCancelled", time.Millisecond)
	m.RecordAbandoned("s", "", ReasonUnknownKind)

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(2), snapshot.TotalProcessed)
	assert.Equal(t, uint64(1), snapshot.TotalAbandoned)
	assert.Len(t, snapshot.Kinds, 3)
	assert.Contains(t, snapshot.Kinds, "unknown")

	snapshot.Kinds["OrderSent"].Processed = 99
	assert.Equal(t, uint64(1), m.Kind("OrderSent").Processed)
}

func TestDeliveryMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewDeliveryMetrics(reg).Register())
	// A second instance on the same registry tolerates the existing collectors.
	require.NoError(t, NewDeliveryMetrics(reg).Register())
}

func TestDeliveryMetrics_Reset(t *testing.T) {
	m := NewDeliveryMetrics(prometheus.NewRegistry())
	m.RecordDuplicate("s", "OrderSent")
	m.Reset()
	assert.Nil(t, m.Kind("OrderSent"))
	assert.Empty(t, m.Snapshot().Kinds)
}

func TestAbandonReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&errspkg.UnknownKindError{Kind: "X"}, ReasonUnknownKind},
		{&errspkg.DeserializationError{Kind: "X", Err: errors.New("bad")}, ReasonDeserialization},
		{&errspkg.InvalidEventError{Reason: "id missing"}, ReasonInvalidEvent},
		{&errspkg.DedupStorageError{Op: "insert", Err: errors.New("down")}, ReasonDedupStorage},
		{fmt.Errorf("evt-1: %w", errspkg.ErrInProgress), ReasonInProgress},
		{fmt.Errorf("mark evt-1: %w", errspkg.ErrClaimLost), ReasonClaimLost},
		{&errspkg.HandlerError{Kind: "X", Handler: "h", Err: errors.New("boom")}, ReasonHandler},
		{context.Canceled, ReasonCanceled},
		{errors.New("mystery"), ReasonOther},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, abandonReason(tc.err), tc.err.Error())
	}
}
