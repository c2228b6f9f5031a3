package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
)

// Abandon reasons recorded by DeliveryMetrics.
const (
	ReasonUnknownKind     = "unknown_kind"
	ReasonDeserialization = "deserialization"
	ReasonInvalidEvent    = "invalid_event"
	ReasonDedupStorage    = "dedup_storage"
	ReasonInProgress      = "in_progress"
	ReasonClaimLost       = "claim_lost"
	ReasonHandler         = "handler"
	ReasonCanceled        = "canceled"
	ReasonOther           = "other"
)

// DeliveryMetrics counts how deliveries end, per kind: processed, skipped as
// duplicates or abandoned for redelivery.
type DeliveryMetrics struct {
	mu sync.RWMutex

	kinds map[string]*KindMetrics

	processedTotal  *prometheus.CounterVec
	duplicateTotal  *prometheus.CounterVec
	abandonedTotal  *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// KindMetrics holds the delivery counts of one kind.
type KindMetrics struct {
	Processed         uint64    `json:"processed"`
	Duplicates        uint64    `json:"duplicates"`
	Abandoned         uint64    `json:"abandoned"`
	LastAbandonReason string    `json:"last_abandon_reason,omitempty"`
	LastProcessedAt   time.Time `json:"last_processed_at,omitempty"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// DeliveryMetricsSnapshot is a point-in-time copy of DeliveryMetrics.
type DeliveryMetricsSnapshot struct {
	TotalProcessed  uint64                  `json:"total_processed"`
	TotalDuplicates uint64                  `json:"total_duplicates"`
	TotalAbandoned  uint64                  `json:"total_abandoned"`
	Kinds           map[string]*KindMetrics `json:"kinds"`
	CollectedAt     time.Time               `json:"collected_at"`
}

func newDeliveryCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horseback",
			Subsystem: "delivery",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewDeliveryMetrics creates the collectors. Nothing is registered until Register.
func NewDeliveryMetrics(registerer prometheus.Registerer) *DeliveryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DeliveryMetrics{
		kinds:          make(map[string]*KindMetrics),
		registerer:     registerer,
		processedTotal: newDeliveryCounterVec("processed_total", "Messages whose handlers completed and were marked processed", []string{"subscription", "kind"}),
		duplicateTotal: newDeliveryCounterVec("duplicate_total", "Redelivered messages completed without dispatch", []string{"subscription", "kind"}),
		abandonedTotal: newDeliveryCounterVec("abandoned_total", "Messages abandoned for redelivery", []string{"subscription", "kind", "reason"}),
		dispatchSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "horseback",
				Subsystem: "delivery",
				Name:      "dispatch_seconds",
				Help:      "Time spent running the handlers of one message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DeliveryMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.processedTotal,
		m.duplicateTotal,
		m.abandonedTotal,
		m.dispatchSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RecordProcessed records a message whose handlers all succeeded.
func (m *DeliveryMetrics) RecordProcessed(subscription, kind string, dispatch time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	km := m.kindLocked(kind)
	km.Processed++
	km.LastProcessedAt = now
	km.LastUpdatedAt = now

	m.processedTotal.WithLabelValues(subscription, kind).Inc()
	m.dispatchSeconds.WithLabelValues(kind).Observe(dispatch.Seconds())
}

// RecordDuplicate records a redelivery of an already processed event.
func (m *DeliveryMetrics) RecordDuplicate(subscription, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km := m.kindLocked(kind)
	km.Duplicates++
	km.LastUpdatedAt = time.Now()

	m.duplicateTotal.WithLabelValues(subscription, kind).Inc()
}

// RecordAbandoned records a message returned to the broker.
func (m *DeliveryMetrics) RecordAbandoned(subscription, kind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km := m.kindLocked(kind)
	km.Abandoned++
	km.LastAbandonReason = reason
	km.LastUpdatedAt = time.Now()

	m.abandonedTotal.WithLabelValues(subscription, kind, reason).Inc()
}

// Snapshot returns a copy of the per-kind counts.
func (m *DeliveryMetrics) Snapshot() DeliveryMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DeliveryMetricsSnapshot{
		Kinds:       make(map[string]*KindMetrics, len(m.kinds)),
		CollectedAt: time.Now(),
	}
	for kind, km := range m.kinds {
		cp := *km
		snapshot.Kinds[kind] = &cp
		snapshot.TotalProcessed += km.Processed
		snapshot.TotalDuplicates += km.Duplicates
		snapshot.TotalAbandoned += km.Abandoned
	}
	return snapshot
}

// Kind returns a copy of kind's counts, or nil when nothing was recorded.
func (m *DeliveryMetrics) Kind(kind string) *KindMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if km, ok := m.kinds[kind]; ok {
		cp := *km
		return &cp
	}
	return nil
}

// Reset clears every count.
func (m *DeliveryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kinds = make(map[string]*KindMetrics)
	m.processedTotal.Reset()
	m.duplicateTotal.Reset()
	m.abandonedTotal.Reset()
	m.dispatchSeconds.Reset()
}

func (m *DeliveryMetrics) kindLocked(kind string) *KindMetrics {
	if kind == "" {
		kind = "unknown"
	}
	km, ok := m.kinds[kind]
	if !ok {
		km = &KindMetrics{}
		m.kinds[kind] = km
	}
	return km
}

// abandonReason maps a pipeline error to its metrics label.
func abandonReason(err error) string {
	switch {
	case errors.Is(err, errspkg.ErrUnknownKind):
		return ReasonUnknownKind
	case errors.Is(err, errspkg.ErrDeserialization):
		return ReasonDeserialization
	case errors.Is(err, errspkg.ErrInvalidEvent):
		return ReasonInvalidEvent
	case errors.Is(err, errspkg.ErrDedupStorage):
		return ReasonDedupStorage
	case errors.Is(err, errspkg.ErrInProgress):
		return ReasonInProgress
	case errors.Is(err, errspkg.ErrClaimLost):
		return ReasonClaimLost
	case errors.Is(err, errspkg.ErrHandler):
		return ReasonHandler
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	default:
		return ReasonOther
	}
}
