package runtime

import (
	"net/http"

	jsoncodec "github.com/kacey90/horseback/internal/runtime/jsoncodec"
)

const (
	subscriptionsPath = "/api/subscriptions"
	deliveriesPath    = "/api/deliveries"
)

// registerStatsHandlers exposes the subscription stats and the delivery
// counters next to /metrics.
func (b *Bus) registerStatsHandlers() {
	if !b.Conf.MetricsEnabled || b.Conf.MetricsPort == 0 {
		return
	}
	b.RegisterHTTPHandler(b.Conf.MetricsPort, subscriptionsPath, http.HandlerFunc(b.handleGetSubscriptions))
	b.RegisterHTTPHandler(b.Conf.MetricsPort, deliveriesPath, http.HandlerFunc(b.handleGetDeliveries))
}

func (b *Bus) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	infos := append([]*SubscriptionInfo{}, b.infos...)
	b.mu.Unlock()
	b.writeJSON(w, r, infos)
}

func (b *Bus) handleGetDeliveries(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, b.metrics.Snapshot())
}

func (b *Bus) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		b.Logger.Error("Failed to encode stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
