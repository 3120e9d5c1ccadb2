package watcher

import (
	"context"
	"fmt"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/errs"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mmcontainers"

var allStates = []State{StateIdle, StateConnecting, StateBootstrapping, StateStreaming, StateStopped}

// Metrics are the watcher counters. A nil *Metrics records nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	errors     *prometheus.CounterVec
	state      *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watcher_events_total",
			Help:      "Events applied to the metadata store.",
		}, []string{"watcher", "action"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watcher_reconnects_total",
			Help:      "Reconnect attempts after transient failures.",
		}, []string{"watcher"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watcher_errors_total",
			Help:      "Watcher failures by class.",
		}, []string{"watcher", "class"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "watcher_state",
			Help:      "1 for the current state of each watcher.",
		}, []string{"watcher", "state"}),
	}
	for _, c := range []prometheus.Collector{m.events, m.reconnects, m.errors, m.state} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register watcher metrics: %w", err)
		}
	}
	return m, nil
}

// RegisterStoreGauge exports the number of stored entries, read at scrape time.
func RegisterStoreGauge(reg prometheus.Registerer, store domain.Store) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "store_entries",
		Help:      "Entries in the shared metadata store.",
	}, func() float64 {
		n, err := store.Len(context.Background())
		if err != nil {
			return -1
		}
		return float64(n)
	})
	return reg.Register(gauge)
}

func (m *Metrics) recordEvent(watcher string, action domain.WatchAction) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(watcher, string(action)).Inc()
}

func (m *Metrics) recordReconnect(watcher string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(watcher).Inc()
}

func (m *Metrics) recordError(watcher string, class errs.Class) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(watcher, class.String()).Inc()
}

func (m *Metrics) setState(watcher string, state State) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(watcher, string(s)).Set(v)
	}
}
