// Package metrics exposes the control plane's Prometheus collectors:
// dispatcher throughput counters and a store operation latency histogram
// updated explicitly by callers, plus broker/registry/store gauges derived
// live from those components at scrape time.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/steamctl/internal/broker"
	"github.com/basket/steamctl/internal/registry"
	"github.com/basket/steamctl/internal/store"
)

// Metrics holds a private Prometheus registry so multiple instances (one
// per test, for example) never collide on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	dispatchClaimedTotal    prometheus.Counter
	dispatchDispatchedTotal prometheus.Counter
	dispatchFailedTotal     prometheus.Counter
	storeOpDuration         *prometheus.HistogramVec
}

// New builds a Metrics instance. b, reg, and st may be nil, in which case
// the gauges derived from them are simply not registered.
func New(b *broker.Broker, reg *registry.Registry, st *store.Store) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatchClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steamctl_dispatch_claimed_total",
			Help: "Total number of tasks claimed by the dispatcher.",
		}),
		dispatchDispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steamctl_dispatch_dispatched_total",
			Help: "Total number of tasks successfully enqueued to an agent.",
		}),
		dispatchFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "steamctl_dispatch_failed_total",
			Help: "Total number of claimed tasks that could not be dispatched to an agent.",
		}),
		storeOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steamctl_store_operation_duration_seconds",
			Help:    "Latency of store operations, by operation name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	m.registry.MustRegister(
		m.dispatchClaimedTotal,
		m.dispatchDispatchedTotal,
		m.dispatchFailedTotal,
		m.storeOpDuration,
	)

	if b != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "steamctl_broker_dropped_events_total",
			Help: "Total number of events dropped by the broker under backpressure.",
		}, func() float64 { return float64(b.DroppedEventCount()) }))
	}
	if reg != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "steamctl_agents_connected",
			Help: "Number of agents currently connected to the registry.",
		}, func() float64 { return float64(len(reg.List())) }))
	}
	if st != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "steamctl_jobs_active",
			Help: "Number of jobs not yet in a terminal status.",
		}, func() float64 {
			stats, err := st.Stats(context.Background())
			if err != nil {
				return 0
			}
			return float64(stats.JobsByStatus[store.JobQueued] + stats.JobsByStatus[store.JobRunning])
		}))
	}

	return m
}

// Handler serves the Prometheus text exposition format for this instance's
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncClaimed records one task claimed by the dispatcher.
func (m *Metrics) IncClaimed() { m.dispatchClaimedTotal.Inc() }

// IncDispatched records one task successfully enqueued to an agent.
func (m *Metrics) IncDispatched() { m.dispatchDispatchedTotal.Inc() }

// IncFailed records one claimed task that could not be dispatched.
func (m *Metrics) IncFailed() { m.dispatchFailedTotal.Inc() }

// ObserveStoreOp records how long a named store operation took.
func (m *Metrics) ObserveStoreOp(operation string, d time.Duration) {
	m.storeOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}
