// Package metrics exposes Prometheus instruments for marketplace operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bountyline/internal/domain"
)

// Token flow kinds.
const (
	KindDeposit = "deposit"
	KindPayout  = "payout"
	KindRefund  = "refund"
)

// Metrics holds one registry per instance so tests can build many.
// A nil *Metrics records nothing.
type Metrics struct {
	reg         *prometheus.Registry
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	events      *prometheus.CounterVec
	tokensMoved *prometheus.CounterVec
	projects    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Name:      "operations_total",
			Help:      "Marketplace operations by name and result code.",
		}, []string{"op", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bountyline",
			Name:      "operation_duration_seconds",
			Help:      "Latency of marketplace operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Name:      "events_committed_total",
			Help:      "Events appended to the log by type.",
		}, []string{"type"}),
		tokensMoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Name:      "tokens_moved_total",
			Help:      "Tokens moved through escrow by kind.",
		}, []string{"kind"}),
		projects: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "bountyline",
			Name:      "projects",
			Help:      "Projects held by the registry.",
		}),
	}
}

// ObserveOperation records one call of op with its outcome.
func (m *Metrics) ObserveOperation(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, domain.ErrorCode(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveEvent(evt domain.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(evt.Type)).Inc()
	switch p := evt.Payload.(type) {
	case domain.ProjectFunded:
		m.tokensMoved.WithLabelValues(KindDeposit).Add(float64(p.Amount))
	case domain.FundsReleased:
		m.tokensMoved.WithLabelValues(KindPayout).Add(float64(p.Amount))
	case domain.EmergencyRefund:
		m.tokensMoved.WithLabelValues(KindRefund).Add(float64(p.Amount))
	}
}

func (m *Metrics) SetProjects(n int) {
	if m == nil {
		return
	}
	m.projects.Set(float64(n))
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
