// Package metrics exposes the Prometheus counters of the API.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mutation kinds recorded by MutationApplied.
const (
	KindCard     = "card"
	KindComment  = "comment"
	KindChat     = "chat"
	KindSector   = "sector"
	KindStatus   = "status"
	KindUser     = "user"
	KindMaterial = "material"
)

type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	mutations *prometheus.CounterVec
	polls     prometheus.Counter
}

// New registers the counters on a fresh registry so multiple servers (and
// tests) never collide on the default one.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "printflow_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "status"}),
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "printflow_mutations_total",
			Help: "Committed mutations that advanced the freshness signal",
		}, []string{"kind"}),
		polls: factory.NewCounter(prometheus.CounterOpts{
			Name: "printflow_polls_total",
			Help: "Freshness poll requests served",
		}),
	}
}

func (m *Metrics) ObserveRequest(method string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) MutationApplied(kind string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(kind).Inc()
}

func (m *Metrics) PollServed() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
