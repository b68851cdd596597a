// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts the events the operator actually watches: how many
// codes go out, how confirmations end, and what the dispatcher decided.
type Collector struct {
	codesIssued      prometheus.Counter
	confirmResults   *prometheus.CounterVec
	dispatchOutcomes *prometheus.CounterVec
	pollErrors       prometheus.Counter

	registry *prometheus.Registry
}

func NewCollector() *Collector {
	c := &Collector{
		codesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazebot_linking_codes_issued_total",
			Help: "Linking codes issued.",
		}),
		confirmResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazebot_linking_confirms_total",
			Help: "Linking confirmation attempts by result.",
		}, []string{"result"}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazebot_dispatch_outcomes_total",
			Help: "Notification dispatch outcomes by status.",
		}, []string{"status"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazebot_upstream_poll_errors_total",
			Help: "Failed upstream poll sweeps.",
		}),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(c.codesIssued, c.confirmResults, c.dispatchOutcomes, c.pollErrors)
	return c
}

func (c *Collector) CodeIssued()                  { c.codesIssued.Inc() }
func (c *Collector) ConfirmResult(result string)  { c.confirmResults.WithLabelValues(result).Inc() }
func (c *Collector) DispatchOutcome(status string) { c.dispatchOutcomes.WithLabelValues(status).Inc() }
func (c *Collector) PollError()                   { c.pollErrors.Inc() }

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
