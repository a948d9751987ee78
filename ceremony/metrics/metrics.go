// Package metrics exposes ceremony round progress as Prometheus metrics.
// Every metric is declared up front in New and registered into a private
// client_golang registry, instead of being written by a hand-rolled
// exposition writer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gauges and counters the coordinator updates as a
// round progresses (spec §4.C/§4.E/§4.H observables).
type Collector struct {
	registry *prometheus.Registry

	roundHeight         prometheus.Gauge
	chunksComplete       prometheus.Gauge
	queueLength          prometheus.Gauge
	currentContributors  prometheus.Gauge
	currentVerifiers     prometheus.Gauge
	droppedTotal         prometheus.Counter
	bannedTotal          prometheus.Counter
	contributionsTotal   prometheus.Counter
	verificationsTotal   prometheus.Counter
	aggregationsTotal    prometheus.Counter
}

// New creates a Collector registered under namespace (e.g. "coordinator").
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		roundHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "round_height", Help: "Current round height.",
		}),
		chunksComplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chunks_complete", Help: "Number of chunks complete in the current round.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_length", Help: "Number of participants waiting in the queue.",
		}),
		currentContributors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_contributors", Help: "Number of contributors active in the current round.",
		}),
		currentVerifiers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_verifiers", Help: "Number of verifiers active in the current round.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_total", Help: "Total participants dropped.",
		}),
		bannedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "banned_total", Help: "Total participants banned.",
		}),
		contributionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "contributions_total", Help: "Total contributions accepted.",
		}),
		verificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "verifications_total", Help: "Total contributions verified.",
		}),
		aggregationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "aggregations_total", Help: "Total rounds aggregated.",
		}),
	}
	reg.MustRegister(
		c.roundHeight, c.chunksComplete, c.queueLength, c.currentContributors,
		c.currentVerifiers, c.droppedTotal, c.bannedTotal, c.contributionsTotal,
		c.verificationsTotal, c.aggregationsTotal,
	)
	return c
}

// Handler returns the /metrics HTTP handler for this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetRoundHeight records the current round height.
func (c *Collector) SetRoundHeight(h uint64) { c.roundHeight.Set(float64(h)) }

// SetChunksComplete records how many chunks are complete in the current round.
func (c *Collector) SetChunksComplete(n int) { c.chunksComplete.Set(float64(n)) }

// SetQueueLength records the queue depth.
func (c *Collector) SetQueueLength(n int) { c.queueLength.Set(float64(n)) }

// SetCurrentContributors records the active contributor count.
func (c *Collector) SetCurrentContributors(n int) { c.currentContributors.Set(float64(n)) }

// SetCurrentVerifiers records the active verifier count.
func (c *Collector) SetCurrentVerifiers(n int) { c.currentVerifiers.Set(float64(n)) }

// IncDropped increments the dropped-participant counter.
func (c *Collector) IncDropped() { c.droppedTotal.Inc() }

// IncBanned increments the banned-participant counter.
func (c *Collector) IncBanned() { c.bannedTotal.Inc() }

// IncContribution increments the accepted-contribution counter.
func (c *Collector) IncContribution() { c.contributionsTotal.Inc() }

// IncVerification increments the accepted-verification counter.
func (c *Collector) IncVerification() { c.verificationsTotal.Inc() }

// IncAggregation increments the round-aggregation counter.
func (c *Collector) IncAggregation() { c.aggregationsTotal.Inc() }
