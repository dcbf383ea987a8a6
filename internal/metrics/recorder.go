// Package metrics turns residency and pipeline events into Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"staged/internal/residency"
)

const namespace = "staged"

// Recorder is a residency.EventPublisher backed by its own registry.
type Recorder struct {
	reg *prometheus.Registry

	placements *prometheus.CounterVec
	waits      *prometheus.HistogramVec
	timeouts   *prometheus.CounterVec
	batches    prometheus.Counter
	items      prometheus.Counter
	allocated  prometheus.Gauge
}

// NewRecorder registers the staged metrics on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_placements_total",
			Help:      "Times each stage was placed on the device",
		}, []string{"stage"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "release_wait_seconds",
			Help:      "Time spent waiting for the device to reclaim a released stage",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_timeouts_total",
			Help:      "Releases whose memory was not reclaimed within the max wait",
		}, []string{"stage"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches completed by the pipeline",
		}),
		items: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items produced by the pipeline",
		}),
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_allocated_bytes",
			Help:      "Device memory last reported by the monitor",
		}),
	}
	r.reg.MustRegister(r.placements, r.waits, r.timeouts, r.batches, r.items, r.allocated)
	return r
}

// Registry exposes the registry for serving alongside other gatherers.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Publish never blocks and ignores events it does not track.
func (r *Recorder) Publish(e residency.Event) {
	switch e.Name {
	case residency.EventPlaced:
		r.placements.WithLabelValues(e.Stage).Inc()
		r.setAllocated(e.Fields["after"])
	case residency.EventReleaseVerified:
		r.observeWait(e)
		r.setAllocated(e.Fields["current"])
	case residency.EventReleaseTimeout:
		r.timeouts.WithLabelValues(e.Stage).Inc()
		r.observeWait(e)
		r.setAllocated(e.Fields["current"])
	case residency.EventBatchDone:
		r.batches.Inc()
		if n, ok := e.Fields["items"].(int); ok {
			r.items.Add(float64(n))
		}
	}
}

func (r *Recorder) observeWait(e residency.Event) {
	if d, ok := e.Fields["wait"].(time.Duration); ok {
		r.waits.WithLabelValues(e.Stage).Observe(d.Seconds())
	}
}

func (r *Recorder) setAllocated(v any) {
	if b, ok := v.(uint64); ok {
		r.allocated.Set(float64(b))
	}
}
