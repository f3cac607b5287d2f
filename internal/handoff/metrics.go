package handoff

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "texbridge"

// Metrics exports handoff activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	swaps          prometheus.Counter
	reads          prometheus.Counter
	droppedFrames  prometheus.Counter
	resizes        prometheus.Counter
	resizeFailures prometheus.Counter
	width          prometheus.Gauge
	height         prometheus.Gauge
}

// NewMetrics creates the handoff metrics and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		swaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "swaps_total",
			Help:      "Front/back buffer swaps.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "front_reads_total",
			Help:      "Host reads of the front buffer.",
		}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_frames_total",
			Help:      "Frames swapped to front and replaced before the host read them.",
		}),
		resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resizes_total",
			Help:      "Successful buffer pair reallocations.",
		}),
		resizeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resize_failures_total",
			Help:      "Buffer pair reallocations that failed on a GPU resource.",
		}),
		width: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "output_width_pixels",
			Help:      "Current buffer width.",
		}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "output_height_pixels",
			Help:      "Current buffer height.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.swaps, m.reads, m.droppedFrames, m.resizes, m.resizeFailures, m.width, m.height)
	}
	return m
}

func (m *Metrics) swapped() {
	if m != nil {
		m.swaps.Inc()
	}
}

func (m *Metrics) read() {
	if m != nil {
		m.reads.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}

func (m *Metrics) resized(width, height int) {
	if m != nil {
		m.resizes.Inc()
		m.width.Set(float64(width))
		m.height.Set(float64(height))
	}
}

func (m *Metrics) resizeFailed() {
	if m != nil {
		m.resizeFailures.Inc()
		m.width.Set(0)
		m.height.Set(0)
	}
}
