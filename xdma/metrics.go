package xdma

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	enqueued    *prometheus.CounterVec
	completed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	cancelled   *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	allocated   *prometheus.GaugeVec
	unknownIntr *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	chLabels := []string{"controller", "channel"}

	m := &metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xdma_requests_enqueued_total",
			Help: "Requests accepted by Enqueue.",
		}, chLabels),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xdma_requests_completed_total",
			Help: "Requests retired by the backend.",
		}, chLabels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xdma_requests_failed_total",
			Help: "Requests retired with an error status.",
		}, chLabels),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xdma_requests_cancelled_total",
			Help: "Requests invalidated by Terminate.",
		}, chLabels),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xdma_bytes_transferred_total",
			Help: "Bytes reported as transferred by the backend.",
		}, chLabels),
		allocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xdma_channels_allocated",
			Help: "Channels currently allocated.",
		}, []string{"controller"}),
		unknownIntr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xdma_unknown_completions_total",
			Help: "Completions for hardware indices with no channel.",
		}, []string{"controller"}),
	}

	if reg == nil {
		return m
	}

	m.enqueued = register(reg, m.enqueued)
	m.completed = register(reg, m.completed)
	m.failed = register(reg, m.failed)
	m.cancelled = register(reg, m.cancelled)
	m.bytes = register(reg, m.bytes)
	m.allocated = register(reg, m.allocated)
	m.unknownIntr = register(reg, m.unknownIntr)

	return m
}

// register adds c to reg. Controllers sharing a registry share the
// collectors, told apart by the controller label.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}

	panic(err)
}
