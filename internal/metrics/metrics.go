// Package metrics exposes the peer-service manager's Prometheus
// instrumentation: view sizes, per-frame-kind counters, and timer-fire
// counters, registered against a private registry so multiple Coordinator
// instances in one test binary don't collide on global MustRegister.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"peersvc/internal/frame"
)

// Collectors bundles every gauge/counter the Coordinator and protocol
// handlers update.
type Collectors struct {
	Registry *prometheus.Registry

	ActiveViewSize  prometheus.Gauge
	PassiveViewSize prometheus.Gauge
	ReservedFilled  prometheus.Gauge

	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	ShuffleTicks   prometheus.Counter
	PromotionTicks prometheus.Counter
	TreeRefreshTicks prometheus.Counter

	ActiveViewEvictions prometheus.Counter
	Partitions          prometheus.Gauge
}

// New builds and registers a fresh Collectors set against its own
// registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		Registry: reg,
		ActiveViewSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peersvc_active_view_size",
			Help: "Current number of peers in the active view, including unfilled reserved slots.",
		}),
		PassiveViewSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peersvc_passive_view_size",
			Help: "Current number of peers in the passive view.",
		}),
		ReservedFilled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peersvc_reserved_slots_filled",
			Help: "Number of reserved active-view slots currently filled.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peersvc_frames_received_total",
			Help: "Inbound protocol frames processed, by kind.",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peersvc_frames_sent_total",
			Help: "Outbound protocol frames dispatched, by kind.",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peersvc_frames_dropped_total",
			Help: "Frames dropped undelivered, by kind and reason.",
		}, []string{"kind", "reason"}),
		ShuffleTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peersvc_shuffle_ticks_total",
			Help: "Number of passive_view_maintenance timer firings.",
		}),
		PromotionTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peersvc_promotion_ticks_total",
			Help: "Number of random_promotion timer firings.",
		}),
		TreeRefreshTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peersvc_tree_refresh_ticks_total",
			Help: "Number of tree_refresh timer firings.",
		}),
		ActiveViewEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peersvc_active_view_evictions_total",
			Help: "Number of peers evicted from a full active view.",
		}),
		Partitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peersvc_injected_partitions",
			Help: "Number of currently active injected (ref, peer) partition entries.",
		}),
	}

	reg.MustRegister(
		c.ActiveViewSize,
		c.PassiveViewSize,
		c.ReservedFilled,
		c.FramesReceived,
		c.FramesSent,
		c.FramesDropped,
		c.ShuffleTicks,
		c.PromotionTicks,
		c.TreeRefreshTicks,
		c.ActiveViewEvictions,
		c.Partitions,
	)
	return c
}

func (c *Collectors) ObserveReceived(k frame.Kind) {
	c.FramesReceived.WithLabelValues(string(k)).Inc()
}

func (c *Collectors) ObserveSent(k frame.Kind) {
	c.FramesSent.WithLabelValues(string(k)).Inc()
}

func (c *Collectors) ObserveDropped(k frame.Kind, reason string) {
	c.FramesDropped.WithLabelValues(string(k), reason).Inc()
}
