package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gossipconf"

// Drop reasons used as the "reason" label of messages_dropped_total.
const (
	ReasonDecode          = "decode"
	ReasonUnknownID       = "unknown_id"
	ReasonPayloadEncoding = "payload_encoding"
	ReasonMalformedSet    = "malformed_set"
	ReasonExpired         = "expired"
	ReasonOverflow        = "overflow"
)

// Metrics holds the collectors of one node. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	published     *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	publishErrors prometheus.Counter
	askCycles     prometheus.Counter
	resolved      prometheus.Counter
	outstanding   prometheus.Gauge
	meshPeers     prometheus.Gauge
	storeKeys     prometheus.Gauge
	buildInfo     *prometheus.GaugeVec
}

// New registers a fresh set of collectors on reg. When reg is nil a private
// registry is created.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	startTime := time.Now()
	m := &Metrics{
		registry: reg,
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Envelopes handed to the overlay, by type.",
			},
			[]string{"type"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_delivered_total",
				Help:      "Envelopes received from the overlay and decoded, by type.",
			},
			[]string{"type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Messages or requests discarded, by reason.",
			},
			[]string{"reason"},
		),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Publish calls rejected by the overlay.",
		}),
		askCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ask_cycles_total",
			Help:      "Rounds of Get requests for unresolved keys.",
		}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_resolved_total",
			Help:      "Want-list keys that received a value.",
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_requests",
			Help:      "Entries currently held in the correlation table.",
		}),
		meshPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mesh_peers",
			Help:      "Mesh peers observed on the node topic at the last loop iteration.",
		}),
		storeKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_keys",
			Help:      "Keys held by the authoritative store.",
		}),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build info (constant 1, labeled by version and git_sha).",
			},
			[]string{"version", "git_sha"},
		),
	}
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
	reg.MustRegister(
		m.published, m.delivered, m.dropped, m.publishErrors, m.askCycles,
		m.resolved, m.outstanding, m.meshPeers, m.storeKeys, m.buildInfo, uptime,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes /metrics. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func (m *Metrics) SetBuildInfo(version, gitSHA string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

func (m *Metrics) Published(msgType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Delivered(msgType string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

func (m *Metrics) AskCycle() {
	if m == nil {
		return
	}
	m.askCycles.Inc()
}

func (m *Metrics) Resolved() {
	if m == nil {
		return
	}
	m.resolved.Inc()
}

func (m *Metrics) SetOutstanding(n int) {
	if m == nil {
		return
	}
	m.outstanding.Set(float64(n))
}

func (m *Metrics) SetMeshPeers(n int) {
	if m == nil {
		return
	}
	m.meshPeers.Set(float64(n))
}

func (m *Metrics) SetStoreKeys(n int) {
	if m == nil {
		return
	}
	m.storeKeys.Set(float64(n))
}
