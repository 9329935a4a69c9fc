// Package metrics exposes the prometheus collectors for the relay's
// control plane (target health, elections, DNS resolution) and data plane
// (TCP/UDP/HTTP forwarding).
//
//nolint:gochecknoglobals // prometheus metrics are process-wide by design
package metrics

import (
	"errors"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TCPBytesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "relay_tcp_bytes_total",
			Help: "Bytes forwarded over TCP (Counter). Labels: rule, direction=sent|received.",
		},
		[]string{"rule", "direction"},
	)
	TCPConnectionsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "relay_tcp_connections_total",
			Help: "TCP connections accepted (Counter). Labels: rule, outcome=established|dial_failed|no_target.",
		},
		[]string{"rule", "outcome"},
	)
	TCPConnectionsActive = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "relay_tcp_connections_active",
			Help: "TCP connections currently being pumped (Gauge).",
		},
		[]string{"rule"},
	)

	UDPPacketsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "relay_udp_packets_total",
			Help: "Datagrams forwarded over UDP (Counter). Labels: rule, direction=client_to_target|target_to_client.",
		},
		[]string{"rule", "direction"},
	)
	UDPSessionsActive = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "relay_udp_sessions_active",
			Help: "Currently open UDP client sessions (Gauge).",
		},
		[]string{"rule"},
	)
	UDPSessionsEvictedTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "relay_udp_sessions_evicted_total",
			Help: "UDP sessions dropped by the idle cleaner (Counter).",
		},
		[]string{"rule"},
	)

	HTTPRedirectsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "relay_http_redirects_total",
			Help: "HTTP 301 redirects issued (Counter).",
		},
		[]string{"rule"},
	)

	TargetHealthy = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "relay_target_healthy",
			Help: "Target health as last observed by the prober: 1=healthy, 0=unhealthy (Gauge).",
		},
		[]string{"target"},
	)
	TargetSwapsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "relay_target_swaps_total",
			Help: "Elections that changed a rule's selected target (Counter).",
		},
		[]string{"rule"},
	)
	ProbeDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "relay_probe_duration_seconds",
		Help:    "Health probe latency (Histogram).",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"protocol"})
	ResolveDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "relay_resolve_duration_seconds",
		Help:    "DNS resolve latency (Histogram).",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"kind"})
	ResolveErrorsTotal = promauto.NewCounterVec(prom.CounterOpts{
		Name: "relay_resolve_errors_total",
		Help: "DNS resolve failures by reason (Counter).",
	}, []string{"reason"})

	RulesRunning = promauto.NewGauge(prom.GaugeOpts{
		Name: "relay_rules_running",
		Help: "Rules with at least one running forwarder (Gauge).",
	})
	ReadyGauge = promauto.NewGauge(prom.GaugeOpts{
		Name: "relay_ready",
		Help: "Process readiness: 1=ready, 0=not ready (Gauge).",
	})
)

var readyFlag int32 //nolint:gochecknoglobals // readiness flag shared across packages

// RegisterCollectors registers the default Go/process collectors.
// Call once during startup.
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
	}
}

// SetReady sets process readiness.
func SetReady(v bool) {
	if v {
		atomic.StoreInt32(&readyFlag, 1)
		ReadyGauge.Set(1)
	} else {
		atomic.StoreInt32(&readyFlag, 0)
		ReadyGauge.Set(0)
	}
}

// IsReady reports current readiness.
func IsReady() bool { return atomic.LoadInt32(&readyFlag) == 1 }
