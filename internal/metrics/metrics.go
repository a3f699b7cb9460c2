// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all UPF Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Classifier metrics
	ClassifiedPackets *prometheus.CounterVec // by next-hop
	ClassifyErrors    *prometheus.CounterVec // by drop cause
	DPIBindings       prometheus.Counter

	// Flow table metrics
	FlowsActive  *prometheus.GaugeVec // by worker
	FlowsCreated prometheus.Counter
	FlowsExpired prometheus.Counter
	FlowRecycles prometheus.Counter

	// Control channel metrics
	PFCPMessagesRx *prometheus.CounterVec // by message type
	PFCPMessagesTx *prometheus.CounterVec
	UsageReports   prometheus.Counter
}

// New creates the UPF metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ClassifiedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upf_classify_packets_total",
			Help: "Packets leaving the classifier, by next-hop",
		}, []string{"next"}),
		ClassifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upf_classify_errors_total",
			Help: "Packets dropped by the classifier, by cause",
		}, []string{"cause"}),
		DPIBindings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upf_dpi_bindings_total",
			Help: "Flows bound to an application by DPI",
		}),
		FlowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "upf_flows_active",
			Help: "Live flow entries per worker",
		}, []string{"worker"}),
		FlowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upf_flows_created_total",
			Help: "Flow entries created",
		}),
		FlowsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upf_flows_expired_total",
			Help: "Flow entries aged out by the timer wheel",
		}),
		FlowRecycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upf_flow_recycles_total",
			Help: "Flows force-expired to satisfy an allocation",
		}),
		PFCPMessagesRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upf_pfcp_messages_rx_total",
			Help: "PFCP messages received, by type",
		}, []string{"type"}),
		PFCPMessagesTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upf_pfcp_messages_tx_total",
			Help: "PFCP messages sent, by type",
		}, []string{"type"}),
		UsageReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upf_usage_reports_total",
			Help: "Session report requests emitted for URR triggers",
		}),
	}

	m.registry.MustRegister(
		m.ClassifiedPackets,
		m.ClassifyErrors,
		m.DPIBindings,
		m.FlowsActive,
		m.FlowsCreated,
		m.FlowsExpired,
		m.FlowRecycles,
		m.PFCPMessagesRx,
		m.PFCPMessagesTx,
		m.UsageReports,
	)

	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
