// Package metrics provides the Prometheus collectors exposed on the
// daemon's /metrics endpoint. All methods handle a nil receiver so
// callers never need to nil-check before recording.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the daemon records against.
type Metrics struct {
	CommandsTotal      *prometheus.CounterVec
	ResponsesTotal     *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ClientsConnected   prometheus.Gauge

	DHCPLeasesAcquired prometheus.Counter
	DHCPTimeouts       prometheus.Counter
	DHCPActive         prometheus.Gauge

	KernelSubmitErrors *prometheus.CounterVec
}

// New creates and, if reg is non-nil, registers every collector.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netconfigd_commands_total",
				Help: "Total control-socket commands received, by verb.",
			},
			[]string{"verb"},
		),
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netconfigd_responses_total",
				Help: "Total control-socket responses sent, by verb and outcome (success, error).",
			},
			[]string{"verb", "outcome"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netconfigd_notifications_total",
				Help: "Total asynchronous notifications broadcast to clients, by verb.",
			},
			[]string{"verb"},
		),
		ClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netconfigd_clients_connected",
				Help: "Current number of connected control-socket clients.",
			},
		),
		DHCPLeasesAcquired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netconfigd_dhcp_leases_acquired_total",
				Help: "Total DHCP leases observed as acquired.",
			},
		),
		DHCPTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netconfigd_dhcp_timeouts_total",
				Help: "Total dhcpOn requests that timed out waiting for a lease.",
			},
		),
		DHCPActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netconfigd_dhcp_active",
				Help: "Current number of interfaces under DHCP supervision.",
			},
		),
		KernelSubmitErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netconfigd_kernel_submit_errors_total",
				Help: "Total netlink submission failures, by operation.",
			},
			[]string{"operation"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.CommandsTotal,
			m.ResponsesTotal,
			m.NotificationsTotal,
			m.ClientsConnected,
			m.DHCPLeasesAcquired,
			m.DHCPTimeouts,
			m.DHCPActive,
			m.KernelSubmitErrors,
		)
	}

	return m
}

// RecordCommand counts one inbound command by verb.
func (m *Metrics) RecordCommand(verb string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(verb).Inc()
}

// RecordResponse counts one outbound response by verb and outcome.
// outcome should be "success" or "error", matching the wire protocol's
// own envelope convention.
func (m *Metrics) RecordResponse(verb, outcome string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(verb, outcome).Inc()
}

// RecordNotification counts one broadcast notification by verb.
func (m *Metrics) RecordNotification(verb string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(verb).Inc()
}

// SetClientsConnected sets the current connected-client gauge.
func (m *Metrics) SetClientsConnected(count int) {
	if m == nil {
		return
	}
	m.ClientsConnected.Set(float64(count))
}

// RecordDHCPLeaseAcquired increments the lease-acquired counter.
func (m *Metrics) RecordDHCPLeaseAcquired() {
	if m == nil {
		return
	}
	m.DHCPLeasesAcquired.Inc()
}

// RecordDHCPTimeout increments the DHCP timeout counter.
func (m *Metrics) RecordDHCPTimeout() {
	if m == nil {
		return
	}
	m.DHCPTimeouts.Inc()
}

// SetDHCPActive sets the current DHCP-supervision gauge.
func (m *Metrics) SetDHCPActive(count int) {
	if m == nil {
		return
	}
	m.DHCPActive.Set(float64(count))
}

// RecordKernelSubmitError increments the kernel-submission error counter
// for the named operation ("address_delete_all", "address_add" or
// "route_add", as recorded by netops.SetStatic).
func (m *Metrics) RecordKernelSubmitError(operation string) {
	if m == nil {
		return
	}
	m.KernelSubmitErrors.WithLabelValues(operation).Inc()
}
