package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Relay events.
const (
	ConnAccepted        = "relay_conn_accepted"
	ConnClosed          = "relay_conn_closed"
	ConnError           = "relay_conn_error"
	MessageInvalid      = "relay_message_invalid"
	MessageUnauthorized = "relay_message_unauthorized"
	MessageRateLimited  = "relay_message_rate_limited"
	TargetNotFound      = "relay_target_not_found"
	SignalForwarded     = "relay_signal_forwarded"
	TaskForwarded       = "relay_task_forwarded"
	AgentRegistered     = "relay_agent_registered"
	AgentReregistered   = "relay_agent_reregistered"
	AgentRemoved        = "relay_agent_removed"
	PersistFailed       = "relay_persist_failed"
	ActorColdStart      = "relay_actor_cold_start"
	ActorHibernated     = "relay_actor_hibernated"
	OrphanReconciled    = "relay_orphan_reconciled"
	UpgradeRejected     = "signaling_upgrade_rejected"
)

// Orchestrator events.
const (
	SessionCreated   = "orchestrator_session_created"
	SessionReplaced  = "orchestrator_session_replaced"
	SessionConnected = "orchestrator_session_connected"
	SessionFailed    = "orchestrator_session_failed"
	SessionTimeout   = "orchestrator_session_timeout"
	SessionClosed    = "orchestrator_session_closed"
	SignalDropped    = "orchestrator_signal_dropped"
	RelayUnavailable = "orchestrator_relay_unavailable"
)

// Metrics wraps a prometheus registry with the counters and gauges both
// binaries export. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	connections *prometheus.GaugeVec
	actors      prometheus.Gauge
	sessions    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "devicelink_events_total",
			Help: "Internal event counters.",
		}, []string{"event"}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devicelink_relay_connections",
			Help: "Open relay WebSocket connections by role.",
		}, []string{"role"}),
		actors: f.NewGauge(prometheus.GaugeOpts{
			Name: "devicelink_relay_resident_actors",
			Help: "Relay actors currently held in memory.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "devicelink_orchestrator_sessions",
			Help: "Live negotiation sessions.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(event string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(event).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) SetResidentActors(n int) {
	if m == nil {
		return
	}
	m.actors.Set(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
