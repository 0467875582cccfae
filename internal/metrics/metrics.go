package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "presence"

// Recorder exposes Prometheus metrics for the presence engine. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	connections *prometheus.GaugeVec
	online      *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	frames      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	reaped      prometheus.Counter
	rejected    *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live WebSocket connections by role",
		}, []string{"role"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_identities",
			Help:      "Identities with at least one live connection, by role",
		}, []string{"role"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Presence transitions grouped by role and direction",
		}, []string{"role", "direction"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames grouped by event and outcome",
		}, []string{"event", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Routed messages grouped by outcome",
		}, []string{"outcome"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_connections_total",
			Help:      "Connections closed for missing a liveness probe",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_upgrades_total",
			Help:      "Upgrade requests refused before registration",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		r.connections,
		r.online,
		r.transitions,
		r.frames,
		r.deliveries,
		r.reaped,
		r.rejected,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ConnectionOpened increments the live connection gauge for role.
func (r *Recorder) ConnectionOpened(role string) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(role).Inc()
}

func (r *Recorder) ConnectionClosed(role string) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(role).Dec()
}

// ObserveOnline records an identity coming online (first connection).
func (r *Recorder) ObserveOnline(role string) {
	if r == nil {
		return
	}
	r.online.WithLabelValues(role).Inc()
	r.transitions.WithLabelValues(role, "online").Inc()
}

// ObserveOffline records an identity going offline (last connection).
func (r *Recorder) ObserveOffline(role string) {
	if r == nil {
		return
	}
	r.online.WithLabelValues(role).Dec()
	r.transitions.WithLabelValues(role, "offline").Inc()
}

// ObserveFrame records the outcome of one inbound frame.
func (r *Recorder) ObserveFrame(event, outcome string) {
	if r == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	r.frames.WithLabelValues(event, outcome).Inc()
}

// ObserveDelivery records whether a routed message reached anyone.
func (r *Recorder) ObserveDelivery(delivered bool) {
	if r == nil {
		return
	}
	outcome := "delivered"
	if !delivered {
		outcome = "unreachable"
	}
	r.deliveries.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveReaped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reaped.Add(float64(n))
}

func (r *Recorder) ObserveRejectedUpgrade(reason string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(reason).Inc()
}
