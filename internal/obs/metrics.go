package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WaitingConns           = promauto.NewGauge(prometheus.GaugeOpts{Name: "rendezvous_waiting_conns", Help: "Connections in the waiting pool"})
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "rendezvous_active_sessions", Help: "Sessions currently relaying"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_sessions_total", Help: "Sessions established"})
	JoinsTotal             = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_joins_total", Help: "JOIN requests accepted into the pool"})
	LeavesTotal            = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_leaves_total", Help: "Waiting connections withdrawn by LEAVE or disconnect"})
	RequeuesTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_requeues_total", Help: "Half-pairs returned to the head of the pool"})
	DeadDroppedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_dead_dropped_total", Help: "Dead connections discarded at dequeue"})
	RejectedTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_rejected_total", Help: "Connections refused before entering the pool"}, []string{"reason"})
	DirectionExitsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_direction_exits_total", Help: "Relay direction exits by outcome"}, []string{"outcome"})
	BytesRelayedTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_bytes_relayed_total", Help: "Payload bytes forwarded between peers by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rendezvous_errors_total", Help: "Errors by type"}, []string{"type"})
	InvariantViolations    = promauto.NewCounter(prometheus.CounterOpts{Name: "rendezvous_invariant_violations_total", Help: "Internal invariant violations detected in non-strict mode"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rendezvous_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
