package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Leadership metrics
	AmLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcm_am_leader",
			Help: "Whether this node currently holds the replication leader lock (1 = leader, 0 = follower)",
		},
	)

	LeaderAcquisitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcm_leader_acquisitions_total",
			Help: "Total number of times this node acquired the leader lock",
		},
	)

	// Session metrics
	SessionRenewalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcm_session_renewals_total",
			Help: "Total number of successful session renewals",
		},
	)

	SessionLossesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcm_session_losses_total",
			Help: "Total number of times the node's coordination session was lost",
		},
	)

	// Cluster visibility metrics
	NodesRestoring = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcm_nodes_restoring",
			Help: "Whether any node in the registry currently has restoring=true (1 = yes, 0 = no), as observed by this node",
		},
	)

	NodesSnapshotting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcm_nodes_snapshotting",
			Help: "Whether any node in the registry currently has snapshotting=true (1 = yes, 0 = no), as observed by this node",
		},
	)

	LiveNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcm_live_nodes_total",
			Help: "Number of nodes currently eligible as routing targets",
		},
	)

	// IdAllocator metrics
	IDAllocCASRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcm_id_alloc_cas_retries_total",
			Help: "Total number of CAS retries while allocating a server id",
		},
	)

	// Snapshot workflow metrics
	SnapshotAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcm_snapshot_attempts_total",
			Help: "Total number of snapshot create attempts by outcome",
		},
		[]string{"outcome"},
	)

	RestoreAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcm_restore_attempts_total",
			Help: "Total number of restore attempts by outcome",
		},
		[]string{"outcome"},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcm_snapshot_duration_seconds",
			Help:    "Time taken to complete a snapshot create, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	RestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcm_restore_duration_seconds",
			Help:    "Time taken to complete a restore, in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// Coordination client metrics
	CoordCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcm_coord_call_duration_seconds",
			Help:    "Duration of CoordClient calls by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	CoordTransientFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcm_coord_transient_failures_total",
			Help: "Total number of CoordClient calls that exhausted their retry budget",
		},
		[]string{"op"},
	)

	// Control loop metrics
	ControlLoopTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcm_control_loop_tick_duration_seconds",
			Help:    "Time taken for one control loop tick, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ControlLoopState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcm_control_loop_state",
			Help: "Whether the control loop currently occupies a given state (1 = current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// Router bridge metrics
	RouterSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcm_router_syncs_total",
			Help: "Total number of router backend-list syncs by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		AmLeader,
		LeaderAcquisitionsTotal,
		SessionRenewalsTotal,
		SessionLossesTotal,
		NodesRestoring,
		NodesSnapshotting,
		LiveNodesTotal,
		IDAllocCASRetriesTotal,
		SnapshotAttemptsTotal,
		RestoreAttemptsTotal,
		SnapshotDuration,
		RestoreDuration,
		CoordCallDuration,
		CoordTransientFailuresTotal,
		ControlLoopTickDuration,
		ControlLoopState,
		RouterSyncsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetLeader sets the AmLeader gauge from a bool.
func SetLeader(leader bool) {
	if leader {
		AmLeader.Set(1)
	} else {
		AmLeader.Set(0)
	}
}

// SetBoolGauge sets a gauge to 1 or 0 from a bool, for the cluster
// visibility gauges (NodesRestoring, NodesSnapshotting) which are boolean
// in nature but exported as gauges for dashboarding consistency.
func SetBoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
