/*
Package metrics defines and registers the Prometheus metrics exposed by a
node: leadership state, session health, cluster visibility (restoring/
snapshotting/live node counts), id-allocation contention, snapshot/restore
outcomes and durations, coordination call latency, and control loop state.

All metrics are package-level variables registered at init() and exposed
via Handler(), which callers mount at /metrics.

Usage:

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	err := doSomething()
	timer.ObserveDurationVec(metrics.CoordCallDuration, "get")

Collector polls pkg/registry and pkg/leaderlock on an interval and
republishes their state as gauges, since those components are only queried
on demand by the control loop otherwise.
*/
package metrics
