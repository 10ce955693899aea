// Package health provides pluggable liveness checks (exec and TCP) used to
// probe the mysqld process and the coordination agent, independent of the
// control loop's own session-liveness bookkeeping.
package health
