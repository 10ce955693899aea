package control

import "errors"

// ErrDegraded is returned by Run (the loop's terminal condition) once a
// Running-state tick or a session recovery has failed and the node has
// entered StateDegraded; the node does not participate in the cluster again
// until restarted. Tick itself returns the underlying error.
var ErrDegraded = errors.New("control: node is degraded, restart required")
