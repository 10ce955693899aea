package coord

import "errors"

// ErrTransient is returned when an operation exhausted its retry budget
// without the underlying coordination service becoming reachable.
var ErrTransient = errors.New("coord: transient failure, retry budget exhausted")

// ErrCASConflict names a compare-and-swap conflict. CASPut does not return
// it: a lost race is reported as (false, nil), and callers re-read and retry.
var ErrCASConflict = errors.New("coord: compare-and-swap conflict")

// ErrNotFound reports an absent key or session. Get does not return it (an
// absent key is a nil Entry with a nil error); pkg/coord/fake returns it from
// SessionRenew for an unknown or expired session.
var ErrNotFound = errors.New("coord: key not found")
