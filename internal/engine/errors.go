package engine

import "errors"

// ErrInvalidTransition is returned when an operation is not allowed from the
// submission's current state. Distinct from repo.ErrConflict so callers can
// tell "wrong state" apart from "another live submission holds the triple".
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrForbidden is returned when the actor lacks the role or ownership the
// operation requires.
var ErrForbidden = errors.New("operation not allowed for actor")
