package reader

import "errors"

// ErrInvalidState is returned when an operation is attempted in a state that
// does not allow it, such as opening a supervisor twice.
var ErrInvalidState = errors.New("invalid reader state")

// State is the lifecycle stage of a [Supervisor].
//
// States only move forward: Idle → Starting → Running → Exiting → Closed.
// A supervisor whose process fails to spawn goes from Starting straight to
// Closed.
type State int

const (
	// Idle means the supervisor has been created but not opened.
	Idle State = iota

	// Starting means Open was called and the process is being spawned.
	Starting

	// Running means the process is live and its output is being read.
	Running

	// Exiting means the read loop has ended and cleanup is in progress.
	Exiting

	// Closed means the process has been reaped and released.
	Closed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
