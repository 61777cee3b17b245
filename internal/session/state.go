// Package session implements the real-time duplex voice session: the
// controller that owns the lifecycle, the capture-to-transport pipeline, the
// playback scheduler that lays inbound audio on a gapless timeline, and the
// barge-in flush.
//
// A [Controller] is the single owner of session state. Sub-components
// (encoder, send queue, scheduler) never change state themselves; every
// failure is routed back through the controller, which tears the run down
// before the error becomes visible to callers.
//
// Lifecycle:
//
//	Idle → Connecting → Active → Closing → Closed
//	                      └──→ Error ──→ Closed
//
// A Closed controller can be started again. Reconnection policy lives
// outside the controller in [Supervisor].
package session

import "fmt"

// State is the lifecycle state of a [Controller].
type State int

const (
	// StateIdle is the initial state. Start is valid.
	StateIdle State = iota

	// StateConnecting is entered by Start while the capture device and the
	// transport are being acquired.
	StateConnecting

	// StateActive means audio flows in both directions.
	StateActive

	// StateClosing is entered by Stop while resources are being released.
	StateClosing

	// StateClosed is terminal for a run. Start is valid again.
	StateClosed

	// StateError is entered when an active run fails. It is always followed
	// by StateClosed once teardown has finished.
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// canStart reports whether Start is valid from s.
func (s State) canStart() bool {
	return s == StateIdle || s == StateClosed
}
