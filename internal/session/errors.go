package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session failures.
type ErrorKind int

const (
	// PermissionDenied means the capture device could not be acquired.
	PermissionDenied ErrorKind = iota + 1

	// ConnectionFailure means the transport could not be established or its
	// setup handshake was rejected.
	ConnectionFailure

	// ProtocolError means an inbound chunk was malformed. The chunk is
	// dropped and the session continues.
	ProtocolError

	// PlaybackUnderrun means a chunk arrived after the playback timeline had
	// already run dry. Recovered locally by starting the chunk immediately.
	PlaybackUnderrun

	// TransportDropped means the transport ended while the session was
	// active. Fatal to the run.
	TransportDropped

	// CaptureLost means the capture device stopped delivering frames while
	// the session was active. Fatal to the run.
	CaptureLost
)

// Sentinel errors, one per [ErrorKind], for use with [errors.Is].
var (
	ErrPermissionDenied  = errors.New("session: permission denied")
	ErrConnectionFailure = errors.New("session: connection failure")
	ErrProtocol          = errors.New("session: protocol error")
	ErrPlaybackUnderrun  = errors.New("session: playback underrun")
	ErrTransportDropped  = errors.New("session: transport dropped")
	ErrCaptureLost       = errors.New("session: capture lost")
)

var (
	// ErrInvalidState is returned by Start when the controller is neither
	// idle nor closed.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrStopped is returned by Start when Stop was called before the
	// session became active.
	ErrStopped = errors.New("session: stopped during start")

	// ErrSchedulerClosed is returned by [Scheduler.Schedule] after Close.
	ErrSchedulerClosed = errors.New("session: scheduler closed")
)

// String returns the snake_case name of the kind, as used in metric
// attributes and logs.
func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case ConnectionFailure:
		return "connection_failure"
	case ProtocolError:
		return "protocol_error"
	case PlaybackUnderrun:
		return "playback_underrun"
	case TransportDropped:
		return "transport_dropped"
	case CaptureLost:
		return "capture_lost"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Fatal reports whether an error of this kind ends the session.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ProtocolError, PlaybackUnderrun:
		return false
	default:
		return true
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case PermissionDenied:
		return ErrPermissionDenied
	case ConnectionFailure:
		return ErrConnectionFailure
	case ProtocolError:
		return ErrProtocol
	case PlaybackUnderrun:
		return ErrPlaybackUnderrun
	case TransportDropped:
		return ErrTransportDropped
	case CaptureLost:
		return ErrCaptureLost
	default:
		return nil
	}
}

// Error is a classified session failure. It matches its kind's sentinel and
// its cause under [errors.Is].
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "session: " + e.Kind.String()
	}
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the [ErrorKind] of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
