package session

import (
	"errors"
	"fmt"
	"testing"
)

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateActive, "active"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{StateError, "error"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestError_MatchesKindAndCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("start: %w", newError(ConnectionFailure, cause))

	if !errors.Is(err, ErrConnectionFailure) {
		t.Error("errors.Is(err, ErrConnectionFailure) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if errors.Is(err, ErrTransportDropped) {
		t.Error("matched the wrong kind")
	}
	var se *Error
	if !errors.As(err, &se) || se.Kind != ConnectionFailure {
		t.Fatalf("errors.As = %v, kind %v", se, se.Kind)
	}
	want := "session: connection_failure: dial tcp: connection refused"
	if se.Error() != want {
		t.Errorf("Error() = %q, want %q", se.Error(), want)
	}
}

func TestErrorKind_Fatal(t *testing.T) {
	t.Parallel()
	for _, k := range []ErrorKind{PermissionDenied, ConnectionFailure, TransportDropped, CaptureLost} {
		if !k.Fatal() {
			t.Errorf("%v should be fatal", k)
		}
	}
	for _, k := range []ErrorKind{ProtocolError, PlaybackUnderrun} {
		if k.Fatal() {
			t.Errorf("%v should not be fatal", k)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	if got := KindOf(errors.New("plain")); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
	if got := KindOf(newError(CaptureLost, nil)); got != CaptureLost {
		t.Errorf("KindOf = %v, want capture_lost", got)
	}
	if got := newError(CaptureLost, nil).Error(); got != "session: capture_lost" {
		t.Errorf("Error() = %q", got)
	}
}
