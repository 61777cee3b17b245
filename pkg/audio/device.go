// Package audio defines the audio types, wire-format conversions, and device
// contracts used by a livevoice session.
//
// The two device abstractions are:
//
//   - [CaptureDevice] acquires a microphone and delivers fixed-size
//     [AudioFrame] blocks on a channel until released.
//   - [OutputDevice] schedules [PlaybackBuffer] values at absolute device
//     times and reports its own playback clock.
//
// Implementations are provided by adapter packages (audio/portaudio,
// audio/discord) and by audio/mock for tests.
//
// This package lives under pkg/ because external code is expected to
// implement [CaptureDevice] and [OutputDevice].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned (possibly wrapped) by [CaptureDevice.Acquire]
// when the microphone cannot be opened.
var ErrPermissionDenied = errors.New("audio: capture permission denied")

// CaptureDevice is the entry point for a microphone.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Acquire opens the device and starts delivering frames. The supplied ctx
	// governs the acquisition attempt only. Returns an error (typically
	// wrapping [ErrPermissionDenied]) if the device cannot be opened.
	Acquire(ctx context.Context) (CaptureHandle, error)
}

// CaptureHandle represents an acquired microphone.
type CaptureHandle interface {
	// Frames returns the channel on which captured frames arrive at the
	// device's fixed cadence. The channel is buffered; the device drops frames
	// rather than block its own callback when the consumer falls behind. The
	// channel is closed after Release, or earlier if the device is lost.
	Frames() <-chan AudioFrame

	// Release stops capture and frees the device. It always succeeds from
	// the caller's point of view and is idempotent; subsequent calls are
	// no-ops that return nil.
	Release() error
}

// ScheduledSource is a live handle for a buffer queued or playing on an
// [OutputDevice].
type ScheduledSource interface {
	// Stop silences the source immediately, whether it is still waiting for
	// its start time or already playing. Stop is idempotent. The onEnded
	// callback passed to ScheduleBuffer may or may not fire after Stop;
	// callers must tolerate both.
	Stop()
}

// OutputDevice plays buffers at absolute positions on its own clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// ScheduleBuffer queues buf to begin playing at device time at. If at has
	// already passed, playback starts as soon as possible. onEnded (may be
	// nil) is invoked once, on a device goroutine, after the buffer has
	// finished playing naturally. It is never invoked from within
	// ScheduleBuffer or Stop.
	ScheduleBuffer(buf PlaybackBuffer, at time.Duration, onEnded func()) ScheduledSource

	// CurrentTime returns the device's playback clock: the position of the
	// sample currently being emitted, measured from device start.
	CurrentTime() time.Duration
}

// Device is a microphone and speaker pair with an explicit lifecycle, as
// provided by the hardware adapters. Open must succeed before the first
// Acquire; Close releases the hardware and is safe to call more than once.
type Device interface {
	CaptureDevice
	OutputDevice

	Open(ctx context.Context) error
	Close() error
}
