// Package mock provides in-memory implementations of the [audio.CaptureDevice]
// and [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	handle := mock.NewCaptureHandle(8)
//	mic := &mock.CaptureDevice{Handle: handle}
//	out := &mock.OutputDevice{}
//	// ... start a session with mic and out ...
//	handle.Push(audio.AudioFrame{Samples: make([]float32, 4096), SampleRate: 16000, Channels: 1})
//	out.SetTime(2 * time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice   = (*CaptureDevice)(nil)
	_ audio.CaptureHandle   = (*CaptureHandle)(nil)
	_ audio.OutputDevice    = (*OutputDevice)(nil)
	_ audio.ScheduledSource = (*Source)(nil)
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// Handle is returned by Acquire. If nil or already closed, Acquire
	// creates a new handle with a 16-frame buffer and stores it here, so a
	// device can be acquired again after release.
	Handle *CaptureHandle

	// AcquireError is returned by Acquire when non-nil.
	AcquireError error

	// Gate, when non-nil, makes Acquire wait until Gate is closed or the
	// context is cancelled. Use it to hold a session in Connecting.
	Gate <-chan struct{}

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int
}

// Acquire implements [audio.CaptureDevice].
func (d *CaptureDevice) Acquire(ctx context.Context) (audio.CaptureHandle, error) {
	d.mu.Lock()
	d.CallCountAcquire++
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AcquireError != nil {
		return nil, d.AcquireError
	}
	if d.Handle == nil || d.Handle.isClosed() {
		d.Handle = NewCaptureHandle(16)
	}
	return d.Handle, nil
}

// CurrentHandle returns the handle the most recent Acquire returned, or the
// preset Handle.
func (d *CaptureDevice) CurrentHandle() *CaptureHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Handle
}

// AcquireCalls returns the number of Acquire calls so far.
func (d *CaptureDevice) AcquireCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountAcquire
}

// CaptureHandle is a mock implementation of [audio.CaptureHandle]. Tests feed
// frames with [CaptureHandle.Push].
type CaptureHandle struct {
	mu       sync.Mutex
	frames   chan audio.AudioFrame
	closed   bool
	released int
}

// NewCaptureHandle returns a handle whose frame channel has the given buffer.
func NewCaptureHandle(buffer int) *CaptureHandle {
	return &CaptureHandle{frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.CaptureHandle].
func (h *CaptureHandle) Frames() <-chan audio.AudioFrame { return h.frames }

// Release implements [audio.CaptureHandle]. It records the call and closes the
// frame channel on first use.
func (h *CaptureHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	h.closeLocked()
	return nil
}

// Push delivers frame to the consumer without blocking, like a device
// callback would. It reports false if the frame was dropped because the
// handle is closed or the buffer is full.
func (h *CaptureHandle) Push(frame audio.AudioFrame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case h.frames <- frame:
		return true
	default:
		return false
	}
}

// Lose closes the frame channel without a Release call, simulating a device
// that disappears mid-capture.
func (h *CaptureHandle) Lose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
}

// ReleaseCalls returns the number of Release calls so far.
func (h *CaptureHandle) ReleaseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *CaptureHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *CaptureHandle) closeLocked() {
	if !h.closed {
		h.closed = true
		close(h.frames)
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice] driven by a
// manual clock. Nothing plays on its own: tests advance the clock with
// [OutputDevice.SetTime] and complete sources with [OutputDevice.Finish].
type OutputDevice struct {
	mu      sync.Mutex
	now     time.Duration
	sources []*Source
}

// ScheduleBuffer implements [audio.OutputDevice]. It records the call and
// returns a [Source] handle.
func (o *OutputDevice) ScheduleBuffer(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) audio.ScheduledSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &Source{Buffer: buf, At: at, onEnded: onEnded}
	o.sources = append(o.sources, s)
	return s
}

// CurrentTime implements [audio.OutputDevice].
func (o *OutputDevice) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetTime moves the device clock to t.
func (o *OutputDevice) SetTime(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Sources returns a snapshot of every source scheduled so far, in order.
func (o *OutputDevice) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}

// Finish simulates natural completion of the i-th scheduled source by
// invoking its onEnded callback. Stopped sources are not finished.
func (o *OutputDevice) Finish(i int) {
	o.mu.Lock()
	if i < 0 || i >= len(o.sources) {
		o.mu.Unlock()
		return
	}
	s := o.sources[i]
	o.mu.Unlock()

	s.mu.Lock()
	if s.stopped > 0 || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	cb := s.onEnded
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Source is the [audio.ScheduledSource] returned by [OutputDevice].
type Source struct {
	// Buffer is the buffer passed to ScheduleBuffer.
	Buffer audio.PlaybackBuffer
	// At is the start time passed to ScheduleBuffer.
	At time.Duration

	mu      sync.Mutex
	onEnded func()
	stopped int
	ended   bool
}

// Stop implements [audio.ScheduledSource]. Records the call.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

// StopCalls returns how many times Stop was called.
func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Device is a mock [audio.Device]: a [CaptureDevice] and an [OutputDevice]
// with a recorded Open/Close lifecycle.
type Device struct {
	CaptureDevice
	OutputDevice

	// OpenError is returned by Open when non-nil.
	OpenError error

	lmu        sync.Mutex
	openCalls  int
	closeCalls int
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) error {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.openCalls++
	if d.OpenError != nil {
		return d.OpenError
	}
	return ctx.Err()
}

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.closeCalls++
	return nil
}

// OpenCalls returns the number of times Open was called.
func (d *Device) OpenCalls() int {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	return d.openCalls
}

// CloseCalls returns the number of times Close was called.
func (d *Device) CloseCalls() int {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	return d.closeCalls
}
