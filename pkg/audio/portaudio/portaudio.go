// Package portaudio provides a local microphone and speaker pair backed by
// PortAudio.
//
// Capture uses a blocking input stream that reads fixed-size blocks and hands
// them to the session without ever blocking the read loop. Playback runs a
// [timeline.Renderer] and writes each rendered block to a blocking output
// stream, so the device clock is driven by the sound card.
//
// PortAudio must be installed on the host (portaudio19-dev on Debian,
// `brew install portaudio` on macOS).
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/timeline"
)

// Default stream parameters.
const (
	DefaultBlockSize        = 4096
	DefaultCaptureRate      = 16000
	DefaultPlaybackRate     = 24000
	defaultPlaybackBlock    = 512
	defaultFrameChannelSize = 8
)

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// Option is a functional option for configuring a [Device].
type Option func(*Device)

// WithBlockSize sets the number of frames per captured block.
func WithBlockSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.blockSize = n
		}
	}
}

// WithCaptureRate sets the microphone sample rate in Hz.
func WithCaptureRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.captureRate = rate
		}
	}
}

// WithPlaybackRate sets the speaker sample rate in Hz.
func WithPlaybackRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.playbackRate = rate
		}
	}
}

// Device is a PortAudio microphone and speaker. Call [Device.Open] before the
// first session and [Device.Close] on shutdown.
type Device struct {
	blockSize    int
	captureRate  int
	playbackRate int

	renderer *timeline.Renderer

	mu     sync.Mutex
	out    *pa.Stream
	done   chan struct{}
	wg     sync.WaitGroup
	opened bool
}

// New creates a Device. It does not touch the hardware.
func New(opts ...Option) *Device {
	d := &Device{
		blockSize:    DefaultBlockSize,
		captureRate:  DefaultCaptureRate,
		playbackRate: DefaultPlaybackRate,
	}
	for _, o := range opts {
		o(d)
	}
	d.renderer = timeline.New(d.playbackRate, 1)
	return d
}

// Open initialises PortAudio and starts the output stream.
func (d *Device) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]float32, defaultPlaybackBlock)
	stream, err := pa.OpenDefaultStream(0, 1, float64(d.playbackRate), len(buf), buf)
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return fmt.Errorf("portaudio: start output: %w", err)
	}

	d.out = stream
	d.done = make(chan struct{})
	d.opened = true
	d.wg.Add(1)
	go d.playbackLoop(stream, buf, d.done)
	return nil
}

// Close stops playback and releases PortAudio. Handles returned by Acquire
// must be released first.
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil
	}
	d.opened = false
	close(d.done)
	stream := d.out
	d.mu.Unlock()

	d.wg.Wait()
	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop output: %w", err))
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close output: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}

// ScheduleBuffer implements [audio.OutputDevice].
func (d *Device) ScheduleBuffer(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) audio.ScheduledSource {
	return d.renderer.ScheduleBuffer(buf, at, onEnded)
}

// CurrentTime implements [audio.OutputDevice].
func (d *Device) CurrentTime() time.Duration { return d.renderer.CurrentTime() }

func (d *Device) playbackLoop(stream *pa.Stream, buf []float32, done <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-done:
			return
		default:
		}
		d.renderer.Render(buf)
		if err := stream.Write(); err != nil {
			// Output underflow is reported as an error but the stream keeps
			// running.
			if errors.Is(err, pa.OutputUnderflowed) {
				continue
			}
			slog.Warn("portaudio: playback write failed", "err", err)
			return
		}
	}
}

// Acquire implements [audio.CaptureDevice]. It opens a mono input stream at
// the configured capture rate.
func (d *Device) Acquire(ctx context.Context) (audio.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	opened := d.opened
	d.mu.Unlock()
	if !opened {
		return nil, errors.New("portaudio: device not open")
	}

	buf := make([]float32, d.blockSize)
	stream, err := pa.OpenDefaultStream(1, 0, float64(d.captureRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input: %w: %w", audio.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input: %w: %w", audio.ErrPermissionDenied, err)
	}

	h := &captureHandle{
		stream:  stream,
		frames:  make(chan audio.AudioFrame, defaultFrameChannelSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.readLoop(buf, d.captureRate)
	return h, nil
}

type captureHandle struct {
	stream *pa.Stream
	frames chan audio.AudioFrame

	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
}

func (h *captureHandle) Frames() <-chan audio.AudioFrame { return h.frames }

func (h *captureHandle) Release() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		// Stop unblocks a pending Read.
		err = h.stream.Stop()
		<-h.stopped
		if cerr := h.stream.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	if err != nil {
		slog.Debug("portaudio: release input", "err", err)
	}
	return nil
}

func (h *captureHandle) readLoop(buf []float32, rate int) {
	defer close(h.stopped)
	defer close(h.frames)
	var pos int
	for {
		select {
		case <-h.done:
			return
		default:
		}
		if err := h.stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				continue
			}
			select {
			case <-h.done:
			default:
				slog.Warn("portaudio: capture read failed", "err", err)
			}
			return
		}
		samples := make([]float32, len(buf))
		copy(samples, buf)
		frame := audio.AudioFrame{
			Samples:    samples,
			SampleRate: rate,
			Channels:   1,
			Timestamp:  audio.FramesDuration(pos, rate),
		}
		pos += len(buf)
		select {
		case h.frames <- frame:
		default:
			// Consumer is behind; drop rather than stall the stream.
		}
	}
}
