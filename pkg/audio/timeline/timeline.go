// Package timeline implements [audio.OutputDevice] in software.
//
// A [Renderer] keeps every scheduled buffer on a sample-accurate timeline and
// mixes them into whatever block the hardware asks for via [Renderer.Render].
// The device clock is the number of frames rendered so far, so CurrentTime
// advances exactly as fast as the sink consumes audio. Buffers are converted
// to the renderer's rate and channel layout when they are scheduled.
//
// Hardware adapters (audio/portaudio, audio/discord) own a Renderer and call
// Render from their output loop.
package timeline

import (
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

var _ audio.OutputDevice = (*Renderer)(nil)

// Renderer mixes scheduled buffers onto a shared timeline. It is safe for
// concurrent use.
type Renderer struct {
	rate     int
	channels int

	mu      sync.Mutex
	pos     int64 // frames rendered since creation
	sources []*source
}

// New returns a Renderer producing interleaved audio at sampleRate with the
// given channel count (1 or 2).
func New(sampleRate, channels int) *Renderer {
	if channels != 2 {
		channels = 1
	}
	return &Renderer{rate: sampleRate, channels: channels}
}

// Format returns the renderer's output format.
func (r *Renderer) Format() audio.Format {
	return audio.Format{SampleRate: r.rate, Channels: r.channels}
}

// CurrentTime implements [audio.OutputDevice].
func (r *Renderer) CurrentTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.FramesDuration(int(r.pos), r.rate)
}

// ScheduleBuffer implements [audio.OutputDevice]. A start time in the past is
// moved to the next rendered frame. The source spans the frames between the
// rounded positions of at and at+buf.Duration, so buffers scheduled back to
// back on the device clock neither overlap nor leave a gap.
func (r *Renderer) ScheduleBuffer(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) audio.ScheduledSource {
	dur := buf.Duration
	if dur <= 0 {
		dur = audio.FramesDuration(buf.Frames(), buf.SampleRate)
	}
	start, end := r.frameAt(at), r.frameAt(at+dur)
	samples := r.convert(buf)

	r.mu.Lock()
	defer r.mu.Unlock()
	if start < r.pos {
		end += r.pos - start
		start = r.pos
	}
	frames := end - start
	s := &source{
		r:       r,
		samples: fitFrames(samples, int(frames), r.channels),
		start:   start,
		frames:  frames,
		onEnded: onEnded,
	}
	r.sources = append(r.sources, s)
	return s
}

// frameAt converts a device time to the nearest frame index.
func (r *Renderer) frameAt(at time.Duration) int64 {
	return (int64(at)*int64(r.rate) + int64(time.Second)/2) / int64(time.Second)
}

// fitFrames trims or pads samples to exactly frames frames. Padding repeats
// the last frame.
func fitFrames(samples []float32, frames, channels int) []float32 {
	want := frames * channels
	switch {
	case len(samples) == want:
		return samples
	case len(samples) > want:
		return samples[:want]
	}
	out := make([]float32, want)
	n := copy(out, samples)
	if n < channels {
		return out
	}
	last := samples[n-channels : n]
	for i := n; i < want; i += channels {
		copy(out[i:], last)
	}
	return out
}

// Pending returns the number of sources that are waiting or playing.
func (r *Renderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

// Render fills out with the next block of mixed audio and advances the clock
// by len(out)/channels frames. Callbacks of sources that finished within the
// block run after the internal lock is released.
func (r *Renderer) Render(out []float32) {
	clear(out)
	n := int64(len(out) / r.channels)

	var ended []func()

	r.mu.Lock()
	blockStart, blockEnd := r.pos, r.pos+n
	kept := r.sources[:0]
	for _, s := range r.sources {
		from := max(blockStart, s.start)
		to := min(blockEnd, s.start+s.frames)
		for f := from; f < to; f++ {
			src := (f - s.start) * int64(r.channels)
			dst := (f - blockStart) * int64(r.channels)
			for c := range int64(r.channels) {
				out[dst+c] += s.samples[src+c]
			}
		}
		if s.start+s.frames <= blockEnd {
			s.done = true
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
			continue
		}
		kept = append(kept, s)
	}
	clear(r.sources[len(kept):])
	r.sources = kept
	r.pos = blockEnd
	r.mu.Unlock()

	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}
	for _, fn := range ended {
		fn()
	}
}

func (r *Renderer) convert(buf audio.PlaybackBuffer) []float32 {
	samples := buf.Samples
	if buf.Channels > 1 {
		samples = audio.DownmixMono(samples, buf.Channels)
	}
	samples = audio.ResampleLinear(samples, buf.SampleRate, r.rate)
	if r.channels == 2 {
		samples = audio.MonoToStereo(samples)
	}
	return samples
}

func (r *Renderer) remove(s *source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	for i, cur := range r.sources {
		if cur == s {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			return
		}
	}
}

type source struct {
	r       *Renderer
	samples []float32
	start   int64
	frames  int64
	onEnded func()
	done    bool // guarded by r.mu
}

// Stop removes the source from the timeline. onEnded does not fire for a
// stopped source.
func (s *source) Stop() { s.r.remove(s) }
