package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/audio/timeline"
)

// buffer returns a mono buffer of the given length at 24 kHz.
func buffer(d time.Duration) audio.PlaybackBuffer {
	frames := int(d * 24000 / time.Second)
	return audio.PlaybackBuffer{
		Samples:    make([]float32, frames),
		SampleRate: 24000,
		Channels:   1,
		Duration:   audio.FramesDuration(frames, 24000),
	}
}

func TestScheduler_BackToBackWithoutGap(t *testing.T) {
	t.Parallel()
	out := &audiomock.OutputDevice{}
	s := NewScheduler(out)

	durations := []time.Duration{300 * time.Millisecond, 450 * time.Millisecond, 20 * time.Millisecond}
	var want time.Duration
	for i, d := range durations {
		p, err := s.Schedule(buffer(d))
		if err != nil {
			t.Fatalf("Schedule %d: %v", i, err)
		}
		if p.Start != want {
			t.Errorf("buffer %d starts at %v, want %v", i, p.Start, want)
		}
		if p.Underrun {
			t.Errorf("buffer %d: unexpected underrun", i)
		}
		want += d
		if p.End != want {
			t.Errorf("buffer %d ends at %v, want %v", i, p.End, want)
		}
	}

	srcs := out.Sources()
	for i := 1; i < len(srcs); i++ {
		prevEnd := srcs[i-1].At + srcs[i-1].Buffer.Duration
		if srcs[i].At != prevEnd {
			t.Errorf("source %d at %v, previous ends at %v", i, srcs[i].At, prevEnd)
		}
	}
}

func TestScheduler_RenderedChunksDoNotOverlap(t *testing.T) {
	t.Parallel()
	out := timeline.New(48000, 1)
	s := NewScheduler(out)

	for range 2 {
		buf := audio.PlaybackBuffer{SampleRate: 24000, Channels: 1, Duration: audio.FramesDuration(1000, 24000)}
		buf.Samples = make([]float32, 1000)
		for i := range buf.Samples {
			buf.Samples[i] = 0.5
		}
		if _, err := s.Schedule(buf); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	rendered := make([]float32, 4100)
	out.Render(rendered)
	for i, v := range rendered {
		want := float32(0.5)
		if i >= 4000 {
			want = 0
		}
		if v != want {
			t.Fatalf("frame %d = %v, want %v", i, v, want)
		}
	}
}

func TestScheduler_JitteredArrivals(t *testing.T) {
	t.Parallel()
	out := &audiomock.OutputDevice{}
	s := NewScheduler(out)

	// 1.2 s arrives at t=0, 0.8 s arrives half a second later while the
	// first is still playing.
	if _, err := s.Schedule(buffer(1200 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	out.SetTime(500 * time.Millisecond)
	p, err := s.Schedule(buffer(800 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	if p.Start != 1200*time.Millisecond {
		t.Errorf("second chunk starts at %v, want 1.2s", p.Start)
	}
	if p.End != 2*time.Second {
		t.Errorf("second chunk ends at %v, want 2s", p.End)
	}
	if s.NextStart() != 2*time.Second {
		t.Errorf("NextStart = %v, want 2s", s.NextStart())
	}
}

func TestScheduler_Underrun(t *testing.T) {
	t.Parallel()
	out := &audiomock.OutputDevice{}
	s := NewScheduler(out)

	if _, err := s.Schedule(buffer(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	out.SetTime(250 * time.Millisecond)
	p, err := s.Schedule(buffer(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Underrun {
		t.Fatal("expected underrun")
	}
	if p.Gap != 150*time.Millisecond {
		t.Errorf("Gap = %v, want 150ms", p.Gap)
	}
	if p.Start != 250*time.Millisecond {
		t.Errorf("Start = %v, want now (250ms)", p.Start)
	}
}

func TestScheduler_FirstChunkIsNotAnUnderrun(t *testing.T) {
	t.Parallel()
	out := &audiomock.OutputDevice{}
	s := NewScheduler(out)

	out.SetTime(3 * time.Second)
	p, err := s.Schedule(buffer(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if p.Underrun {
		t.Error("first chunk reported as underrun")
	}
	if p.Start != 3*time.Second {
		t.Errorf("Start = %v, want 3s", p.Start)
	}
}

func TestScheduler_NaturalCompletionRemovesSource(t *testing.T) {
	t.Parallel()
	out := &audiomock.OutputDevice{}
	s := NewScheduler(out)
	ended := 0
	s.onEnded = func() { ended++ }

	for range 2 {
		if _, err := s.Schedule(buffer(100 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	out.Finish(0)

	if got := s.Outstanding(); got != 1 {
		t.Errorf("Outstanding = %d, want 1", got)
	}
	if ended != 1 {
		t.Errorf("onEnded calls = %d, want 1", ended)
	}
	if got := s.NextStart(); got != 200*time.Millisecond {
		t.Errorf("NextStart = %v, want 200ms (completion must not move the cursor)", got)
	}
}

func TestScheduler_FlushStopsEverything(t *testing.T) {
	t.Parallel()
	out := &audiomock.OutputDevice{}
	s := NewScheduler(out)

	for range 2 {
		if _, err := s.Schedule(buffer(time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	out.SetTime(300 * time.Millisecond)

	if n := s.Flush(); n != 2 {
		t.Fatalf("Flush stopped %d sources, want 2", n)
	}
	for i, src := range out.Sources() {
		if src.StopCalls() != 1 {
			t.Errorf("source %d stopped %d times, want 1", i, src.StopCalls())
		}
	}
	if got := s.Outstanding(); got != 0 {
		t.Errorf("Outstanding = %d, want 0", got)
	}
	if got := s.NextStart(); got != 300*time.Millisecond {
		t.Errorf("NextStart = %v, want 300ms", got)
	}

	p, err := s.Schedule(buffer(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if p.Start != 300*time.Millisecond {
		t.Errorf("post-flush chunk starts at %v, want 300ms", p.Start)
	}
	if p.Underrun {
		t.Error("post-flush chunk reported as underrun")
	}
}

func TestScheduler_FlushEmptyIsNoop(t *testing.T) {
	t.Parallel()
	s := NewScheduler(&audiomock.OutputDevice{})
	if n := s.Flush(); n != 0 {
		t.Errorf("Flush = %d, want 0", n)
	}
}

func TestScheduler_StoppedSourceFinishingLateIsIgnored(t *testing.T) {
	t.Parallel()
	out := &lateOutput{OutputDevice: &audiomock.OutputDevice{}}
	s := NewScheduler(out)
	if _, err := s.Schedule(buffer(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	// A device may still report completion after Stop.
	out.fire()
	if got := s.Outstanding(); got != 0 {
		t.Errorf("Outstanding = %d, want 0", got)
	}
}

func TestScheduler_CloseRejectsSchedule(t *testing.T) {
	t.Parallel()
	out := &audiomock.OutputDevice{}
	s := NewScheduler(out)
	if _, err := s.Schedule(buffer(time.Second)); err != nil {
		t.Fatal(err)
	}

	if n := s.Close(); n != 1 {
		t.Errorf("Close stopped %d sources, want 1", n)
	}
	if n := s.Close(); n != 0 {
		t.Errorf("second Close stopped %d sources, want 0", n)
	}
	if _, err := s.Schedule(buffer(time.Second)); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("Schedule after Close: err = %v, want ErrSchedulerClosed", err)
	}
	if got := len(out.Sources()); got != 1 {
		t.Errorf("device saw %d sources, want 1", got)
	}
}

func TestScheduler_StopNotCalledUnderLock(t *testing.T) {
	t.Parallel()
	out := &reentrantOutput{OutputDevice: &audiomock.OutputDevice{}}
	s := NewScheduler(out)
	out.sched = s

	for range 3 {
		if _, err := s.Schedule(buffer(time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Flush deadlocked: Stop was called with the scheduler lock held")
	}
	if out.stops != 3 {
		t.Errorf("stops = %d, want 3", out.stops)
	}
}

// reentrantOutput returns sources whose Stop calls back into the scheduler.
type reentrantOutput struct {
	*audiomock.OutputDevice
	sched *Scheduler
	stops int
}

func (o *reentrantOutput) ScheduleBuffer(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) audio.ScheduledSource {
	src := o.OutputDevice.ScheduleBuffer(buf, at, onEnded)
	return stopHook{ScheduledSource: src, hook: func() {
		_ = o.sched.Outstanding()
		o.stops++
	}}
}

type stopHook struct {
	audio.ScheduledSource
	hook func()
}

func (s stopHook) Stop() {
	s.hook()
	s.ScheduledSource.Stop()
}

// lateOutput keeps every onEnded callback so the test can fire them after
// the sources were stopped.
type lateOutput struct {
	*audiomock.OutputDevice
	mu       sync.Mutex
	callback []func()
}

func (o *lateOutput) ScheduleBuffer(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) audio.ScheduledSource {
	o.mu.Lock()
	o.callback = append(o.callback, onEnded)
	o.mu.Unlock()
	return o.OutputDevice.ScheduleBuffer(buf, at, nil)
}

func (o *lateOutput) fire() {
	o.mu.Lock()
	cbs := o.callback
	o.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
