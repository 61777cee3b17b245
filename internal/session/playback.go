package session

import (
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Placement describes where [Scheduler.Schedule] put a buffer on the device
// timeline.
type Placement struct {
	// Start and End are device times.
	Start time.Duration
	End   time.Duration

	// Underrun is set when the timeline had already run dry: the device
	// clock was past the end of the previously scheduled audio. Gap is how
	// far past.
	Underrun bool
	Gap      time.Duration
}

// Scheduler lays decoded buffers end-to-end on an [audio.OutputDevice]
// timeline so consecutive chunks play without gaps or overlap, and tracks
// every source that has not finished so they can be stopped together.
//
// A single mutex guards the timeline cursor and the outstanding set.
// ScheduledSource.Stop is never called while it is held.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	output audio.OutputDevice

	// onEnded, when set, is told each time a source finishes naturally.
	onEnded func()

	mu        sync.Mutex
	nextStart time.Duration
	primed    bool // something was scheduled since the last reset
	sources   map[uint64]audio.ScheduledSource
	nextID    uint64
	closed    bool
}

// NewScheduler returns a Scheduler for output. The timeline cursor starts at
// the device's current time.
func NewScheduler(output audio.OutputDevice) *Scheduler {
	return &Scheduler{
		output:    output,
		nextStart: output.CurrentTime(),
		sources:   make(map[uint64]audio.ScheduledSource),
	}
}

// Schedule places buf at max(nextStart, now) and advances the cursor by its
// duration. Returns [ErrSchedulerClosed] after Close.
func (s *Scheduler) Schedule(buf audio.PlaybackBuffer) (Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Placement{}, ErrSchedulerClosed
	}

	now := s.output.CurrentTime()
	var p Placement
	start := s.nextStart
	if now > start {
		if s.primed {
			p.Underrun = true
			p.Gap = now - start
		}
		start = now
	}

	id := s.nextID
	s.nextID++
	// The device never calls onEnded from within ScheduleBuffer, and the
	// callback blocks on s.mu until the source is registered below.
	src := s.output.ScheduleBuffer(buf, start, func() { s.finished(id) })
	s.sources[id] = src

	s.nextStart = start + buf.Duration
	s.primed = true
	p.Start = start
	p.End = s.nextStart
	return p, nil
}

// finished drops a naturally completed source from the outstanding set.
func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	_, ok := s.sources[id]
	delete(s.sources, id)
	onEnded := s.onEnded
	s.mu.Unlock()
	if ok && onEnded != nil {
		onEnded()
	}
}

// Flush stops every outstanding source, clears the set and resets the
// cursor to the device's current time. It returns the number of sources
// stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	srcs := s.takeLocked()
	s.nextStart = s.output.CurrentTime()
	s.primed = false
	s.mu.Unlock()

	for _, src := range srcs {
		src.Stop()
	}
	return len(srcs)
}

// Close stops every outstanding source and rejects further scheduling. It
// returns the number of sources stopped. Close is idempotent.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	s.closed = true
	srcs := s.takeLocked()
	s.mu.Unlock()

	for _, src := range srcs {
		src.Stop()
	}
	return len(srcs)
}

func (s *Scheduler) takeLocked() []audio.ScheduledSource {
	srcs := make([]audio.ScheduledSource, 0, len(s.sources))
	for id, src := range s.sources {
		srcs = append(srcs, src)
		delete(s.sources, id)
	}
	return srcs
}

// Outstanding returns the number of scheduled sources that have neither
// finished nor been stopped.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// NextStart returns the device time at which the next buffer would begin.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
