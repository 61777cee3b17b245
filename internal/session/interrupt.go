package session

import "fmt"

// interrupt handles a barge-in: the user started speaking over the agent.
// Everything still scheduled is silenced at once and the playback cursor
// jumps to the device's current time, so the next reply starts fresh. The
// session stays active.
func (c *Controller) interrupt(r *run) {
	c.interrupted.Store(true)
	defer c.interrupted.Store(false)

	n := r.scheduler.Flush()
	if n > 0 {
		c.metrics.PlaybackBacklog.Add(r.ctx, -int64(n))
	}
	c.metrics.Interruptions.Add(r.ctx, 1)
	r.log.Debug("playback interrupted", "stopped_sources", n)
	c.status(fmt.Sprintf("interrupted: stopped %d scheduled buffers", n))
}
