package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

var (
	errCaptureClosed = errors.New("capture stream ended")
	errRemoteClosed  = errors.New("remote closed the session")
)

// Option configures a [Controller].
type Option func(*Controller)

// WithSessionConfig sets the voice and instructions sent to the provider on
// every Start.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(c *Controller) { c.sessCfg = cfg }
}

// WithQueueSize bounds the outbound packet queue. Values <= 0 keep the
// default of 32.
func WithQueueSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithInputFormat overrides the wire format of outbound packets. By default
// the provider's advertised input format is used, falling back to
// [audio.WireFormat].
func WithInputFormat(f audio.Format) Option {
	return func(c *Controller) { c.input = f }
}

// WithLogger sets the base logger. Each run adds a session_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller owns a duplex voice session: it acquires the microphone and the
// transport, pumps captured audio out, schedules inbound audio for gapless
// playback, flushes playback on barge-in, and tears everything down exactly
// once on Stop or failure.
//
// State-change, status and transcript notifications are delivered in order,
// one at a time, and never while the controller's lock is held, so handlers
// may call back into the controller (including Stop).
//
// All methods are safe for concurrent use.
type Controller struct {
	provider s2s.Provider
	capture  audio.CaptureDevice
	output   audio.OutputDevice

	sessCfg   s2s.SessionConfig
	queueSize int
	input     audio.Format
	logger    *slog.Logger
	metrics   *observe.Metrics

	mu            sync.Mutex
	state         State
	err           error
	run           *run
	failing       *run // run being torn down by fail
	cancelStart   context.CancelFunc
	stopRequested bool

	interrupted atomic.Bool

	handlersMu   sync.Mutex
	onState      func(State)
	onStatus     func(string)
	onTranscript func(s2s.Transcript)

	notifyMu    sync.Mutex
	pending     []notification
	dispatching bool
}

// New creates a Controller in [StateIdle].
func New(provider s2s.Provider, capture audio.CaptureDevice, output audio.OutputDevice, opts ...Option) *Controller {
	c := &Controller{
		provider:  provider,
		capture:   capture,
		output:    output,
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the last run, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetSessionConfig replaces the voice and instructions sent on the next
// Start. A running session keeps the configuration it was started with.
func (c *Controller) SetSessionConfig(cfg s2s.SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessCfg = cfg
}

// Interrupted reports whether a barge-in flush is in progress.
func (c *Controller) Interrupted() bool {
	return c.interrupted.Load()
}

// OnStateChange registers fn to receive every state transition. A later
// registration replaces the earlier one; nil unregisters.
func (c *Controller) OnStateChange(fn func(State)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onState = fn
}

// OnStatus registers fn to receive human-readable status messages.
func (c *Controller) OnStatus(fn func(string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onStatus = fn
}

// OnTranscript registers fn to receive transcripts reported by the provider.
func (c *Controller) OnTranscript(fn func(s2s.Transcript)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onTranscript = fn
}

// Start acquires the capture device and connects the transport
// concurrently, then begins streaming. It is valid from [StateIdle] and
// [StateClosed]; otherwise it returns [ErrInvalidState].
//
// If either acquisition fails, whatever was acquired is released, the state
// reverts to [StateIdle] and a *[Error] of kind [PermissionDenied] or
// [ConnectionFailure] is returned. If Stop is called before the session
// becomes active, Start releases everything and returns [ErrStopped].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.canStart() {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, st)
	}
	startCtx, cancel := context.WithCancel(ctx)
	c.cancelStart = cancel
	c.stopRequested = false
	c.err = nil
	sessCfg := c.sessCfg
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.dispatch()

	id := uuid.NewString()
	runCtx := observe.WithSessionID(context.Background(), id)
	log := c.runLogger(runCtx, id)

	spanCtx, span := observe.StartSpan(observe.WithSessionID(startCtx, id), "session.start")
	defer span.End()

	begin := time.Now()
	capHandle, handle, err := c.acquire(spanCtx, sessCfg)
	cancel()

	c.mu.Lock()
	c.cancelStart = nil
	if err == nil && !c.stopRequested {
		r := newRun(runCtx, id, log, capHandle, handle, c.newEncoder(), NewScheduler(c.output), c.queueSize)
		r.scheduler.onEnded = func() { c.metrics.PlaybackBacklog.Add(runCtx, -1) }
		c.run = r
		c.setStateLocked(StateActive)
		c.metrics.ActiveSessions.Add(runCtx, 1)
		c.launch(r)
		c.mu.Unlock()

		c.metrics.RecordSessionStart(runCtx, time.Since(begin), "ok")
		log.Info("session active",
			"provider_input", r.encoder.Target().String(),
			"startup", time.Since(begin),
		)
		c.dispatch()
		return nil
	}
	c.mu.Unlock()

	// Release outside the lock; the state stays Connecting (or Closing) so
	// no other Start can interleave.
	if capHandle != nil {
		if rerr := capHandle.Release(); rerr != nil {
			log.Warn("release capture after failed start", "err", rerr)
		}
	}
	if handle != nil {
		if cerr := handle.Close(); cerr != nil {
			log.Warn("close transport after failed start", "err", cerr)
		}
	}

	c.mu.Lock()
	if c.stopRequested {
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.metrics.RecordSessionStart(runCtx, time.Since(begin), "stopped")
		log.Info("session start cancelled by stop")
		c.dispatch()
		return ErrStopped
	}
	if ctx.Err() != nil {
		err = fmt.Errorf("session: start: %w", ctx.Err())
	}
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	status := "canceled"
	if k := KindOf(err); k != 0 {
		status = k.String()
	}
	c.metrics.RecordSessionStart(runCtx, time.Since(begin), status)
	log.Warn("session start failed", "err", err)
	c.dispatch()
	return err
}

// acquire opens the capture device and the transport concurrently. On error
// either return value may still be non-nil and must be released.
func (c *Controller) acquire(ctx context.Context, cfg s2s.SessionConfig) (audio.CaptureHandle, s2s.SessionHandle, error) {
	var (
		capHandle audio.CaptureHandle
		handle    s2s.SessionHandle
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := c.capture.Acquire(gctx)
		if err != nil {
			return newError(PermissionDenied, err)
		}
		capHandle = h
		return nil
	})
	g.Go(func() error {
		h, err := c.provider.Connect(gctx, cfg)
		if err != nil {
			return newError(ConnectionFailure, err)
		}
		handle = h
		return nil
	})
	err := g.Wait()
	return capHandle, handle, err
}

// Stop ends the session. It is valid from any state and idempotent. Stop
// during Connecting cancels the in-flight Start, which then releases what it
// acquired. If a failure is already tearing the session down, Stop waits
// until the controller has reached Closed.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.stopRequested = true
		cancel := c.cancelStart
		c.setStateLocked(StateClosing)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.dispatch()
		return nil

	case StateActive:
		r := c.run
		if r == nil {
			f := c.failing
			c.mu.Unlock()
			if f != nil {
				<-f.ended
			}
			return nil
		}
		c.run = nil
		c.setStateLocked(StateClosing)
		c.mu.Unlock()
		c.dispatch()

		c.teardown(r)
		r.log.Info("session stopped")

		c.mu.Lock()
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		c.dispatch()
		return nil

	default:
		c.mu.Unlock()
		return nil
	}
}

// fail ends an active run with err. Only the first failure of a run counts,
// and nothing happens if Stop already claimed the run.
func (c *Controller) fail(r *run, err *Error) {
	c.mu.Lock()
	if c.run != r {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.failing = r
	c.mu.Unlock()

	c.teardown(r)
	c.metrics.RecordSessionError(r.ctx, err.Kind.String())
	r.log.Error("session failed", "kind", err.Kind.String(), "err", err.Err)

	c.mu.Lock()
	c.err = err
	c.setStateLocked(StateError)
	c.setStateLocked(StateClosed)
	c.failing = nil
	close(r.ended)
	c.mu.Unlock()
	c.dispatch()
}

func (c *Controller) newEncoder() *Encoder {
	target := c.input
	if target.SampleRate <= 0 {
		target = c.provider.Capabilities().InputFormat
	}
	return NewEncoder(target)
}

func (c *Controller) runLogger(ctx context.Context, id string) *slog.Logger {
	if c.logger != nil {
		return c.logger.With("session_id", id)
	}
	return observe.Logger(ctx)
}

// ─── Run ──────────────────────────────────────────────────────────────────────

// run holds the resources of one Active period. It is created by Start and
// torn down exactly once by Stop or fail.
type run struct {
	id  string
	ctx context.Context
	log *slog.Logger

	capture   audio.CaptureHandle
	handle    s2s.SessionHandle
	encoder   *Encoder
	scheduler *Scheduler
	queue     *packetQueue

	done  chan struct{}
	ended chan struct{} // closed once fail has moved the controller to Closed
	once  sync.Once

	// sendMu serialises SendAudio against teardown; stopped is set under it.
	sendMu  sync.Mutex
	stopped bool
}

func newRun(ctx context.Context, id string, log *slog.Logger, capture audio.CaptureHandle, handle s2s.SessionHandle, enc *Encoder, sched *Scheduler, queueSize int) *run {
	return &run{
		id:        id,
		ctx:       ctx,
		log:       log,
		capture:   capture,
		handle:    handle,
		encoder:   enc,
		scheduler: sched,
		queue:     newPacketQueue(queueSize),
		done:      make(chan struct{}),
		ended:     make(chan struct{}),
	}
}

// launch starts the capture, sender and inbound goroutines of r.
func (c *Controller) launch(r *run) {
	go c.captureLoop(r)
	go c.senderLoop(r)
	go c.inboundLoop(r)
}

// teardown releases every resource of r exactly once. It never waits for
// the run's goroutines; they observe r.done and exit on their own.
func (c *Controller) teardown(r *run) {
	r.once.Do(func() {
		close(r.done)
		r.queue.close()
		if err := r.handle.Close(); err != nil {
			r.log.Warn("close transport", "err", err)
		}
		// Waits for an in-flight SendAudio; none start afterwards.
		r.sendMu.Lock()
		r.stopped = true
		r.sendMu.Unlock()

		if err := r.capture.Release(); err != nil {
			r.log.Warn("release capture", "err", err)
		}
		if n := r.scheduler.Close(); n > 0 {
			c.metrics.PlaybackBacklog.Add(r.ctx, -int64(n))
			r.log.Debug("stopped scheduled playback", "sources", n)
		}
		c.interrupted.Store(false)
		c.metrics.ActiveSessions.Add(r.ctx, -1)
		go audio.Drain(r.handle.Events())
	})
}

// captureLoop encodes captured frames and queues them for sending. It never
// blocks on the transport.
func (c *Controller) captureLoop(r *run) {
	frames := r.capture.Frames()
	for {
		select {
		case <-r.done:
			return
		case frame, ok := <-frames:
			if !ok {
				c.fail(r, newError(CaptureLost, errCaptureClosed))
				return
			}
			pkt, err := r.encoder.Encode(frame)
			if err != nil {
				r.log.Warn("dropping capture frame", "err", err)
				continue
			}
			if r.queue.push(pkt) {
				c.metrics.PacketsDropped.Add(r.ctx, 1)
				r.log.Debug("outbound queue full, dropped oldest packet")
			}
		}
	}
}

// senderLoop hands queued packets to the transport in order.
func (c *Controller) senderLoop(r *run) {
	for {
		select {
		case <-r.done:
			return
		case <-r.queue.ready:
		}
		for {
			pkt, ok := r.queue.pop()
			if !ok {
				break
			}
			if !c.send(r, pkt) {
				return
			}
		}
	}
}

// send delivers one packet. It reports false once the run is torn down.
func (c *Controller) send(r *run, pkt audio.EncodedPacket) bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.stopped {
		return false
	}
	if err := r.handle.SendAudio(pkt); err != nil {
		// Fire-and-forget: a broken transport surfaces as a closed event
		// stream, not here.
		r.log.Debug("send audio", "err", err)
		return true
	}
	c.metrics.PacketsSent.Add(r.ctx, 1)
	return true
}

// inboundLoop consumes transport events in delivery order.
func (c *Controller) inboundLoop(r *run) {
	events := r.handle.Events()
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-events:
			if !ok {
				cause := r.handle.Err()
				if cause == nil {
					cause = errRemoteClosed
				}
				c.fail(r, newError(TransportDropped, cause))
				return
			}
			c.handleEvent(r, ev)
		}
	}
}

func (c *Controller) handleEvent(r *run, ev s2s.Event) {
	switch ev.Type {
	case s2s.EventAudio:
		c.play(r, ev.Audio)
	case s2s.EventInterrupted:
		c.interrupt(r)
	case s2s.EventTurnComplete:
		r.log.Debug("turn complete")
	case s2s.EventTranscript:
		c.enqueue(notification{kind: notifyTranscript, transcript: ev.Transcript})
		c.dispatch()
	case s2s.EventError:
		r.log.Warn("provider reported an error", "err", ev.Err)
		c.status(fmt.Sprintf("provider error: %v", ev.Err))
	}
}

// play decodes chunk and places it on the playback timeline.
func (c *Controller) play(r *run, chunk audio.InboundChunk) {
	buf, err := audio.DecodeChunk(chunk)
	if err != nil {
		c.metrics.ChunksDropped.Add(r.ctx, 1)
		r.log.Warn("dropping inbound chunk", "kind", ProtocolError.String(), "err", err)
		return
	}
	p, err := r.scheduler.Schedule(buf)
	if err != nil {
		// Torn down concurrently.
		return
	}
	c.metrics.ChunksScheduled.Add(r.ctx, 1)
	c.metrics.PlaybackBacklog.Add(r.ctx, 1)
	if p.Underrun {
		c.metrics.PlaybackUnderruns.Add(r.ctx, 1)
		r.log.Debug("playback underrun", "kind", PlaybackUnderrun.String(), "gap", p.Gap)
	}
}

// ─── Notifications ────────────────────────────────────────────────────────────

type notifyKind int

const (
	notifyState notifyKind = iota
	notifyStatus
	notifyTranscript
)

type notification struct {
	kind       notifyKind
	state      State
	status     string
	transcript s2s.Transcript
}

// setStateLocked records s and queues its notification. c.mu must be held;
// call dispatch after unlocking.
func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.enqueue(notification{kind: notifyState, state: s})
}

func (c *Controller) status(msg string) {
	c.enqueue(notification{kind: notifyStatus, status: msg})
	c.dispatch()
}

func (c *Controller) enqueue(n notification) {
	c.notifyMu.Lock()
	c.pending = append(c.pending, n)
	c.notifyMu.Unlock()
}

// dispatch delivers queued notifications in order. If another goroutine (or
// an outer frame of this one) is already dispatching, it returns at once and
// the active dispatcher delivers the new entries.
func (c *Controller) dispatch() {
	c.notifyMu.Lock()
	if c.dispatching {
		c.notifyMu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.pending) > 0 {
		n := c.pending[0]
		c.pending = c.pending[1:]
		c.notifyMu.Unlock()
		c.deliver(n)
		c.notifyMu.Lock()
	}
	c.pending = nil
	c.dispatching = false
	c.notifyMu.Unlock()
}

func (c *Controller) deliver(n notification) {
	c.handlersMu.Lock()
	onState, onStatus, onTranscript := c.onState, c.onStatus, c.onTranscript
	c.handlersMu.Unlock()

	switch n.kind {
	case notifyState:
		if onState != nil {
			onState(n.state)
		}
	case notifyStatus:
		if onStatus != nil {
			onStatus(n.status)
		}
	case notifyTranscript:
		if onTranscript != nil {
			onTranscript(n.transcript)
		}
	}
}
