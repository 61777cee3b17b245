// Package discord provides a voice-channel audio device backed by
// bwmarrin/discordgo. The bot joins one voice channel and acts as both
// microphone and speaker for a session: everything said in the channel is
// mixed into a single capture stream, and the agent's replies are rendered on
// a [timeline.Renderer] and sent back as Opus.
//
// The device requires an active *discordgo.Session with the voice intents
// enabled.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/timeline"
)

// DefaultBlockSize is the number of 48 kHz samples per captured frame.
const DefaultBlockSize = 4096

// ErrCaptureBusy is returned by Acquire while a previous capture handle is
// still held.
var ErrCaptureBusy = errors.New("discord: capture already acquired")

// Compile-time interface assertion.
var _ audio.Device = (*Device)(nil)

// Option is a functional option for configuring a [Device].
type Option func(*Device)

// WithBlockSize sets the number of samples per captured frame.
func WithBlockSize(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.blockSize = n
		}
	}
}

// Device is a Discord voice channel used as microphone and speaker.
//
// Device is safe for concurrent use.
type Device struct {
	session   *discordgo.Session
	guildID   string
	channelID string
	blockSize int
	frameTick time.Duration

	renderer *timeline.Renderer

	mu           sync.Mutex
	vc           *discordgo.VoiceConnection
	disconnectVC func() error
	done         chan struct{}
	wg           sync.WaitGroup
	capture      *captureHandle
}

// New creates a Device for the given guild and voice channel. It does not
// join the channel until [Device.Open].
func New(session *discordgo.Session, guildID, channelID string, opts ...Option) *Device {
	d := &Device{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		blockSize: DefaultBlockSize,
		frameTick: opusFrameSizeMs * time.Millisecond,
		renderer:  timeline.New(opusSampleRate, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open joins the voice channel and starts the playback loop.
func (d *Device) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := d.session.ChannelVoiceJoin(d.guildID, d.channelID, false, false)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", d.channelID, err)
	}
	d.attach(vc, vc.Disconnect)
	return nil
}

// attach starts the device on an already-joined voice connection.
func (d *Device) attach(vc *discordgo.VoiceConnection, disconnect func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vc = vc
	d.disconnectVC = disconnect
	d.done = make(chan struct{})
	d.wg.Add(1)
	go d.playbackLoop(vc, d.done)
}

// Close releases any capture handle, stops playback, and leaves the voice
// channel. It is safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.vc == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.done)
	capture := d.capture
	disconnect := d.disconnectVC
	d.vc = nil
	d.mu.Unlock()

	if capture != nil {
		_ = capture.Release()
	}
	d.wg.Wait()
	if disconnect != nil {
		if err := disconnect(); err != nil {
			return fmt.Errorf("discord: disconnect: %w", err)
		}
	}
	return nil
}

// Acquire implements [audio.CaptureDevice]. Only one handle may be held at a
// time.
func (d *Device) Acquire(ctx context.Context) (audio.CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return nil, fmt.Errorf("discord: not in a voice channel: %w", audio.ErrPermissionDenied)
	}
	if d.capture != nil {
		return nil, ErrCaptureBusy
	}

	var h *captureHandle
	h = newCaptureHandle(d.blockSize, func() {
		d.mu.Lock()
		if d.capture == h {
			d.capture = nil
		}
		d.mu.Unlock()
	})
	d.capture = h

	recv := d.vc.OpusRecv
	ticker := time.NewTicker(d.frameTick)
	go func() {
		defer ticker.Stop()
		h.run(recv, ticker.C)
	}()
	return h, nil
}

// ScheduleBuffer implements [audio.OutputDevice].
func (d *Device) ScheduleBuffer(buf audio.PlaybackBuffer, at time.Duration, onEnded func()) audio.ScheduledSource {
	return d.renderer.ScheduleBuffer(buf, at, onEnded)
}

// CurrentTime implements [audio.OutputDevice].
func (d *Device) CurrentTime() time.Duration { return d.renderer.CurrentTime() }

// playbackLoop renders one Opus frame every 20 ms. The renderer clock runs
// continuously; packets are only sent while something is scheduled.
func (d *Device) playbackLoop(vc *discordgo.VoiceConnection, done <-chan struct{}) {
	defer d.wg.Done()

	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "error", err)
		return
	}

	ticker := time.NewTicker(d.frameTick)
	defer ticker.Stop()

	buf := make([]float32, opusFrameSize)
	speaking := false
	for {
		select {
		case <-done:
			if speaking {
				setSpeaking(vc, false)
			}
			return
		case <-ticker.C:
		}

		active := d.renderer.Pending() > 0
		d.renderer.Render(buf)
		if !active {
			if speaking {
				setSpeaking(vc, false)
				speaking = false
			}
			continue
		}
		if !speaking {
			setSpeaking(vc, true)
			speaking = true
		}

		packet, err := enc.encodeMono(buf)
		if err != nil {
			slog.Warn("discord: opus encode error", "error", err)
			continue
		}
		select {
		case vc.OpusSend <- packet:
		case <-done:
			return
		}
	}
}

func setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if err := vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "error", err)
	}
}
