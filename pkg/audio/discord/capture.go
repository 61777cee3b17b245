package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/livevoice/pkg/audio"
)

const (
	captureChannelBuffer = 16
	// maxSpeakerBacklog caps how much decoded audio a single speaker may
	// queue before the oldest samples are discarded (one second).
	maxSpeakerBacklog = opusSampleRate
)

// speakerMix buffers decoded audio per SSRC and sums the speakers together
// one slot at a time. Speakers that have nothing queued contribute silence.
type speakerMix struct {
	queues map[uint32][]float32
}

func newSpeakerMix() *speakerMix {
	return &speakerMix{queues: make(map[uint32][]float32)}
}

func (m *speakerMix) add(ssrc uint32, samples []float32) {
	q := append(m.queues[ssrc], samples...)
	if len(q) > maxSpeakerBacklog {
		q = q[len(q)-maxSpeakerBacklog:]
	}
	m.queues[ssrc] = q
}

// take returns the next n mixed samples.
func (m *speakerMix) take(n int) []float32 {
	out := make([]float32, n)
	for ssrc, q := range m.queues {
		k := min(n, len(q))
		for i := range k {
			out[i] += q[i]
		}
		if k == len(q) {
			delete(m.queues, ssrc)
			continue
		}
		m.queues[ssrc] = q[k:]
	}
	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}
	return out
}

// captureHandle turns the channel's incoming Opus packets into a single mono
// 48 kHz stream that advances every 20 ms, whether or not anyone speaks.
type captureHandle struct {
	frames    chan audio.AudioFrame
	blockSize int

	once   sync.Once
	done   chan struct{}
	exited chan struct{}
	detach func()
}

func newCaptureHandle(blockSize int, detach func()) *captureHandle {
	return &captureHandle{
		frames:    make(chan audio.AudioFrame, captureChannelBuffer),
		blockSize: blockSize,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		detach:    detach,
	}
}

func (h *captureHandle) Frames() <-chan audio.AudioFrame { return h.frames }

func (h *captureHandle) Release() error {
	h.once.Do(func() {
		close(h.done)
		<-h.exited
		if h.detach != nil {
			h.detach()
		}
	})
	return nil
}

// run reads packets until the handle is released or recv is closed. tick
// drives the mixing cadence.
func (h *captureHandle) run(recv <-chan *discordgo.Packet, tick <-chan time.Time) {
	defer close(h.exited)
	defer close(h.frames)

	decoders := make(map[uint32]*opusDecoder)
	mix := newSpeakerMix()
	var block []float32
	var pos int

	for {
		select {
		case <-h.done:
			return

		case pkt, ok := <-recv:
			if !ok {
				slog.Warn("discord: voice receive channel closed")
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			samples, err := dec.decodeMono(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", strconv.FormatUint(uint64(pkt.SSRC), 10), "error", err)
				continue
			}
			mix.add(pkt.SSRC, samples)

		case <-tick:
			block = append(block, mix.take(opusFrameSize)...)
			for len(block) >= h.blockSize {
				samples := make([]float32, h.blockSize)
				copy(samples, block)
				block = block[h.blockSize:]
				frame := audio.AudioFrame{
					Samples:    samples,
					SampleRate: opusSampleRate,
					Channels:   1,
					Timestamp:  audio.FramesDuration(pos, opusSampleRate),
				}
				pos += h.blockSize
				select {
				case h.frames <- frame:
				default:
					// Consumer is behind; drop rather than stall the receive loop.
				}
			}
		}
	}
}
