package audio

import (
	"fmt"
	"time"
)

// Format describes the sample layout of an audio stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for the outbound wire format, 24000 for
	// most realtime model output, 48000 for Discord).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// BitDepth is the number of bits per encoded sample. Only 16 is supported
	// on the wire; float frames leave it zero.
	BitDepth int
}

// WireFormat is the outbound format expected by realtime voice agents:
// 16 kHz, mono, 16-bit little-endian linear PCM.
var WireFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// String returns a human-readable form such as "16000Hz mono 16bit".
func (f Format) String() string {
	s := formatString(f.SampleRate, f.Channels)
	if f.BitDepth > 0 {
		s += fmt.Sprintf(" %dbit", f.BitDepth)
	}
	return s
}

// AudioFrame is a fixed-length block of float samples delivered by a capture
// device. Frames are the atomic unit of the capture pipeline; a frame is never
// mutated after it has been handed to a consumer.
type AudioFrame struct {
	// Samples holds interleaved float samples, nominally in [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaving factor of Samples.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Frames returns the number of sample frames (samples per channel).
func (f AudioFrame) Frames() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// EncodedPacket is an outbound payload of wire-format PCM. Once handed to a
// transport it belongs to the transport; delivery is not tracked.
type EncodedPacket struct {
	Data   []byte
	Format Format
}

// InboundChunk is an encoded audio payload received from a transport. Arrival
// order is the delivery order of the transport's event stream.
type InboundChunk struct {
	Data   []byte
	Format Format
}

// PlaybackBuffer is decoded audio ready for scheduling on an output device.
type PlaybackBuffer struct {
	// Samples holds interleaved float samples.
	Samples []float32

	SampleRate int
	Channels   int

	// Duration is sampleFrames / SampleRate.
	Duration time.Duration
}

// Frames returns the number of sample frames in the buffer.
func (b PlaybackBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// FramesDuration returns the exact playing time of n sample frames at rate.
func FramesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
