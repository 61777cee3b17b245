package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrMalformedChunk is returned by [DecodeChunk] when an inbound payload cannot
// be interpreted as 16-bit linear PCM.
var ErrMalformedChunk = errors.New("audio: malformed pcm chunk")

// pcm16Scale maps [-1, 1) onto the int16 range. Encoding and decoding use the
// same scale so a round trip is exact up to rounding.
const pcm16Scale = 32768

// EncodeFrame converts a float frame into a wire-format packet. The frame is
// downmixed and resampled when its layout differs from target, every sample
// is clamped to [-1, 1], scaled to the int16 range, and packed little-endian.
// Only 16-bit targets are supported.
func EncodeFrame(frame AudioFrame, target Format) (EncodedPacket, error) {
	if target.BitDepth != 16 {
		return EncodedPacket{}, fmt.Errorf("audio: encode: unsupported bit depth %d", target.BitDepth)
	}
	if target.Channels != 1 {
		return EncodedPacket{}, fmt.Errorf("audio: encode: unsupported channel count %d", target.Channels)
	}
	if frame.Channels <= 0 || frame.SampleRate <= 0 {
		return EncodedPacket{}, fmt.Errorf("audio: encode: invalid frame format %s", formatString(frame.SampleRate, frame.Channels))
	}

	samples := frame.Samples
	if frame.Channels != 1 {
		samples = DownmixMono(samples, frame.Channels)
	}
	if frame.SampleRate != target.SampleRate {
		samples = ResampleLinear(samples, frame.SampleRate, target.SampleRate)
	}

	return EncodedPacket{
		Data:   Float32ToPCM16(samples),
		Format: target,
	}, nil
}

// DecodeChunk converts an inbound 16-bit PCM payload into a [PlaybackBuffer]
// with normalised float samples and its exact duration. Empty payloads, odd
// byte counts, partial multi-channel frames and non-16-bit formats are
// rejected with an error wrapping [ErrMalformedChunk].
func DecodeChunk(chunk InboundChunk) (PlaybackBuffer, error) {
	f := chunk.Format
	if f.BitDepth != 0 && f.BitDepth != 16 {
		return PlaybackBuffer{}, fmt.Errorf("%w: bit depth %d", ErrMalformedChunk, f.BitDepth)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: format %s", ErrMalformedChunk, formatString(f.SampleRate, f.Channels))
	}
	if len(chunk.Data) == 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: empty payload", ErrMalformedChunk)
	}
	if len(chunk.Data)%(2*f.Channels) != 0 {
		return PlaybackBuffer{}, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames",
			ErrMalformedChunk, len(chunk.Data), f.Channels)
	}

	samples := PCM16ToFloat32(chunk.Data)
	frames := len(samples) / f.Channels
	return PlaybackBuffer{
		Samples:    samples,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Duration:   FramesDuration(frames, f.SampleRate),
	}, nil
}

// Float32ToPCM16 clamps and scales float samples to little-endian int16 PCM.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := floatToInt16(s)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian int16 PCM to floats in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / pcm16Scale
	}
	return out
}

// Float32ToInt16 clamps and scales float samples to int16 values.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return out
}

// Int16ToFloat32 converts int16 samples to floats in [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(v) / pcm16Scale
	}
	return out
}

func floatToInt16(s float32) int16 {
	x := float64(s)
	if math.IsNaN(x) {
		return 0
	}
	x = max(-1, min(1, x))
	v := math.Round(x * pcm16Scale)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}

// DownmixMono averages interleaved channels into a single mono channel.
// Trailing samples that do not form a whole frame are dropped.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// ResampleLinear resamples mono float samples from srcRate to dstRate using
// linear interpolation. The output length is rounded to the nearest sample and
// is never zero for non-empty input. If the rates match, or either is invalid,
// the input is returned unchanged.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := max(1, int((int64(len(samples))*int64(dstRate)+int64(srcRate)/2)/int64(srcRate)))

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 || channels <= 0 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
