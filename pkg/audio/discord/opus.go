package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// maxOpusPacket bounds a single encoded packet.
	maxOpusPacket = 4000
)

// opusDecoder decodes one speaker's stream. Decoder state carries across
// packets, so every SSRC needs its own.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decodeMono decodes an Opus packet and returns it as 48 kHz mono floats.
func (d *opusDecoder) decodeMono(packet []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.DownmixMono(audio.Int16ToFloat32(pcm), opusChannels), nil
}

// opusEncoder encodes the rendered output stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encodeMono encodes one 20 ms block of 48 kHz mono floats as a stereo Opus
// packet.
func (e *opusEncoder) encodeMono(samples []float32) ([]byte, error) {
	pcm := audio.Float32ToInt16(audio.MonoToStereo(samples))
	packet, err := e.enc.Encode(pcm, opusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
