// Package s2s defines the Provider interface for realtime speech-to-speech
// agents.
//
// An S2S provider wraps a remote conversational voice service that accepts a
// continuous stream of PCM audio and answers with synthesised PCM audio over a
// single long-lived connection. Examples include the Gemini Live API and the
// OpenAI Realtime API.
//
// The central abstraction is [SessionHandle]: audio goes out through
// [SessionHandle.SendAudio] and everything the agent says or signals comes back
// on one ordered [SessionHandle.Events] channel. Keeping a single channel means
// an interruption can never overtake the audio that preceded it.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("s2s: session closed")

// EventType identifies the kind of an [Event].
type EventType int

const (
	// EventAudio carries a chunk of synthesised agent speech in Event.Audio.
	EventAudio EventType = iota + 1

	// EventInterrupted signals that the agent detected user speech and
	// abandoned its current reply. Audio already delivered must be flushed.
	EventInterrupted

	// EventTurnComplete marks the end of an agent reply.
	EventTurnComplete

	// EventTranscript carries recognised user speech or the text of the
	// agent's reply in Event.Transcript.
	EventTranscript

	// EventError reports a non-fatal error from the remote service in
	// Event.Err. Fatal errors close the event channel instead.
	EventError
)

// String returns a lower-case name for the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Transcript is a piece of recognised or generated text. Providers emit
// transcripts incrementally; consecutive entries for the same speaker are
// fragments of one utterance.
type Transcript struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Event is one item on a session's event stream.
type Event struct {
	Type       EventType
	Audio      audio.InboundChunk
	Transcript Transcript
	Err        error
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice selects a provider-specific voice. Empty uses the provider default.
	Voice string

	// Instructions is the system prompt for the agent.
	Instructions string
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputFormat is the PCM format SendAudio expects.
	InputFormat audio.Format

	// OutputFormat is the PCM format of EventAudio chunks.
	OutputFormat audio.Format

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded packet to the agent. It is
	// fire-and-forget: a nil error means the packet was handed to the
	// connection, not that it was processed. Returns [ErrSessionClosed] (or a
	// wrapped write error) when the session can no longer accept audio.
	SendAudio(pkt audio.EncodedPacket) error

	// Events returns the channel on which agent audio, interruptions,
	// transcripts and non-fatal errors arrive in delivery order. The channel
	// is closed when the session ends, either because Close was called or
	// because the connection dropped. Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close, or nil
	// if the session was closed locally or the remote side closed cleanly.
	// Check Err after the channel is closed.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new S2S session. It returns only once the remote
	// service has accepted the session, so a non-nil SessionHandle is ready
	// for audio. ctx governs connection setup only.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
