// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions.
// Turn detection runs on the server: when it hears the user start speaking it
// cancels the current response, which is surfaced as [s2s.EventInterrupted].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	sampleRate          = 24000
	defaultSetupTimeout = 10 * time.Second
	eventBuffer         = 64
)

var pcm16 = audio.Format{SampleRate: sampleRate, Channels: 1, BitDepth: 16}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        pcm16,
		OutputFormat:       pcm16,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session and waits until the server
// has applied the session configuration.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	stopCtxWatch := context.AfterFunc(ctx, sessCancel)
	timer := time.AfterFunc(p.setupTimeout, sessCancel)
	err = sess.awaitSessionUpdated()
	timerStopped := timer.Stop()
	watchStopped := stopCtxWatch()
	if err == nil && (!timerStopped || !watchStopped) {
		err = errors.New("setup aborted")
	}
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "session update rejected")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("openai: session update: %w", ctx.Err())
		}
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection           `json:"turn_detection,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s: %s", e.Code, msg)
	}
	return "openai: " + msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received. Only touched by receiveLoop.
	currentTxText string

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, audio formats and server-side turn detection.
func (s *session) sendSessionUpdate(cfg s2s.SessionConfig) error {
	params := sessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &inputAudioTranscription{Model: "whisper-1"},
		TurnDetection:           &turnDetection{Type: "server_vad"},
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// awaitSessionUpdated reads until the server confirms the session update or
// reports an error.
func (s *session) awaitSessionUpdated() error {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return fmt.Errorf("waiting for session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error != nil {
				return evt.Error
			}
			return errors.New("unknown error")
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent converts evt into session events. It reports false once
// the session context is done.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return true
		}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return true
		}
		return s.emit(s2s.Event{Type: s2s.EventAudio, Audio: audio.InboundChunk{Data: data, Format: pcm16}})

	case "input_audio_buffer.speech_started":
		s.currentTxText = ""
		return s.emit(s2s.Event{Type: s2s.EventInterrupted})

	case "response.done":
		return s.emit(s2s.Event{Type: s2s.EventTurnComplete})

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		s.currentTxText += evt.Delta
		return true

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		text := s.currentTxText
		s.currentTxText = ""
		if text == "" {
			text = evt.Transcript
		}
		if text == "" {
			return true
		}
		return s.emitTranscript(s2s.SpeakerAgent, text)

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.emitTranscript(s2s.SpeakerUser, evt.Transcript)

	case "error":
		var err error = errors.New("openai: unknown error")
		if evt.Error != nil {
			err = evt.Error
		}
		return s.emit(s2s.Event{Type: s2s.EventError, Err: err})
	}
	return true
}

func (s *session) emitTranscript(speaker s2s.Speaker, text string) bool {
	return s.emit(s2s.Event{
		Type:       s2s.EventTranscript,
		Transcript: s2s.Transcript{Speaker: speaker, Text: text, Timestamp: time.Now()},
	})
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a PCM16 packet to the server's input audio buffer.
func (s *session) SendAudio(pkt audio.EncodedPacket) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pkt.Data),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Events returns the session's ordered event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
