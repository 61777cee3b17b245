// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions.
// Connect blocks until the server acknowledges the setup message, so a rejected
// key or model surfaces as a connection error rather than a dropped session.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	defaultSetupTimeout = 10 * time.Second
	keepaliveInterval   = 20 * time.Second
	keepaliveTimeout    = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.Format{SampleRate: inputSampleRate, Channels: 1, BitDepth: 16},
		OutputFormat:       audio.Format{SampleRate: outputSampleRate, Channels: 1, BitDepth: 16},
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect establishes a new Gemini Live session and waits for the server to
// acknowledge the setup message.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Audio replies can exceed the default 32 KiB read limit.
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	// Reads are bound to the session context, which outlives ctx. Abort the
	// handshake by cancelling it if the caller gives up or the timeout fires.
	stopCtxWatch := context.AfterFunc(ctx, sessCancel)
	timer := time.AfterFunc(p.setupTimeout, sessCancel)
	err = sess.awaitSetupComplete()
	timerStopped := timer.Stop()
	watchStopped := stopCtxWatch()
	if err == nil && (!timerStopped || !watchStopped) {
		err = errors.New("setup aborted")
	}
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "setup rejected")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gemini: setup: %w", ctx.Err())
		}
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s: %s", e.Status, msg)
	}
	return "gemini: " + msg
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(msg)
}

// awaitSetupComplete reads until the server acknowledges setup or rejects it.
func (s *session) awaitSetupComplete() error {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return fmt.Errorf("waiting for setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage converts msg into events. It reports false once the
// session context is done.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		if !s.emit(s2s.Event{Type: s2s.EventError, Err: msg.Error}) {
			return false
		}
	}
	if msg.GoAway != nil {
		err := fmt.Errorf("gemini: server closing session (time left %s)", msg.GoAway.TimeLeft)
		if !s.emit(s2s.Event{Type: s2s.EventError, Err: err}) {
			return false
		}
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	// An interruption invalidates everything the model said before it, so it
	// is delivered before any audio in the same message.
	if sc.Interrupted {
		if !s.emit(s2s.Event{Type: s2s.EventInterrupted}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/pcm") {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(data) == 0 {
				continue
			}
			chunk := audio.InboundChunk{
				Data:   data,
				Format: audio.Format{SampleRate: mimeRate(p.InlineData.MIMEType), Channels: 1, BitDepth: 16},
			}
			if !s.emit(s2s.Event{Type: s2s.EventAudio, Audio: chunk}) {
				return false
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emitTranscript(s2s.SpeakerUser, sc.InputTranscription.Text) {
			return false
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emitTranscript(s2s.SpeakerAgent, sc.OutputTranscription.Text) {
			return false
		}
	}

	if sc.TurnComplete {
		return s.emit(s2s.Event{Type: s2s.EventTurnComplete})
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

// mimeRate extracts the sample rate from a MIME type such as
// "audio/pcm;rate=24000", falling back to the documented output rate.
func mimeRate(mime string) int {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return outputSampleRate
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
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

// SendAudio delivers a 16-bit mono PCM packet to the model.
func (s *session) SendAudio(pkt audio.EncodedPacket) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	rate := pkt.Format.SampleRate
	if rate == 0 {
		rate = inputSampleRate
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate),
				Data:     base64.StdEncoding.EncodeToString(pkt.Data),
			}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
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

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
