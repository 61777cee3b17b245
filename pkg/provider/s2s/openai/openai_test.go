package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	"github.com/MrWong99/livevoice/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession consumes session.update and confirms it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func connect(t *testing.T, srv *httptest.Server) s2s.SessionHandle {
	t.Helper()
	p := openai.New("test-key", openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

func nextEvent(t *testing.T, handle s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-handle.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Connect ────────────────────────────────────────────────────────────────────

func TestCapabilities_Formats(t *testing.T) {
	t.Parallel()

	caps := openai.New("key").Capabilities()
	want := audio.Format{SampleRate: 24000, Channels: 1, BitDepth: 16}
	if caps.InputFormat != want || caps.OutputFormat != want {
		t.Errorf("formats = %v / %v, want %v", caps.InputFormat, caps.OutputFormat, want)
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioFormat        string `json:"input_audio_format"`
			OutputAudioFormat       string `json:"output_audio_format"`
			InputAudioTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
			TurnDetection struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}

	type hello struct {
		model, auth string
		msg         update
	}
	got := make(chan hello, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		var msg update
		readJSON(t, conn, &msg)
		got <- hello{model: r.URL.Query().Get("model"), auth: r.Header.Get("Authorization"), msg: msg}
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: "coral", Instructions: "Be kind."})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	h := <-got
	if h.model != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q", h.model)
	}
	if h.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", h.auth)
	}
	s := h.msg.Session
	if h.msg.Type != "session.update" {
		t.Errorf("type = %q, want session.update", h.msg.Type)
	}
	if s.Voice != "coral" || s.Instructions != "Be kind." {
		t.Errorf("voice/instructions = %q/%q", s.Voice, s.Instructions)
	}
	if s.InputAudioFormat != "pcm16" || s.OutputAudioFormat != "pcm16" {
		t.Errorf("formats = %q/%q, want pcm16", s.InputAudioFormat, s.OutputAudioFormat)
	}
	if s.TurnDetection.Type != "server_vad" {
		t.Errorf("turn_detection = %q, want server_vad", s.TurnDetection.Type)
	}
	if s.InputAudioTranscription.Model == "" {
		t.Error("input transcription not requested")
	}
}

func TestConnect_RejectedUpdate(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "invalid_value", "message": "bad voice"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: "nope"})
	if err == nil || !strings.Contains(err.Error(), "bad voice") {
		t.Fatalf("err = %v, want rejection mentioning the server message", err)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)), openai.WithSetupTimeout(50*time.Millisecond))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect should fail without session.updated")
	}
}

// ── SendAudio ──────────────────────────────────────────────────────────────────

func TestSendAudio_AppendsToInputBuffer(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	pcm := []byte{9, 8, 7, 6}
	if err := handle.SendAudio(audio.EncodedPacket{Data: pcm, Format: handleFormat()}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		data, _ := base64.StdEncoding.DecodeString(msg.Audio)
		if string(data) != string(pcm) {
			t.Errorf("audio = %v, want %v", data, pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append message")
	}
}

func handleFormat() audio.Format {
	return audio.Format{SampleRate: 24000, Channels: 1, BitDepth: 16}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	handle := connect(t, srv)
	_ = handle.Close()

	err := handle.SendAudio(audio.EncodedPacket{Data: []byte{1, 2}, Format: handleFormat()})
	if !errors.Is(err, s2s.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

// ── Events ─────────────────────────────────────────────────────────────────────

func TestEvents_MapsServerEvents(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hel"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "lo"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "wait"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "hiccup"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)

	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventAudio || string(ev.Audio.Data) != string(pcm) || ev.Audio.Format != handleFormat() {
		t.Fatalf("audio event = %+v", ev)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventTranscript || ev.Transcript.Speaker != s2s.SpeakerAgent || ev.Transcript.Text != "Hello" {
		t.Fatalf("agent transcript = %+v", ev)
	}
	if ev = nextEvent(t, handle); ev.Type != s2s.EventInterrupted {
		t.Fatalf("event = %v, want interrupted", ev.Type)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventTranscript || ev.Transcript.Speaker != s2s.SpeakerUser || ev.Transcript.Text != "wait" {
		t.Fatalf("user transcript = %+v", ev)
	}
	if ev = nextEvent(t, handle); ev.Type != s2s.EventTurnComplete {
		t.Fatalf("event = %v, want turn_complete", ev.Type)
	}
	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "hiccup") {
		t.Fatalf("error event = %+v", ev)
	}
}

func TestEvents_RemoteAbnormalClose(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusGoingAway, "server restarting")
	})

	handle := connect(t, srv)
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events channel not closed")
	}
	if handle.Err() == nil {
		t.Error("Err() = nil after abnormal close")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	handle := connect(t, srv)
	for i := range 3 {
		if err := handle.Close(); err != nil {
			t.Fatalf("Close[%d]: %v", i, err)
		}
	}
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("unexpected event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events channel not closed after Close")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}
