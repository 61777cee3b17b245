// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject events into a session's stream and inspect which
// packets were sent.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
//	sess.Drop(errors.New("connection reset"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session with a 64-event buffer and stores it here.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, when non-nil, makes Connect wait until Gate is closed or ctx is
	// cancelled.
	Gate <-chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession(64)
	}
	return p.Session, nil
}

// SetSession replaces the session returned by the next Connect.
func (p *Provider) SetSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Session = s
}

// CurrentSession returns the session the next Connect will return.
func (p *Provider) CurrentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Session
}

// SetConnectErr changes the error returned by subsequent Connect calls.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCallCount returns how many times Connect was called.
func (p *Provider) ConnectCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConnectConfig returns the SessionConfig of the most recent Connect call.
func (p *Provider) LastConnectConfig() s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return s2s.SessionConfig{}
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Cfg
}

// Ensure the mocks implement the s2s interfaces at compile time.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	ended  bool
	errVal error

	// SendAudioErr, if non-nil, is returned by SendAudio while the session
	// is open.
	SendAudioErr error

	sent            []audio.EncodedPacket
	sendsAfterClose int
	closeCalls      int
}

// NewSession returns a Session whose event channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{events: make(chan s2s.Event, buffer)}
}

// SendAudio records a copy of the packet.
func (s *Session) SendAudio(pkt audio.EncodedPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		s.sendsAfterClose++
		return s2s.ErrSessionClosed
	}
	data := make([]byte, len(pkt.Data))
	copy(data, pkt.Data)
	s.sent = append(s.sent, audio.EncodedPacket{Data: data, Format: pkt.Format})
	return s.SendAudioErr
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and closes the event channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.endLocked(nil)
	return nil
}

// Emit queues ev on the event stream. It reports false if the session has
// ended or the buffer is full.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// EmitAudio is shorthand for emitting an EventAudio with the given chunk.
func (s *Session) EmitAudio(data []byte, format audio.Format) bool {
	return s.Emit(s2s.Event{Type: s2s.EventAudio, Audio: audio.InboundChunk{Data: data, Format: format}})
}

// Drop simulates the remote side ending the session: Err starts returning err
// and the event channel is closed. A nil err models a clean remote close.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.errVal = err
	close(s.events)
}

// Sent returns a snapshot of every packet accepted by SendAudio.
func (s *Session) Sent() []audio.EncodedPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedPacket, len(s.sent))
	copy(out, s.sent)
	return out
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// SendsAfterClose returns how many SendAudio calls arrived after Close.
func (s *Session) SendsAfterClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendsAfterClose
}
