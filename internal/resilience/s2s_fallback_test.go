package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/livevoice/pkg/provider/s2s/mock"
)

func mockProvider(rate int) *s2smock.Provider {
	return &s2smock.Provider{ProviderCapabilities: s2s.Capabilities{
		InputFormat: audio.Format{SampleRate: rate, Channels: 1, BitDepth: 16},
	}}
}

func TestS2SFallback_ConnectUsesPrimary(t *testing.T) {
	primary, secondary := mockProvider(16000), mockProvider(16000)
	f := NewS2SFallback(primary, "primary", FallbackConfig{})
	if err := f.AddFallback("secondary", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	cfg := s2s.SessionConfig{Voice: "Puck"}
	h, err := f.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if primary.ConnectCallCount() != 1 || secondary.ConnectCallCount() != 0 {
		t.Errorf("connect calls primary=%d secondary=%d, want 1/0",
			primary.ConnectCallCount(), secondary.ConnectCallCount())
	}
	if got := primary.LastConnectConfig(); got != cfg {
		t.Errorf("primary got config %+v, want %+v", got, cfg)
	}
}

func TestS2SFallback_FailsOver(t *testing.T) {
	primary, secondary := mockProvider(16000), mockProvider(16000)
	primary.SetConnectErr(errors.New("503 unavailable"))
	f := NewS2SFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	if err := f.AddFallback("secondary", secondary); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	for i := range 2 {
		h, err := f.Connect(context.Background(), s2s.SessionConfig{})
		if err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
		if h != secondary.CurrentSession() {
			t.Errorf("Connect #%d returned a session not from secondary", i)
		}
		_ = h.Close()
		secondary.SetSession(s2smock.NewSession(8))
	}

	// The primary's breaker opened after one failure.
	if got := primary.ConnectCallCount(); got != 1 {
		t.Errorf("primary connect calls = %d, want 1", got)
	}
}

func TestS2SFallback_AllFail(t *testing.T) {
	primary := mockProvider(16000)
	cause := errors.New("401 unauthorized")
	primary.SetConnectErr(cause)
	f := NewS2SFallback(primary, "primary", FallbackConfig{})

	_, err := f.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the cause", err)
	}
}

func TestS2SFallback_RejectsIncompatibleInputFormat(t *testing.T) {
	f := NewS2SFallback(mockProvider(16000), "gemini", FallbackConfig{})
	err := f.AddFallback("openai", mockProvider(24000))
	if err == nil || !strings.Contains(err.Error(), "openai") {
		t.Fatalf("AddFallback error = %v, want format mismatch naming openai", err)
	}
	if got := f.Names(); len(got) != 1 {
		t.Errorf("Names() = %v, incompatible fallback should not be added", got)
	}
	if rate := f.Capabilities().InputFormat.SampleRate; rate != 16000 {
		t.Errorf("Capabilities input rate = %d, want primary's 16000", rate)
	}
}
