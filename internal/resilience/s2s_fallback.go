package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several agent
// endpoints. Each endpoint has its own circuit breaker. All members must
// accept the same input format, because the session encodes outbound audio
// once per run using [S2SFallback.Capabilities].
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred endpoint.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers p as the next endpoint to try. It fails when p
// expects a different input format than the primary.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) error {
	want := f.group.Primary().Capabilities().InputFormat
	if got := p.Capabilities().InputFormat; got != want {
		return fmt.Errorf("resilience: s2s fallback %q accepts %s, primary accepts %s", name, got, want)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Names returns the endpoint names in failover order.
func (f *S2SFallback) Names() []string {
	return f.group.Names()
}

// Connect opens a session on the first healthy endpoint.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities returns the primary endpoint's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}
