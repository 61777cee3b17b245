package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/audio"
	s2smock "github.com/MrWong99/livevoice/pkg/provider/s2s/mock"
)

func fastSupervisor(h *harness, cfg SupervisorConfig) *Supervisor {
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	s := NewSupervisor(h.ctrl, cfg)
	s.OnStateChange(h.states.add)
	return s
}

func runSupervisor(ctx context.Context, s *Supervisor) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return errc
}

func TestNewSupervisor_Defaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := NewSupervisor(h.ctrl, SupervisorConfig{})
	if s.maxRetries != 10 {
		t.Errorf("maxRetries = %d, want 10", s.maxRetries)
	}
	if s.backoff != time.Second {
		t.Errorf("backoff = %v, want 1s", s.backoff)
	}
	if s.maxBackoff != 30*time.Second {
		t.Errorf("maxBackoff = %v, want 30s", s.maxBackoff)
	}
	if s.breaker == nil {
		t.Error("breaker not created")
	}
}

func TestSupervisor_RestartsAfterTransportDrop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := fastSupervisor(h, SupervisorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runSupervisor(ctx, s)

	waitFor(t, "active", func() bool { return h.ctrl.State() == StateActive })
	next := s2smock.NewSession(64)
	h.prov.SetSession(next)
	h.sess.Drop(errors.New("connection reset"))

	waitFor(t, "second connect", func() bool { return h.prov.ConnectCallCount() == 2 })
	waitFor(t, "active again", func() bool { return h.ctrl.State() == StateActive })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := h.ctrl.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if got := next.CloseCalls(); got != 1 {
		t.Errorf("second session closed %d times, want 1", got)
	}
}

func TestSupervisor_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.ConnectErr = errors.New("connection refused")
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test", MaxFailures: 100})
	s := fastSupervisor(h, SupervisorConfig{MaxRetries: 2, Breaker: breaker})

	err := s.Run(context.Background())
	if !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("Run = %v, want ErrConnectionFailure", err)
	}
	if got := h.prov.ConnectCallCount(); got != 3 {
		t.Errorf("ConnectCallCount = %d, want 3 (initial + 2 retries)", got)
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestSupervisor_PermissionDeniedIsNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.capture.AcquireError = fmt.Errorf("open mic: %w", audio.ErrPermissionDenied)
	s := fastSupervisor(h, SupervisorConfig{})

	err := s.Run(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Run = %v, want ErrPermissionDenied", err)
	}
	if got := h.capture.AcquireCalls(); got != 1 {
		t.Errorf("AcquireCalls = %d, want 1", got)
	}
}

func TestSupervisor_ExternalStopEndsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := fastSupervisor(h, SupervisorConfig{})
	errc := runSupervisor(context.Background(), s)

	waitFor(t, "active", func() bool { return h.ctrl.State() == StateActive })
	if err := h.ctrl.Stop(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if got := h.prov.ConnectCallCount(); got != 1 {
		t.Errorf("ConnectCallCount = %d, want 1", got)
	}
}

func TestSupervisor_CircuitOpenDelaysRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.ConnectErr = errors.New("connection refused")
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 200 * time.Millisecond,
		IsFailure:    func(err error) bool { return errors.Is(err, ErrConnectionFailure) },
	})
	s := fastSupervisor(h, SupervisorConfig{MaxRetries: 50, Breaker: breaker})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := runSupervisor(ctx, s)

	waitFor(t, "breaker open", func() bool { return breaker.State() == resilience.StateOpen })
	calls := h.prov.ConnectCallCount()
	time.Sleep(20 * time.Millisecond)
	if got := h.prov.ConnectCallCount(); got != calls {
		t.Errorf("connect attempted %d times while the breaker was open", got-calls)
	}

	h.prov.SetConnectErr(nil)
	waitFor(t, "active", func() bool { return h.ctrl.State() == StateActive })
	waitFor(t, "breaker closed", func() bool { return breaker.State() == resilience.StateClosed })

	cancel()
	<-errc
}

func TestSupervisor_ForwardsStateChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := fastSupervisor(h, SupervisorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := runSupervisor(ctx, s)
	waitFor(t, "active", func() bool { return h.ctrl.State() == StateActive })
	cancel()
	<-errc

	h.waitStates(t, 4)
	wantStates(t, h.states.snapshot(), StateConnecting, StateActive, StateClosing, StateClosed)
}
