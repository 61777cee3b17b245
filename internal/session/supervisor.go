package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/internal/resilience"
)

// Default restart parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// MaxRetries is the maximum number of consecutive restart attempts before
	// giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between restarts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. A run that stays active at
	// least this long resets the attempt counter. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Breaker guards Start against a provider that keeps refusing
	// connections. When nil a breaker that counts only [ConnectionFailure]
	// errors is created.
	Breaker *resilience.CircuitBreaker
}

// Supervisor keeps a [Controller] running: it starts the session and, when a
// run ends in error (transport dropped, capture lost) or a start fails to
// connect, starts it again with exponential backoff.
//
// The Supervisor takes over the controller's OnStateChange registration;
// use [Supervisor.OnStateChange] instead.
type Supervisor struct {
	ctrl       *Controller
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	breaker    *resilience.CircuitBreaker

	mu      sync.Mutex
	onState func(State)

	// ended receives a token each time the controller reaches StateClosed.
	ended chan struct{}
}

// NewSupervisor creates a [Supervisor] for ctrl.
func NewSupervisor(ctrl *Controller, cfg SupervisorConfig) *Supervisor {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "session-start",
			MaxFailures:  5,
			ResetTimeout: maxBackoff,
			IsFailure:    func(err error) bool { return errors.Is(err, ErrConnectionFailure) },
		})
	}
	s := &Supervisor{
		ctrl:       ctrl,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		breaker:    breaker,
		ended:      make(chan struct{}, 1),
	}
	ctrl.OnStateChange(s.handleState)
	return s
}

// OnStateChange registers fn to receive the controller's state transitions.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

func (s *Supervisor) handleState(st State) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(st)
	}
	if st == StateClosed {
		select {
		case s.ended <- struct{}{}:
		default:
		}
	}
}

// Run starts the session and keeps it running until ctx is cancelled, the
// controller is stopped directly, or restarts are exhausted. Cancelling ctx
// stops the active session. Errors that a restart cannot fix (capture
// permission denied, invalid state) are returned immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.backoff
	attempt := 0
	var lastErr error

	for {
		s.drainEnded()
		err := s.breaker.Execute(func() error { return s.ctrl.Start(ctx) })

		switch {
		case err == nil:
			began := time.Now()
			select {
			case <-ctx.Done():
				_ = s.ctrl.Stop()
				return ctx.Err()
			case <-s.ended:
			}
			cause := s.ctrl.Err()
			if cause == nil {
				// Stopped by someone else.
				return nil
			}
			if time.Since(began) >= s.maxBackoff {
				attempt = 0
				backoff = s.backoff
			}
			lastErr = cause
			slog.Warn("session ended with error", "kind", KindOf(cause).String(), "err", cause)

		case ctx.Err() != nil:
			return ctx.Err()

		case errors.Is(err, ErrStopped):
			return nil

		case errors.Is(err, resilience.ErrCircuitOpen):
			wait := max(s.breaker.RetryAfter(), s.backoff)
			slog.Warn("session start circuit open, delaying restart", "retry_after", wait)
			if !s.sleep(ctx, wait) {
				return ctx.Err()
			}
			continue

		case errors.Is(err, ErrConnectionFailure):
			lastErr = err
			slog.Warn("session start failed", "attempt", attempt, "err", err)

		default:
			return err
		}

		attempt++
		if attempt > s.maxRetries {
			slog.Error("session restart failed after max retries", "max_retries", s.maxRetries)
			return fmt.Errorf("session: giving up after %d restarts: %w", s.maxRetries, lastErr)
		}

		slog.Info("attempting session restart",
			"attempt", attempt,
			"max_retries", s.maxRetries,
			"backoff", backoff,
		)
		if !s.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *Supervisor) drainEnded() {
	select {
	case <-s.ended:
	default:
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
