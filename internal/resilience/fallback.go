package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the circuit breaker created for each member of a
// [FallbackGroup]. The breaker's Name is set to the member name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary value and ordered fallbacks of the same type.
// Calls go to the first member whose breaker admits them; a failure moves on
// to the next member.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	members []member[T]
}

// NewFallbackGroup creates a [FallbackGroup] whose first member is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.members = append(fg.members, member[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the member names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	names := make([]string, len(fg.members))
	for i, m := range fg.members {
		names[i] = m.name
	}
	return names
}

// Primary returns the first member's value.
func (fg *FallbackGroup[T]) Primary() T {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return fg.members[0].value
}

func (fg *FallbackGroup[T]) snapshot() []member[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return append([]member[T](nil), fg.members...)
}

// Execute runs fn against each member in order until one succeeds. The
// returned error wraps both [ErrAllFailed] and the last member's error.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a
// value. It is a function because methods cannot declare type parameters.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range fg.snapshot() {
		var result R
		err := m.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(m.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", m.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
