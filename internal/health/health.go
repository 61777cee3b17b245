// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only when all pass,
// 503 otherwise. A livevoice process is ready while its voice session is
// active; see [SessionReady].
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/session"
)

// DefaultCheckTimeout bounds each readiness check unless overridden.
const DefaultCheckTimeout = 2 * time.Second

// Checker probes one dependency. Check returns nil when healthy and must
// honour ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionStatus is the view of a session that [SessionReady] needs.
// *session.Controller satisfies it.
type SessionStatus interface {
	State() session.State
	Err() error
}

// SessionReady passes only while s is active. The failure names the current
// state and the last run error, if any.
func SessionReady(s SessionStatus) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			st := s.State()
			switch {
			case st == session.StateActive:
				return nil
			case s.Err() != nil:
				return fmt.Errorf("session %s: %w", st, s.Err())
			default:
				return fmt.Errorf("session %s", st)
			}
		},
	}
}

type checkResult struct {
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration_ms"`
}

type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a Handler evaluating checkers on each readiness probe.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs all checks in parallel, each under its own timeout derived
// from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.evaluate(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeReport(w, status, rep)
}

func (h *Handler) evaluate(ctx context.Context) report {
	var (
		mu  sync.Mutex
		g   errgroup.Group
		rep = report{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers))}
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(cctx)
			res := checkResult{
				Status:   "ok",
				Duration: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = "fail"
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func writeReport(w http.ResponseWriter, status int, rep report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
