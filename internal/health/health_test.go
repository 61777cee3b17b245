package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/livevoice/internal/session"
)

func passing(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

// serve routes a GET for path through a mux built from h and decodes the
// JSON report.
func serve(t *testing.T, h *Handler, path string) (int, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	code, rep := serve(t, New([]Checker{failing("session", "down")}), "/healthz")
	if code != http.StatusOK || rep.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, rep.Status)
	}
	if len(rep.Checks) != 0 {
		t.Errorf("healthz should not run checks, got %v", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{passing("session"), passing("audio")},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"session": "ok", "audio": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{passing("audio"), failing("session", "session idle")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"audio": "ok", "session": "fail"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{failing("audio", "gone"), failing("session", "closed")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"audio": "fail", "session": "fail"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, rep := serve(t, New(tc.checkers), "/readyz")
			if code != tc.wantCode {
				t.Errorf("code = %d, want %d", code, tc.wantCode)
			}
			if rep.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := rep.Checks[name].Status; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ReportsFailureMessage(t *testing.T) {
	t.Parallel()
	_, rep := serve(t, New([]Checker{failing("session", "session connecting")}), "/readyz")
	if got := rep.Checks["session"].Error; got != "session connecting" {
		t.Errorf("error = %q", got)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	slow := func(name string) Checker {
		return Checker{Name: name, Check: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}}
	}

	code, _ := serve(t, New([]Checker{slow("a"), slow("b"), slow("c")}), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrent checks = %d, want at least 2", peak.Load())
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	t.Parallel()

	blocking := Checker{Name: "hang", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	h := New([]Checker{blocking}, WithCheckTimeout(20*time.Millisecond))

	start := time.Now()
	code, rep := serve(t, h, "/readyz")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("readyz took %v, timeout not applied", elapsed)
	}
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
	if !strings.Contains(rep.Checks["hang"].Error, "deadline exceeded") {
		t.Errorf("error = %q, want deadline exceeded", rep.Checks["hang"].Error)
	}
}

type fakeSession struct {
	state session.State
	err   error
}

func (f fakeSession) State() session.State { return f.state }
func (f fakeSession) Err() error           { return f.err }

func TestSessionReady(t *testing.T) {
	t.Parallel()
	dropped := &session.Error{Kind: session.TransportDropped, Err: errors.New("eof")}

	tests := []struct {
		name    string
		status  fakeSession
		wantErr string
	}{
		{name: "active", status: fakeSession{state: session.StateActive}},
		{name: "idle", status: fakeSession{state: session.StateIdle}, wantErr: "session idle"},
		{name: "connecting", status: fakeSession{state: session.StateConnecting}, wantErr: "session connecting"},
		{name: "closed after error", status: fakeSession{state: session.StateClosed, err: dropped}, wantErr: "transport_dropped"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := SessionReady(tc.status)
			if c.Name != "session" {
				t.Errorf("Name = %q, want session", c.Name)
			}
			err := c.Check(context.Background())
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Check = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Check = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}
