// Package app wires all livevoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session controller
// and HTTP surface, Run opens the audio device and keeps the voice session
// alive until ctx is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithGatherer, etc.). Providers always come from the caller, usually
// main.go via the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livevoice/internal/config"
	"github.com/MrWong99/livevoice/internal/discord"
	"github.com/MrWong99/livevoice/internal/health"
	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// HTTP server timeouts.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	serverStopTimeout = 5 * time.Second
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	S2S   s2s.Provider
	Audio audio.Device
}

// App owns all subsystem lifetimes and runs the voice session.
type App struct {
	cfg       *config.Config
	providers *Providers

	ctrl       *session.Controller
	supervisor *session.Supervisor
	metrics    *observe.Metrics
	gatherer   prometheus.Gatherer
	levelVar   *slog.LevelVar
	handler    http.Handler
	server     *http.Server

	router *discord.CommandRouter
	perms  *discord.PermissionChecker

	watchPath     string
	watchInterval time.Duration
	watcher       *config.Watcher

	mu         sync.Mutex
	deviceOpen bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metric instruments handed to the session controller
// and HTTP middleware. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLogLevel lets hot reload adjust the process log level through lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithCommandRouter registers the /voice slash command on r, gated by perms.
func WithCommandRouter(r *discord.CommandRouter, perms *discord.PermissionChecker) Option {
	return func(a *App) {
		a.router = r
		a.perms = perms
	}
}

// WithConfigWatch polls path every interval while Run is active and applies
// hot-reloadable changes. An interval <= 0 uses
// [config.DefaultWatchInterval].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// WithCloser registers fn to run during Shutdown after the session and audio
// device are closed. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the instantiated providers. Both an S2S
// provider and an audio device are required.
func New(_ context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an s2s provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: an audio device is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	a.initSession()
	a.initHTTP()

	if a.router != nil {
		perms := a.perms
		if perms == nil {
			perms = discord.NewPermissionChecker(cfg.Discord.OperatorRoleID)
		}
		if err := discord.NewVoiceCommands(a.ctrl, perms).Register(a.router); err != nil {
			return nil, fmt.Errorf("app: register voice commands: %w", err)
		}
	}

	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.watchInterval)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSession builds the controller and, when restarts are enabled, the
// supervisor that owns it.
func (a *App) initSession() {
	opts := []session.Option{
		session.WithSessionConfig(sessionConfig(a.cfg.Session)),
		session.WithQueueSize(a.cfg.Session.OutboundQueue),
		session.WithMetrics(a.metrics),
		session.WithLogger(slog.Default()),
	}
	a.ctrl = session.New(a.providers.S2S, a.providers.Audio, a.providers.Audio, opts...)

	a.ctrl.OnTranscript(func(t s2s.Transcript) {
		slog.Debug("transcript", "speaker", t.Speaker, "text", t.Text)
	})
	a.ctrl.OnStatus(func(msg string) {
		slog.Debug("session status", "status", msg)
	})

	onState := func(st session.State) {
		slog.Debug("session state", "state", st.String())
	}
	if a.cfg.Restart.Enabled {
		a.supervisor = session.NewSupervisor(a.ctrl, session.SupervisorConfig{
			MaxRetries: a.cfg.Restart.MaxRetries,
			Backoff:    a.cfg.Restart.Backoff,
			MaxBackoff: a.cfg.Restart.MaxBackoff,
		})
		a.supervisor.OnStateChange(onState)
	} else {
		a.ctrl.OnStateChange(onState)
	}
}

// initHTTP builds the health, readiness and metrics handler.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	health.New([]health.Checker{health.SessionReady(a.ctrl)}).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	a.handler = observe.Middleware(a.metrics)(mux)

	if a.cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
		}
	}
}

// applyConfig applies the hot-reloadable part of a config change. Voice and
// instructions take effect on the next session start.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.SetSessionConfig(s2s.SessionConfig{
			Voice:        d.NewVoice,
			Instructions: d.NewInstructions,
		})
		slog.Info("session config updated, applies on next start", "voice", d.NewVoice)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller {
	return a.ctrl
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the audio device, serves HTTP when a listen address is
// configured, polls the config file when watching is enabled, and keeps the
// voice session running until ctx is cancelled.
// It returns ctx.Err() after cancellation, or the first fatal error: a
// failed device open, a listener error, a session that cannot start, or
// the supervisor giving up.
func (a *App) Run(ctx context.Context) error {
	if err := a.providers.Audio.Open(ctx); err != nil {
		return fmt.Errorf("app: open audio device: %w", err)
	}
	a.mu.Lock()
	a.deviceOpen = true
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.server.Addr, err)
		}
		slog.Info("http server listening", "addr", ln.Addr().String())
		g.Go(func() error { return a.serve(ln) })
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer cancel()
			return a.server.Shutdown(stopCtx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Watch(gctx, a.applyConfig)
			return nil
		})
	}

	g.Go(func() error { return a.runSession(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (a *App) serve(ln net.Listener) error {
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		err = a.server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: http server: %w", err)
}

// runSession starts the voice session and holds it until ctx is done. A
// session stopped from outside (for example by /voice stop) leaves the
// process serving until ctx is cancelled.
func (a *App) runSession(ctx context.Context) error {
	if a.supervisor != nil {
		if err := a.supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}

	if err := a.ctrl.Start(ctx); err != nil && !errors.Is(err, session.ErrStopped) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("app: start session: %w", err)
	}
	<-ctx.Done()
	if err := a.ctrl.Stop(); err != nil {
		slog.Warn("session stop error", "err", err)
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and tears down all subsystems. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// The session goes first so nothing plays into a closed device.
		if err := a.ctrl.Stop(); err != nil {
			slog.Warn("session stop error", "err", err)
		}

		a.mu.Lock()
		open := a.deviceOpen
		a.deviceOpen = false
		a.mu.Unlock()
		if open {
			if err := a.providers.Audio.Close(); err != nil {
				slog.Warn("audio device close error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionConfig converts the config session block to the provider setup.
func sessionConfig(sc config.SessionConfig) s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:        sc.Voice,
		Instructions: sc.Instructions,
	}
}

// SlogLevel maps a config log level to its slog equivalent. Unknown values
// map to Info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
