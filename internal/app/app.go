// Package app wires the OmniMind subsystems into a running control plane.
//
// [New] builds the audio host, the live transports (wrapped in circuit
// breakers and failover), the transcript store and the [SessionManager].
// [App.Run] serves the HTTP API until its context is cancelled and
// [App.Shutdown] releases everything in reverse order.
//
// For testing, inject doubles via functional options ([WithAudioHost],
// [WithSessionStore], ...). When an option is not provided, New creates the
// real implementation from the config and registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/omnimind/internal/config"
	"github.com/MrWong99/omnimind/internal/health"
	"github.com/MrWong99/omnimind/internal/observe"
	"github.com/MrWong99/omnimind/internal/resilience"
	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/memory"
	"github.com/MrWong99/omnimind/pkg/memory/postgres"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry
	log *slog.Logger

	host      audio.Host
	store     memory.SessionStore
	metrics   *observe.Metrics
	metricsH  http.Handler
	checkers  []health.Checker
	manager   *SessionManager
	breaker   config.BreakerConfig

	mu        sync.Mutex
	transport *resilience.LiveFallback

	handler http.Handler

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithAudioHost injects the audio host instead of creating it from config.
func WithAudioHost(h audio.Host) Option {
	return func(a *App) { a.host = h }
}

// WithSessionStore injects the transcript store instead of creating it from
// config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics overrides the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics, usually
// [observe.Telemetry.MetricsHandler]. Without it the route is not registered.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// New creates an App from cfg. Live transports and, unless injected, the
// audio host are built through reg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg, breaker: cfg.Live.Breaker}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.host == nil {
		h, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: init audio: %w", err)
		}
		a.host = h
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	t, err := a.buildTransport(cfg.Live)
	if err != nil {
		return nil, fmt.Errorf("app: init live: %w", err)
	}
	a.transport = t
	a.checkers = append(a.checkers, health.Available("live", a.liveAvailable, errors.New("every live transport has an open circuit")))

	a.manager = NewSessionManager(SessionManagerConfig{
		Host:          a.host,
		Transport:     t,
		Live:          cfg.Live,
		CaptureBuffer: cfg.Audio.CaptureBuffer,
		Store:         a.store,
		Metrics:       a.metrics,
		Logger:        a.log,
	})
	a.closers = append([]func() error{a.stopSession}, a.closers...)

	a.handler = a.routes()
	return a, nil
}

// initMemory opens the PostgreSQL store when a DSN is configured and falls
// back to an in-memory store otherwise.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.store = memory.NewInMemory()
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.Ping("memory", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.log.Info("transcript store connected", "backend", "postgres")
	return nil
}

// buildTransport creates the primary live transport and its fallbacks, each
// behind its own circuit breaker. Breaker settings are fixed at startup.
func (a *App) buildTransport(lc config.LiveConfig) (*resilience.LiveFallback, error) {
	fc := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  a.breaker.MaxFailures,
		ResetTimeout: a.breaker.ResetTimeout,
		Logger:       a.log,
	}}
	primary, err := a.reg.CreateLive(lc)
	if err != nil {
		return nil, err
	}
	t := resilience.NewLiveFallback(primary, lc.Provider, fc)
	for i, fb := range lc.Fallbacks {
		p, err := a.reg.CreateLive(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		t.AddFallback(fmt.Sprintf("%s#%d", fb.Provider, i+1), p)
	}
	return t, nil
}

// Manager returns the session manager.
func (a *App) Manager() *SessionManager { return a.manager }

// Store returns the transcript store.
func (a *App) Store() memory.SessionStore { return a.store }

// Handler returns the HTTP handler of the control plane.
func (a *App) Handler() http.Handler { return a.handler }

// Breakers returns the circuit state of every live transport keyed by name.
func (a *App) Breakers() map[string]resilience.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport.Breakers()
}

func (a *App) liveAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport.Available()
}

// ApplyConfig reacts to a hot-reloaded configuration. Live settings apply to
// the next voice session; settings that need a restart are only logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LiveChanged {
		t, err := a.buildTransport(new.Live)
		if err != nil {
			a.log.Error("rejecting live config change", "fields", d.LiveFields, "err", err)
		} else {
			a.manager.SetLive(new.Live, t)
			a.mu.Lock()
			a.transport = t
			a.mu.Unlock()
			a.log.Info("live config updated; applies to the next session", "fields", d.LiveFields)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "settings", d.RestartRequired)
	}
}

// Run serves the HTTP API on the configured listen address until ctx is
// cancelled, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", "addr", ln.Addr().String())
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Shutdown closes the active voice session and releases the remaining
// subsystems. If ctx expires first, the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) stopSession() error {
	if err := a.manager.Stop(); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
