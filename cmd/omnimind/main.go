// Command omnimind is the entry point of the OmniMind voice server. It serves
// the HTTP control plane and, with -voice, opens a voice session at startup
// and exits when it ends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/omnimind/internal/app"
	"github.com/MrWong99/omnimind/internal/config"
	"github.com/MrWong99/omnimind/internal/observe"
	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/audio/miniaudio"
	"github.com/MrWong99/omnimind/pkg/audio/portaudio"
	"github.com/MrWong99/omnimind/pkg/audio/wavfile"
	"github.com/MrWong99/omnimind/pkg/provider/live"
	"github.com/MrWong99/omnimind/pkg/provider/live/gemini"
	"github.com/MrWong99/omnimind/pkg/provider/live/genailive"
	"github.com/MrWong99/omnimind/pkg/provider/live/openai"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	voiceMode := flag.Bool("voice", false, "open a voice session at startup and exit when it ends")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "omnimind: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "omnimind: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("omnimind starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"live", cfg.Live.Provider,
		"audio", cfg.Audio.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	application, err := app.New(ctx, cfg, reg, app.WithMetricsHandler(tel.MetricsHandler()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			level.Set(slogLevel(new.Server.LogLevel))
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
		application.ApplyConfig(old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for range hup {
				if !watcher.Reload() {
					slog.Info("SIGHUP: configuration unchanged")
				}
			}
		}()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if *voiceMode {
		info, err := application.Manager().Start(ctx)
		if err != nil {
			slog.Error("failed to open voice session", "err", err)
			return 1
		}
		slog.Info("voice session opened; press Ctrl+C to end it", "session_id", info.SessionID)
		go func() {
			<-application.Manager().Done()
			cancelRun()
		}()
	}

	runErr := application.Run(runCtx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	if *voiceMode {
		if err := application.Manager().Err(); err != nil {
			slog.Error("voice session failed", "err", err)
			return 1
		}
	}
	slog.Info("goodbye")
	return 0
}

// ── Registry wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the live transports and audio backends that ship
// with OmniMind into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterLive(config.LiveGemini, func(lc config.LiveConfig) (live.Provider, error) {
		var opts []gemini.Option
		if lc.Model != "" {
			opts = append(opts, gemini.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(lc.BaseURL))
		}
		return gemini.New(lc.APIKey, opts...), nil
	})

	reg.RegisterLive(config.LiveGenAI, func(lc config.LiveConfig) (live.Provider, error) {
		var opts []genailive.Option
		if lc.Model != "" {
			opts = append(opts, genailive.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(lc.BaseURL))
		}
		if v := lc.Options["api_version"]; v != "" {
			opts = append(opts, genailive.WithAPIVersion(v))
		}
		if project := lc.Options["project"]; project != "" {
			location := lc.Options["location"]
			if location == "" {
				return nil, errors.New("genai: options.location is required with options.project")
			}
			opts = append(opts, genailive.WithVertexAI(project, location))
		}
		return genailive.New(lc.APIKey, opts...), nil
	})

	reg.RegisterLive(config.LiveOpenAI, func(lc config.LiveConfig) (live.Provider, error) {
		var opts []openai.Option
		if lc.Model != "" {
			opts = append(opts, openai.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(lc.BaseURL))
		}
		return openai.New(lc.APIKey, opts...), nil
	})

	reg.RegisterAudio(config.AudioMalgo, func(config.AudioConfig) (audio.Host, error) {
		return miniaudio.New(miniaudio.WithLogger(slog.Default().With("component", "malgo"))), nil
	})
	reg.RegisterAudio(config.AudioPortAudio, func(config.AudioConfig) (audio.Host, error) {
		return portaudio.New(), nil
	})
	reg.RegisterAudio(config.AudioWAV, func(ac config.AudioConfig) (audio.Host, error) {
		return wavfile.New(ac.InputWAV, ac.OutputWAV), nil
	})

	slog.Debug("registered builtins", "live", reg.LiveNames(), "audio", reg.AudioNames())
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
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
