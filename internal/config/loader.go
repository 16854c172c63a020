package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in names per registry kind. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"live":  {LiveGemini, LiveGenAI, LiveOpenAI},
	"audio": {AudioMalgo, AudioPortAudio, AudioWAV},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields with their defaults and expands environment
// references in secrets.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Live.Provider == "" {
		cfg.Live.Provider = LiveGemini
	}
	if cfg.Live.Breaker.MaxFailures == 0 {
		cfg.Live.Breaker.MaxFailures = 3
	}
	if cfg.Live.Breaker.ResetTimeout == 0 {
		cfg.Live.Breaker.ResetTimeout = 30 * time.Second
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioMalgo
	}
	cfg.Live.APIKey = os.ExpandEnv(cfg.Live.APIKey)
	for i := range cfg.Live.Fallbacks {
		cfg.Live.Fallbacks[i].APIKey = os.ExpandEnv(cfg.Live.Fallbacks[i].APIKey)
	}
	cfg.Memory.PostgresDSN = os.ExpandEnv(cfg.Memory.PostgresDSN)
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found and logs warnings for suspicious
// but usable settings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("live", cfg.Live.Provider)
	validateProviderName("audio", cfg.Audio.Backend)
	for i, fb := range cfg.Live.Fallbacks {
		if fb.Provider == "" {
			errs = append(errs, fmt.Errorf("live.fallbacks[%d].provider is required", i))
			continue
		}
		validateProviderName("live", fb.Provider)
	}

	if cfg.Live.APIKey == "" && cfg.Live.Options["project"] == "" {
		slog.Warn("live.api_key is empty; the remote endpoint will likely reject the session", "provider", cfg.Live.Provider)
	}
	if cfg.Live.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("live.breaker.max_failures %d must not be negative", cfg.Live.Breaker.MaxFailures))
	}
	if cfg.Live.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("live.breaker.reset_timeout %s must not be negative", cfg.Live.Breaker.ResetTimeout))
	}

	if cfg.Audio.CaptureBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer %d must not be negative", cfg.Audio.CaptureBuffer))
	}
	if cfg.Audio.Backend == AudioWAV {
		if cfg.Audio.InputWAV == "" {
			errs = append(errs, errors.New("audio.input_wav is required when backend is wav"))
		}
		if cfg.Audio.OutputWAV == "" {
			errs = append(errs, errors.New("audio.output_wav is required when backend is wav"))
		}
	}

	if cfg.Memory.PostgresDSN == "" {
		slog.Debug("memory.postgres_dsn is empty; transcripts are kept in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
