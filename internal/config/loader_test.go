package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/omnimind/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: verbose\n",
			want: []string{"server.log_level"},
		},
		{
			name: "negative shutdown timeout",
			yaml: "server:\n  shutdown_timeout: -1s\n",
			want: []string{"server.shutdown_timeout"},
		},
		{
			name: "tls without key",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: []string{"server.tls"},
		},
		{
			name: "negative capture buffer",
			yaml: "audio:\n  capture_buffer: -2\n",
			want: []string{"audio.capture_buffer"},
		},
		{
			name: "wav backend without files",
			yaml: "audio:\n  backend: wav\n",
			want: []string{"audio.input_wav", "audio.output_wav"},
		},
		{
			name: "negative breaker",
			yaml: "live:\n  breaker:\n    max_failures: -1\n    reset_timeout: -5s\n",
			want: []string{"live.breaker.max_failures", "live.breaker.reset_timeout"},
		},
		{
			name: "fallback without provider",
			yaml: "live:\n  fallbacks:\n    - api_key: k\n",
			want: []string{"live.fallbacks[0].provider"},
		},
		{
			name: "all errors joined",
			yaml: "server:\n  log_level: loud\naudio:\n  capture_buffer: -1\n",
			want: []string{"server.log_level", "audio.capture_buffer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_UnknownProviderIsOnlyAWarning(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("live:\n  provider: custom\n  api_key: k\naudio:\n  backend: pipewire\n"))
	if err != nil {
		t.Fatalf("unknown provider names must not fail validation: %v", err)
	}
	if cfg.Live.Provider != "custom" || cfg.Audio.Backend != "pipewire" {
		t.Errorf("names were rewritten: %q / %q", cfg.Live.Provider, cfg.Audio.Backend)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}
