package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if any live setting changed. Live settings apply to
	// the next voice session; a running session keeps its configuration.
	LiveChanged bool

	// LiveFields names the changed live settings by their YAML key.
	LiveFields []string

	// RestartRequired names changed settings that only take effect after a
	// restart (listen address, TLS, audio backend, memory store).
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LiveChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ol, nl := old.Live, new.Live
	for _, f := range []struct {
		name    string
		changed bool
	}{
		{"provider", ol.Provider != nl.Provider},
		{"api_key", ol.APIKey != nl.APIKey},
		{"base_url", ol.BaseURL != nl.BaseURL},
		{"model", ol.Model != nl.Model},
		{"voice", ol.Voice != nl.Voice},
		{"persona", ol.Persona != nl.Persona},
		{"options", !maps.Equal(ol.Options, nl.Options)},
		{"fallbacks", !slices.EqualFunc(ol.Fallbacks, nl.Fallbacks, sameTransport)},
	} {
		if f.changed {
			d.LiveFields = append(d.LiveFields, f.name)
		}
	}
	d.LiveChanged = len(d.LiveFields) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if (old.Server.TLS == nil) != (new.Server.TLS == nil) ||
		(old.Server.TLS != nil && *old.Server.TLS != *new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Live.Breaker != new.Live.Breaker {
		d.RestartRequired = append(d.RestartRequired, "live.breaker")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	return d
}

// sameTransport reports whether a and b select the same transport with the
// same settings. Breaker and nested fallbacks are not compared.
func sameTransport(a, b LiveConfig) bool {
	return a.Provider == b.Provider &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Voice == b.Voice &&
		a.Persona == b.Persona &&
		maps.Equal(a.Options, b.Options)
}
