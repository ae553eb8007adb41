package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ListenOff disables the HTTP control API.
const ListenOff = "off"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini", "openai"},
	"tts":  {"gemini"},
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

// LoadFromReader decodes a YAML config from r, expands environment
// references in credentials, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioPortAudio
	}
	if cfg.Audio.CaptureSampleRate == 0 {
		cfg.Audio.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = DefaultPlaybackSampleRate
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.QueueDepth == 0 {
		cfg.Audio.QueueDepth = DefaultQueueDepth
	}
	if cfg.Assistant.Profile == "" {
		cfg.Assistant.Profile = DefaultProfile
	}
	if cfg.Assistant.Voice == "" {
		cfg.Assistant.Voice = DefaultVoice
	}
	if cfg.Assistant.Instructions == "" {
		cfg.Assistant.Instructions = DefaultInstructions
	}
	if cfg.Assistant.Greeting == "" {
		cfg.Assistant.Greeting = DefaultGreeting
	}
	if cfg.Storage.HistoryLimit == 0 {
		cfg.Storage.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.Live.Name == "" {
		errs = append(errs, errors.New("providers.live.name is required"))
	}
	validateProviderName("live", cfg.Providers.Live.Name)
	seen := map[string]string{cfg.Providers.Live.Name: "providers.live"}
	for i, fb := range cfg.Providers.LiveFallbacks {
		prefix := fmt.Sprintf("providers.live_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
		validateProviderName("live", fb.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio", cfg.Audio.Backend))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.capture_sample_rate", cfg.Audio.CaptureSampleRate},
		{"audio.playback_sample_rate", cfg.Audio.PlaybackSampleRate},
		{"audio.block_size", cfg.Audio.BlockSize},
		{"audio.queue_depth", cfg.Audio.QueueDepth},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.v))
		}
	}

	// Assistant
	if _, err := cfg.Assistant.RenderInstructions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Assistant.RenderGreeting(); err != nil {
		errs = append(errs, err)
	}

	// Storage
	if cfg.Storage.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("storage.history_limit must not be negative, got %d", cfg.Storage.HistoryLimit))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Debug("storage.postgres_dsn is empty; conversation history will not persist")
	}

	return errors.Join(errs...)
}

// expandEnv resolves ${VAR} references in credentials and the DSN.
func expandEnv(cfg *Config) {
	expand := func(e *ProviderEntry) {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
	expand(&cfg.Providers.Live)
	expand(&cfg.Providers.TTS)
	for i := range cfg.Providers.LiveFallbacks {
		expand(&cfg.Providers.LiveFallbacks[i])
	}
	cfg.Storage.PostgresDSN = os.ExpandEnv(cfg.Storage.PostgresDSN)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
