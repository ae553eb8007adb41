package config

// Diff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; the
// assistant settings take effect at the next session open.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AssistantChanged bool
	Assistant        AssistantConfig

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.AssistantChanged && len(d.RestartRequired) == 0
}

// Compare returns what changed from old to new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !assistantEqual(old.Assistant, new.Assistant) {
		d.AssistantChanged = true
		d.Assistant = new.Assistant
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.Console != new.Server.Console {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func assistantEqual(a, b AssistantConfig) bool {
	return a.Profile == b.Profile &&
		a.Voice == b.Voice &&
		a.Instructions == b.Instructions &&
		a.Greeting == b.Greeting &&
		a.InputTranscription == b.InputTranscription &&
		a.WantOutputTranscription() == b.WantOutputTranscription()
}

func providersEqual(a, b ProvidersConfig) bool {
	if a.Live != b.Live || a.TTS != b.TTS || len(a.LiveFallbacks) != len(b.LiveFallbacks) {
		return false
	}
	for i := range a.LiveFallbacks {
		if a.LiveFallbacks[i] != b.LiveFallbacks[i] {
			return false
		}
	}
	return true
}
