package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the STT provider names shipped with murmur. [Validate]
// warns about names outside this list since they may be typos.
var KnownProviders = []string{"bigasr", "deepgram", "groq"}

// Load reads the YAML configuration file at path, overlays the environment
// (see [ApplyEnv]) and returns a validated [Config]. A missing file is not an
// error when path is empty; the defaults and environment alone are used.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(&Config{})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return finish(cfg)
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	seen := make(map[string]string)
	checkEntry := func(prefix string, e ProviderEntry) {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			return
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, e.Name, prev))
		}
		seen[e.Name] = prefix
		warnUnknownProvider(e.Name)
		errs = append(errs, validateCredentials(prefix, e)...)
	}
	if cfg.Providers.STT.Name != "" {
		checkEntry("providers.stt", cfg.Providers.STT)
	} else if len(cfg.Providers.Fallbacks) > 0 {
		errs = append(errs, errors.New("providers.fallbacks requires providers.stt"))
	}
	for i, e := range cfg.Providers.Fallbacks {
		checkEntry(fmt.Sprintf("providers.fallbacks[%d]", i), e)
	}

	t := cfg.Transcription
	if t.SampleRate < 0 || (t.SampleRate > 0 && t.SampleRate < 8000) {
		errs = append(errs, fmt.Errorf("transcription.sample_rate %d is out of range; must be at least 8000", t.SampleRate))
	}
	if t.SegmentDurationMS < 0 || t.SegmentDurationMS > 1000 {
		errs = append(errs, fmt.Errorf("transcription.segment_duration_ms %d is out of range [0, 1000]", t.SegmentDurationMS))
	}
	for i, d := range t.Dictionary {
		if strings.TrimSpace(d.Incorrect) == "" {
			errs = append(errs, fmt.Errorf("transcription.dictionary[%d].incorrect is required", i))
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must not be negative", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.Backoff < 0 || cfg.Retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("retry.backoff and retry.max_backoff must not be negative"))
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g is out of range [0, 1]", r))
	}

	if cfg.History.Limit < 0 {
		errs = append(errs, fmt.Errorf("history.limit %d must not be negative", cfg.History.Limit))
	}
	if cfg.History.SaveAudio && cfg.History.Path == "" {
		errs = append(errs, errors.New("history.save_audio requires history.path"))
	}

	return errors.Join(errs...)
}

func validateCredentials(prefix string, e ProviderEntry) []error {
	var errs []error
	switch e.Name {
	case "bigasr":
		if e.AppID == "" {
			errs = append(errs, fmt.Errorf("%s.app_id is required for bigasr (or set MURMUR_BIGASR_APP_ID)", prefix))
		}
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for bigasr (or set MURMUR_BIGASR_ACCESS_TOKEN)", prefix))
		}
	case "groq":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for groq (or set MURMUR_GROQ_API_KEY)", prefix))
		}
	case "deepgram":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for deepgram (or set MURMUR_DEEPGRAM_API_KEY)", prefix))
		}
	}
	return errs
}

func warnUnknownProvider(name string) {
	if slices.Contains(KnownProviders, name) {
		return
	}
	slog.Warn("unknown stt provider name, may be a typo or a third-party provider",
		"name", name,
		"known", KnownProviders,
	)
}
