package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Env holds the settings that may come from the environment. Non-empty values
// override the YAML file.
type Env struct {
	BigASRAppID       string   `env:"MURMUR_BIGASR_APP_ID"`
	BigASRAccessToken string   `env:"MURMUR_BIGASR_ACCESS_TOKEN"`
	GroqAPIKey        string   `env:"MURMUR_GROQ_API_KEY"`
	DeepgramAPIKey    string   `env:"MURMUR_DEEPGRAM_API_KEY"`
	PostgresDSN       string   `env:"MURMUR_POSTGRES_DSN"`
	LogLevel          LogLevel `env:"MURMUR_LOG_LEVEL"`
	ListenAddr        string   `env:"MURMUR_LISTEN_ADDR"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays the process environment onto cfg.
func ApplyEnv(cfg *Config) error {
	return ApplyEnvFrom(cfg, envconfig.OsLookuper())
}

// ApplyEnvFrom overlays the variables visible through l onto cfg.
func ApplyEnvFrom(cfg *Config, l envconfig.Lookuper) error {
	var env Env
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &env,
		Lookuper: l,
	}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	env.apply(cfg)
	return nil
}

func (e Env) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.History.PostgresDSN, e.PostgresDSN)
	set(&cfg.Server.ListenAddr, e.ListenAddr)
	if e.LogLevel != "" {
		cfg.Server.LogLevel = e.LogLevel
	}

	entries := []*ProviderEntry{&cfg.Providers.STT}
	for i := range cfg.Providers.Fallbacks {
		entries = append(entries, &cfg.Providers.Fallbacks[i])
	}
	for _, p := range entries {
		switch p.Name {
		case "bigasr":
			set(&p.AppID, e.BigASRAppID)
			set(&p.APIKey, e.BigASRAccessToken)
		case "groq":
			set(&p.APIKey, e.GroqAPIKey)
		case "deepgram":
			set(&p.APIKey, e.DeepgramAPIKey)
		}
	}

	// Credentials alone select a provider when the file names none.
	if cfg.Providers.STT.Name == "" {
		switch {
		case e.BigASRAppID != "" && e.BigASRAccessToken != "":
			cfg.Providers.STT = ProviderEntry{Name: "bigasr", AppID: e.BigASRAppID, APIKey: e.BigASRAccessToken}
		case e.GroqAPIKey != "":
			cfg.Providers.STT = ProviderEntry{Name: "groq", APIKey: e.GroqAPIKey}
		case e.DeepgramAPIKey != "":
			cfg.Providers.STT = ProviderEntry{Name: "deepgram", APIKey: e.DeepgramAPIKey}
		}
	}
}
