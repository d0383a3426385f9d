package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/bigasr"
	"github.com/MrWong99/murmur/pkg/provider/stt/deepgram"
	"github.com/MrWong99/murmur/pkg/provider/stt/groq"
)

// newRegistry returns a registry holding every built-in STT provider.
func newRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.Register("bigasr", func(entry config.ProviderEntry, t config.TranscriptionConfig) (stt.Provider, error) {
		opts := []bigasr.Option{
			bigasr.WithSegmentDuration(t.SegmentDuration()),
			bigasr.WithITN(config.Enabled(t.EnableITN)),
			bigasr.WithPunctuation(config.Enabled(t.EnablePunc)),
			bigasr.WithDDC(config.Enabled(t.EnableDDC)),
			bigasr.WithLogger(slog.Default().With("provider", "bigasr")),
		}
		if entry.BaseURL != "" {
			opts = append(opts, bigasr.WithEndpoint(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, bigasr.WithModel(entry.Model))
		}
		if v, err := stringOption(entry, "resource_id"); err != nil {
			return nil, err
		} else if v != "" {
			opts = append(opts, bigasr.WithResourceID(v))
		}
		if v, err := stringOption(entry, "uid"); err != nil {
			return nil, err
		} else if v != "" {
			opts = append(opts, bigasr.WithUID(v))
		}
		return bigasr.New(entry.AppID, entry.APIKey, opts...)
	})

	reg.Register("groq", func(entry config.ProviderEntry, _ config.TranscriptionConfig) (stt.Provider, error) {
		var opts []groq.Option
		if entry.BaseURL != "" {
			opts = append(opts, groq.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, groq.WithModel(entry.Model))
		}
		return groq.New(entry.APIKey, opts...)
	})

	reg.Register("deepgram", func(entry config.ProviderEntry, _ config.TranscriptionConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if v, ok, err := floatOption(entry, "keyword_boost"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, deepgram.WithKeywordBoost(v))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
	return reg
}

// stringOption reads a string from the provider's options block.
func stringOption(entry config.ProviderEntry, key string) (string, error) {
	v, ok := entry.Options[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("providers.%s.options.%s: want a string, got %T", entry.Name, key, v)
	}
	return s, nil
}

// floatOption reads a number from the provider's options block. YAML decodes
// whole numbers as int.
func floatOption(entry config.ProviderEntry, key string) (float64, bool, error) {
	switch v := entry.Options[key].(type) {
	case nil:
		return 0, false, nil
	case int:
		return float64(v), true, nil
	case float64:
		return v, true, nil
	default:
		return 0, false, fmt.Errorf("providers.%s.options.%s: want a number, got %T", entry.Name, key, v)
	}
}
