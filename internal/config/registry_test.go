package config_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/mock"
)

func TestRegistry_Create(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	var gotEntry config.ProviderEntry
	var gotLang string
	r.Register("mock", func(e config.ProviderEntry, tc config.TranscriptionConfig) (stt.Provider, error) {
		gotEntry, gotLang = e, tc.Language
		return &mock.Provider{}, nil
	})

	p, err := r.Create(config.ProviderEntry{Name: "mock", Model: "m1"}, config.TranscriptionConfig{Language: "en"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := p.(*mock.Provider); !ok {
		t.Errorf("Create returned %T", p)
	}
	if gotEntry.Model != "m1" || gotLang != "en" {
		t.Errorf("factory got entry %+v, language %q", gotEntry, gotLang)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()

	_, err := config.NewRegistry().Create(config.ProviderEntry{Name: "nope"}, config.TranscriptionConfig{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := config.NewRegistry()
	r.Register("broken", func(config.ProviderEntry, config.TranscriptionConfig) (stt.Provider, error) { return nil, boom })
	if _, err := r.Create(config.ProviderEntry{Name: "broken"}, config.TranscriptionConfig{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	noop := func(config.ProviderEntry, config.TranscriptionConfig) (stt.Provider, error) { return nil, nil }
	r.Register("groq", noop)
	r.Register("bigasr", noop)
	if got := r.Names(); len(got) != 2 || got[0] != "bigasr" || got[1] != "groq" {
		t.Errorf("Names = %v", got)
	}
}
