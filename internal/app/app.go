// Package app wires the murmur subsystems into a transcription service.
//
// [New] builds the provider chain from the config registry (each backend
// instrumented and guarded by a circuit breaker, the chain wrapped in a retry
// policy), the transcript corrector and the history store. [App.Transcribe]
// runs one recording through all of them; [App.Handler] exposes the same
// operations over HTTP. [App.Shutdown] releases everything in order.
//
// Tests inject doubles through functional options (WithFailover,
// WithHistory, WithMetrics). Anything not injected is created from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/history"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/transcript"
	"github.com/MrWong99/murmur/internal/transcript/phonetic"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// ErrNoProvider is returned by [New] when the config names no STT provider
// and none was injected.
var ErrNoProvider = errors.New("app: no stt provider configured")

// App owns the transcription pipeline. All methods are safe for concurrent
// use.
type App struct {
	cfg       atomic.Pointer[config.Config]
	corrector atomic.Pointer[transcript.Corrector]

	registry *config.Registry
	failover *resilience.STTFailover
	provider stt.Provider
	history  history.Store
	metrics  *observe.Metrics
	level    *slog.LevelVar
	log      *slog.Logger

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithFailover injects the provider chain instead of building it from the
// registry.
func WithFailover(f *resilience.STTFailover) Option {
	return func(a *App) { a.failover = f }
}

// WithHistory injects a history store instead of opening the configured one.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler that
// uses lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New builds an App from cfg. reg supplies the provider constructors and may
// be nil when WithFailover is given.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{registry: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.cfg.Store(cfg)
	a.corrector.Store(newCorrector(cfg.Transcription, a.log))

	if err := a.initProviders(); err != nil {
		return nil, err
	}
	if err := a.initHistory(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	return a, nil
}

func (a *App) initProviders() error {
	if a.failover == nil {
		chain := a.cfg.Load().Providers.Chain()
		if len(chain) == 0 {
			return ErrNoProvider
		}
		if a.registry == nil {
			return errors.New("app: provider registry is nil")
		}
		for i, entry := range chain {
			p, err := a.registry.Create(entry, a.cfg.Load().Transcription)
			if err != nil {
				return fmt.Errorf("app: %w", err)
			}
			p = &instrumented{name: entry.Name, next: p, metrics: a.metrics}
			if i == 0 {
				a.failover = resilience.NewSTTFailover(entry.Name, p, a.breakerConfig())
				continue
			}
			a.failover.AddFallback(entry.Name, p)
		}
		a.log.Info("stt providers ready", "chain", a.failover.Names())
	}

	rc := a.cfg.Load().Retry
	a.provider = resilience.NewSTTRetry(a.failover, resilience.RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		Backoff:     rc.Backoff,
		MaxBackoff:  rc.MaxBackoff,
		Logger:      a.log,
		OnRetry: func(int, error, time.Duration) {
			a.metrics.Retries.Add(context.Background(), 1)
		},
	})
	return nil
}

func (a *App) breakerConfig() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Logger: a.log,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	hc := a.cfg.Load().History
	opts := []history.Option{history.WithLimit(hc.Limit), history.WithLogger(a.log)}
	switch {
	case hc.PostgresDSN != "":
		s, err := history.NewPostgresStore(ctx, hc.PostgresDSN, opts...)
		if err != nil {
			return err
		}
		a.history = s
	case hc.Path != "":
		s, err := history.NewFileStore(hc.Path, opts...)
		if err != nil {
			return err
		}
		a.history = s
	default:
		return nil
	}
	a.closers = append(a.closers, a.history.Close)
	return nil
}

// newCorrector builds the transcript corrector for t.
func newCorrector(t config.TranscriptionConfig, log *slog.Logger) *transcript.Corrector {
	dict := make([]transcript.Replacement, 0, len(t.Dictionary))
	for _, d := range t.Dictionary {
		dict = append(dict, transcript.Replacement{Incorrect: d.Incorrect, Correct: d.Correct})
	}
	opts := []transcript.Option{
		transcript.WithDictionary(dict),
		transcript.WithTerms(t.Terms),
		transcript.WithLogger(log),
	}
	if config.Enabled(t.PhoneticCorrection) {
		opts = append(opts, transcript.WithPhoneticMatcher(phonetic.New()))
	}
	return transcript.NewCorrector(opts...)
}

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// History returns the history store, or nil when history is disabled.
func (a *App) History() history.Store { return a.history }

// Breakers returns the circuit breaker of every provider by name.
func (a *App) Breakers() map[string]*resilience.Breaker { return a.failover.Breakers() }

// Input is one recording to transcribe.
type Input struct {
	Audio audio.PCM

	// Language overrides the configured language when non-empty.
	Language string

	// Save stores the result in history, when history is enabled.
	Save bool

	// OnPartial receives interim transcripts.
	OnPartial func(stt.Transcript)
}

// Output is the outcome of [App.Transcribe].
type Output struct {
	Entry       history.Entry           `json:"entry"`
	Corrections []transcript.Correction `json:"corrections"`
	Utterances  []stt.Utterance         `json:"utterances,omitempty"`
	Partials    int                     `json:"partials"`
	Saved       bool                    `json:"saved"`
}

// Transcribe normalises in.Audio, runs it through the provider chain,
// corrects the text and optionally stores it.
func (a *App) Transcribe(ctx context.Context, in Input) (*Output, error) {
	ctx, span := observe.StartSpan(ctx, "app.transcribe")
	var err error
	defer func() { observe.EndSpan(span, err) }()

	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)

	cfg := a.cfg.Load()
	tc := cfg.Transcription
	target := audio.Format{SampleRate: tc.SampleRate, Channels: 1}
	pcm, err := audio.Normalize(in.Audio, target)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	lang := in.Language
	if lang == "" {
		lang = tc.Language
	}
	req := stt.Request{
		Audio:      pcm.Data,
		SampleRate: pcm.Format.SampleRate,
		Language:   lang,
		Prompt:     tc.Prompt,
		Terms:      tc.Terms,
		OnPartial: func(t stt.Transcript) {
			a.metrics.Partials.Add(ctx, 1)
			if in.OnPartial != nil {
				in.OnPartial(t)
			}
		},
	}

	log := observe.Logger(ctx, a.log)
	log.Debug("transcription started", "audio", pcm.Duration(), "format", pcm.Format.String(), "language", lang)

	res, err := a.provider.Transcribe(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("app: transcribe: %w", err)
	}

	corrected := a.corrector.Load().Correct(res.Text)
	out := &Output{
		Entry: history.Entry{
			ID:        uuid.New(),
			Title:     history.Title(corrected.Text),
			Text:      corrected.Text,
			RawText:   res.Text,
			CreatedAt: time.Now(),
			Provider:  res.Provider,
			Model:     res.Model,
			Language:  lang,
			Duration:  pcm.Duration(),
		},
		Corrections: corrected.Corrections,
		Utterances:  res.Utterances,
		Partials:    res.Partials,
	}
	log.Info("transcription finished", "provider", res.Provider, "audio", pcm.Duration(), "chars", len(corrected.Text), "corrections", len(corrected.Corrections))

	if in.Save && a.history != nil {
		if err = a.save(ctx, cfg.History, out, pcm); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// save stores out in history, writing the recording next to the history
// file when configured.
func (a *App) save(ctx context.Context, hc config.HistoryConfig, out *Output, pcm audio.PCM) error {
	if hc.SaveAudio && hc.Path != "" {
		dir := filepath.Join(filepath.Dir(hc.Path), "audio")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("app: save audio: %w", err)
		}
		path := filepath.Join(dir, out.Entry.ID.String()+".wav")
		if err := audio.WriteWAVFile(path, pcm); err != nil {
			return fmt.Errorf("app: save audio: %w", err)
		}
		out.Entry.AudioPath = path
	}
	entry, err := a.history.Add(ctx, out.Entry)
	if err != nil {
		if out.Entry.AudioPath != "" {
			os.Remove(out.Entry.AudioPath)
		}
		return fmt.Errorf("app: save history: %w", err)
	}
	out.Entry = entry
	out.Saved = true
	return nil
}

// ApplyConfig takes over the parts of next that can change at runtime: log
// level, language and vocabulary. Other differences are logged and need a
// restart. It is the callback for config.Watcher.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Compare(old, next)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VocabularyChanged {
		a.corrector.Store(newCorrector(next.Transcription, a.log))
		a.log.Info("vocabulary reloaded", "terms", len(next.Transcription.Terms), "dictionary", len(next.Transcription.Dictionary))
	}
	if d.LanguageChanged {
		a.log.Info("language changed", "language", next.Transcription.Language)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}

	// Only the hot-reloadable fields move; the rest keeps the values the
	// running chain was built with.
	merged := *old
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Transcription.Language = next.Transcription.Language
	merged.Transcription.Prompt = next.Transcription.Prompt
	merged.Transcription.Terms = next.Transcription.Terms
	merged.Transcription.Dictionary = next.Transcription.Dictionary
	merged.Transcription.PhoneticCorrection = next.Transcription.PhoneticCorrection
	a.cfg.Store(&merged)
}

// SlogLevel converts a config level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// Shutdown releases all resources. If ctx expires first, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
