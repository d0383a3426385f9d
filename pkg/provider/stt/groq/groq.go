// Package groq provides a file-upload STT provider for OpenAI-compatible
// transcription endpoints, defaulting to Groq's hosted Whisper. It implements
// the stt.Provider interface.
//
// The recording is wrapped in a WAV container and posted in one request, so
// no interim results are reported.
package groq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	// DefaultBaseURL is Groq's OpenAI-compatible API root.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModel is the Whisper model served by Groq.
	DefaultModel = "whisper-large-v3"
)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
	tempDir string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTempDir sets where the WAV upload is staged. Defaults to os.TempDir.
func WithTempDir(dir string) Option {
	return func(c *config) { c.tempDir = dir }
}

// Provider implements stt.Provider using the audio transcriptions endpoint.
type Provider struct {
	client  oai.Client
	model   string
	tempDir string
}

var _ stt.Provider = (*Provider)(nil)

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("groq: apiKey must not be empty")
	}
	cfg := &config{baseURL: DefaultBaseURL, model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	// Retries are left to the caller's retry policy.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithMaxRetries(0),
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:  oai.NewClient(reqOpts...),
		model:   cfg.model,
		tempDir: cfg.tempDir,
	}, nil
}

// Transcribe uploads req.Audio as a 16-bit mono WAV file.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	format := audio.Format{SampleRate: req.SampleRate, Channels: 1}
	if format.SampleRate == 0 {
		format.SampleRate = audio.STTFormat.SampleRate
	}
	pcm := audio.PCM{Data: req.Audio, Format: format}

	f, err := os.CreateTemp(p.tempDir, "murmur-upload-*.wav")
	if err != nil {
		return nil, fmt.Errorf("groq: stage upload: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := audio.EncodeWAV(f, pcm); err != nil {
		return nil, fmt.Errorf("groq: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("groq: stage upload: %w", err)
	}

	params := oai.AudioTranscriptionNewParams{
		File:           f,
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang := whisperLanguage(req.Language); lang != "" {
		params.Language = oai.String(lang)
	}
	if prompt := BuildPrompt(req.Prompt, req.Terms); prompt != "" {
		params.Prompt = oai.String(prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	return &stt.Result{
		Text:          strings.TrimSpace(resp.Text),
		Language:      req.Language,
		Provider:      "groq",
		Model:         p.model,
		AudioDuration: pcm.Duration(),
	}, nil
}

// BuildPrompt joins the free-form prompt and the vocabulary list into the
// single prompt string Whisper accepts.
func BuildPrompt(prompt string, terms []string) string {
	var parts []string
	if s := strings.TrimSpace(prompt); s != "" {
		parts = append(parts, s)
	}
	if len(terms) > 0 {
		parts = append(parts, "Terms: "+strings.Join(terms, ", "))
	}
	return strings.Join(parts, " ")
}

// whisperLanguage reduces a BCP-47 tag to the ISO-639-1 code Whisper expects.
// "auto" and "" mean detection.
func whisperLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || strings.EqualFold(tag, "auto") {
		return ""
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

// classify wraps API errors, marking rate limits, server errors and transport
// failures as transient.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("groq: transcribe: %w: %w", stt.ErrTransient, err)
		}
		return fmt.Errorf("groq: transcribe: %w", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("groq: transcribe: %w", err)
	}
	return fmt.Errorf("groq: transcribe: %w: %w", stt.ErrTransient, err)
}
