// Package bigasr provides an STT provider for the big-model streaming speech
// recognition service (the "sauc" bigmodel API). It implements the
// stt.Provider interface.
//
// A transcription runs over one WebSocket connection using the binary frame
// format from the protocol subpackage:
//
//  1. Connect and wait for the handshake event (150).
//  2. Send the recognition config as a gzip-compressed JSON request.
//  3. Stream the audio in 200 ms segments at real-time pace while interim
//     results arrive on a background reader.
//  4. Wait for the frame flagged as last, which carries the final transcript.
//
// [Session] exposes these steps individually; [Provider.Transcribe] drives them
// end to end.
package bigasr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	// DefaultEndpoint is the public streaming endpoint.
	DefaultEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"

	// DefaultResourceID selects duration-billed streaming recognition.
	DefaultResourceID = "volc.bigasr.sauc.duration"

	// DefaultModel is the recognition model name sent in the config.
	DefaultModel = "bigmodel"

	// DefaultConnectTimeout bounds dialing plus the handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultUID is the user id sent when none is configured.
	DefaultUID = "murmur"
)

// Option is a functional option for configuring the bigasr Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint URL.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithResourceID overrides the X-Api-Resource-Id header value.
func WithResourceID(id string) Option {
	return func(p *Provider) { p.resourceID = id }
}

// WithModel sets the model name sent in the recognition config.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithUID sets the user id sent in the recognition config.
func WithUID(uid string) Option {
	return func(p *Provider) { p.uid = uid }
}

// WithConnectTimeout overrides [DefaultConnectTimeout].
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Provider) { p.connectTimeout = d }
}

// WithSegmentDuration sets how much audio goes into one frame. Pacing follows
// the segment duration unless overridden with [WithPacing].
func WithSegmentDuration(d time.Duration) Option {
	return func(p *Provider) { p.segmentDuration = d }
}

// WithPacing sets the spacing between audio frames. Zero streams as fast as
// the connection allows.
func WithPacing(d time.Duration) Option {
	return func(p *Provider) { p.pacing = &d }
}

// WithFinalTimeout replaces [FinalTimeout] as the final-result deadline.
func WithFinalTimeout(fn func(audio time.Duration) time.Duration) Option {
	return func(p *Provider) { p.finalTimeout = fn }
}

// WithITN toggles inverse text normalisation ("twenty" -> "20").
func WithITN(on bool) Option {
	return func(p *Provider) { p.enableITN = on }
}

// WithPunctuation toggles automatic punctuation.
func WithPunctuation(on bool) Option {
	return func(p *Provider) { p.enablePunc = on }
}

// WithDDC toggles disfluency removal.
func WithDDC(on bool) Option {
	return func(p *Provider) { p.enableDDC = on }
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithLogger sets the logger used by sessions.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements stt.Provider backed by the bigasr streaming API.
type Provider struct {
	appID       string
	accessToken string

	endpoint        string
	resourceID      string
	model           string
	uid             string
	connectTimeout  time.Duration
	segmentDuration time.Duration
	pacing          *time.Duration
	finalTimeout    func(time.Duration) time.Duration
	enableITN       bool
	enablePunc      bool
	enableDDC       bool
	httpClient      *http.Client
	log             *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New creates a bigasr Provider. appID and accessToken must be non-empty.
func New(appID, accessToken string, opts ...Option) (*Provider, error) {
	if appID == "" {
		return nil, errors.New("bigasr: appID must not be empty")
	}
	if accessToken == "" {
		return nil, errors.New("bigasr: accessToken must not be empty")
	}
	p := &Provider{
		appID:           appID,
		accessToken:     accessToken,
		endpoint:        DefaultEndpoint,
		resourceID:      DefaultResourceID,
		model:           DefaultModel,
		uid:             DefaultUID,
		connectTimeout:  DefaultConnectTimeout,
		segmentDuration: audio.DefaultSegmentDuration,
		finalTimeout:    FinalTimeout,
		enableITN:       true,
		enablePunc:      true,
		enableDDC:       true,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewSession returns a disconnected session configured like the provider.
func (p *Provider) NewSession(onPartial func(stt.Transcript)) *Session {
	pacing := p.segmentDuration
	if p.pacing != nil {
		pacing = *p.pacing
	}
	return NewSession(SessionConfig{
		Endpoint:       p.endpoint,
		ResourceID:     p.resourceID,
		AppID:          p.appID,
		AccessToken:    p.accessToken,
		ConnectTimeout: p.connectTimeout,
		Pacing:         pacing,
		HTTPClient:     p.httpClient,
		Logger:         p.log,
		OnPartial:      onPartial,
	})
}

// Transcribe streams req.Audio through a new session and returns the final
// transcript. The session is always closed before Transcribe returns.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	format := audio.Format{SampleRate: req.SampleRate, Channels: 1}
	if format.SampleRate == 0 {
		format.SampleRate = audio.STTFormat.SampleRate
	}
	seg, err := audio.NewSegmenter(format, p.segmentDuration)
	if err != nil {
		return nil, fmt.Errorf("bigasr: %w", err)
	}
	if len(req.Audio)%audio.BytesPerSample != 0 {
		return nil, fmt.Errorf("bigasr: %w", audio.ErrOddLength)
	}
	segments := seg.Split(req.Audio)
	duration := format.Duration(len(req.Audio))

	sess := p.NewSession(req.OnPartial)
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}
	err = sess.SendConfig(ctx, RequestOptions{
		UID:        p.uid,
		SampleRate: format.SampleRate,
		Bits:       audio.BytesPerSample * 8,
		Channels:   1,
		Model:      p.model,
		Language:   req.Language,
		EnableITN:  p.enableITN,
		EnablePunc: p.enablePunc,
		EnableDDC:  p.enableDDC,
	})
	if err != nil {
		return nil, err
	}

	var final stt.Transcript
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.StreamAudio(gctx, segments)
	})
	g.Go(func() error {
		t, err := sess.AwaitFinal(gctx, p.finalTimeout(duration))
		final = t
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &stt.Result{
		Text:          final.Text,
		Utterances:    final.Utterances,
		Language:      req.Language,
		Provider:      "bigasr",
		Model:         p.model,
		AudioDuration: duration,
		Partials:      sess.Partials(),
	}, nil
}
