// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// The recording is streamed as raw linear16 frames, followed by a CloseStream
// message. Deepgram answers with interim and final Results messages and closes
// the socket once every final has been flushed; the transcript is the
// concatenation of the final segments.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	// DefaultEndpoint is Deepgram's live transcription endpoint.
	DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

	// DefaultModel is the recognition model requested when none is configured.
	DefaultModel = "nova-3"

	// DefaultKeywordBoost is the intensifier attached to every vocabulary term.
	DefaultKeywordBoost = 2.0

	chunkDuration = 100 * time.Millisecond
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithEndpoint overrides [DefaultEndpoint].
func WithEndpoint(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithKeywordBoost overrides [DefaultKeywordBoost].
func WithKeywordBoost(boost float64) Option {
	return func(p *Provider) { p.boost = boost }
}

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	boost      float64
	httpClient *http.Client
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: DefaultEndpoint,
		model:    DefaultModel,
		boost:    DefaultKeywordBoost,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams req.Audio over a new connection and returns the joined
// final segments. Interim results go to req.OnPartial prefixed with the
// segments already finalised.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	format := audio.Format{SampleRate: req.SampleRate, Channels: 1}
	if format.SampleRate == 0 {
		format.SampleRate = audio.STTFormat.SampleRate
	}
	if len(req.Audio)%audio.BytesPerSample != 0 {
		return nil, fmt.Errorf("deepgram: %w", audio.ErrOddLength)
	}
	seg, err := audio.NewSegmenter(format, chunkDuration)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}

	wsURL, err := p.buildURL(req, format)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, classifyDial(ctx, resp, err)
	}
	defer conn.CloseNow()

	sess := &session{onPartial: req.OnPartial}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, s := range seg.Split(req.Audio) {
			if len(s.Data) == 0 {
				continue
			}
			if err := conn.Write(gctx, websocket.MessageBinary, s.Data); err != nil {
				return classify(gctx, "send audio", err)
			}
		}
		if err := conn.Write(gctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
			return classify(gctx, "close stream", err)
		}
		return nil
	})
	g.Go(func() error {
		return sess.readLoop(gctx, conn)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	conn.Close(websocket.StatusNormalClosure, "")

	text, utterances, partials := sess.result()
	return &stt.Result{
		Text:          text,
		Utterances:    utterances,
		Language:      req.Language,
		Provider:      "deepgram",
		Model:         p.model,
		AudioDuration: format.Duration(len(req.Audio)),
		Partials:      partials,
	}, nil
}

// buildURL constructs the streaming endpoint URL for one request.
func (p *Provider) buildURL(req stt.Request, format audio.Format) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	if lang := strings.TrimSpace(req.Language); lang == "" || strings.EqualFold(lang, "auto") {
		q.Set("detect_language", "true")
	} else {
		q.Set("language", lang)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")

	for _, term := range req.Terms {
		if term = strings.TrimSpace(term); term == "" {
			continue
		}
		// Deepgram keyword format: word:boost (e.g., "Kubernetes:2")
		q.Add("keywords", fmt.Sprintf("%s:%g", term, p.boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// response is the JSON structure returned by Deepgram for a Results event.
type response struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session accumulates the results of one connection.
type session struct {
	onPartial func(stt.Transcript)

	mu       sync.Mutex
	finals   []stt.Utterance
	partials int
}

// readLoop consumes messages until Deepgram closes the socket after the
// CloseStream flush.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return classify(ctx, "read", err)
		}
		u, final, ok := parseResponse(msg)
		if !ok {
			continue
		}
		s.handle(u, final)
	}
}

func (s *session) handle(u stt.Utterance, final bool) {
	s.mu.Lock()
	if final {
		if u.Text != "" {
			s.finals = append(s.finals, u)
		}
		s.mu.Unlock()
		return
	}
	if u.Text == "" {
		s.mu.Unlock()
		return
	}
	s.partials++
	text := joinText(s.finals, u.Text)
	s.mu.Unlock()

	if s.onPartial != nil {
		s.onPartial(stt.Transcript{Text: text})
	}
}

func (s *session) result() (string, []stt.Utterance, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return joinText(s.finals, ""), append([]stt.Utterance(nil), s.finals...), s.partials
}

func joinText(finals []stt.Utterance, tail string) string {
	parts := make([]string, 0, len(finals)+1)
	for _, u := range finals {
		parts = append(parts, u.Text)
	}
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, " ")
}

// parseResponse parses a raw Deepgram message into an utterance. It returns
// ok=false for messages other than Results.
func parseResponse(data []byte) (u stt.Utterance, final, ok bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Utterance{}, false, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Utterance{}, false, false
	}

	start := seconds(resp.Start)
	return stt.Utterance{
		Text:     strings.TrimSpace(resp.Channel.Alternatives[0].Transcript),
		Definite: resp.IsFinal,
		Start:    start,
		End:      start + seconds(resp.Duration),
	}, resp.IsFinal, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// classifyDial marks upgrade failures transient unless the server rejected the
// request outright (bad key, bad parameters).
func classifyDial(ctx context.Context, resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("deepgram: dial: status %d: %w", resp.StatusCode, err)
	}
	return classify(ctx, "dial", err)
}

func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("deepgram: %s: %w", op, context.Cause(ctx))
	}
	return fmt.Errorf("deepgram: %s: %w: %w", op, stt.ErrTransient, err)
}
