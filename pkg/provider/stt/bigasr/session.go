package bigasr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/bigasr/protocol"
)

// maxMessageSize bounds a single inbound WebSocket message.
const maxMessageSize = 16 << 20

// errSessionClosed is the outcome of a session closed before a final result.
var errSessionClosed = errors.New("bigasr: session closed")

// State is the lifecycle state of a [Session]. States only move forward;
// StateFailed is reachable from every non-terminal state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHandshake
	StateReady
	StateStreaming
	StateAwaitingFinal
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateAwaitingFinal:
		return "awaiting_final"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) terminal() bool { return s == StateClosed || s == StateFailed }

// FinalTimeout returns how long to wait for the final result of a recording
// of length d: a 60s base, twice the audio duration, and a 30s buffer.
func FinalTimeout(d time.Duration) time.Duration {
	return 60*time.Second + 2*d + 30*time.Second
}

// SessionConfig holds everything a [Session] needs to reach the server.
type SessionConfig struct {
	Endpoint    string
	ResourceID  string
	AppID       string
	AccessToken string

	// ConnectTimeout bounds the dial and the wait for the handshake event.
	ConnectTimeout time.Duration

	// Pacing is the minimum spacing between audio frames. Zero disables
	// pacing.
	Pacing time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger

	// OnPartial receives every interim transcript. It runs on the receive
	// goroutine and must not block.
	OnPartial func(stt.Transcript)
}

// RequestOptions is the recognition configuration sent once per session.
type RequestOptions struct {
	UID        string
	SampleRate int
	Bits       int
	Channels   int
	Model      string

	// Language is omitted from the request when empty or "auto".
	Language string

	EnableITN  bool
	EnablePunc bool
	EnableDDC  bool
}

type configPayload struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	Audio struct {
		Format  string `json:"format"`
		Codec   string `json:"codec"`
		Rate    int    `json:"rate"`
		Bits    int    `json:"bits"`
		Channel int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName       string `json:"model_name"`
		EnableITN       bool   `json:"enable_itn"`
		EnablePunc      bool   `json:"enable_punc"`
		EnableDDC       bool   `json:"enable_ddc"`
		ShowUtterances  bool   `json:"show_utterances"`
		EnableNonstream bool   `json:"enable_nonstream"`
		Language        string `json:"language,omitempty"`
	} `json:"request"`
}

func (o RequestOptions) payload() configPayload {
	var p configPayload
	p.User.UID = o.UID
	p.Audio.Format = "pcm"
	p.Audio.Codec = "raw"
	p.Audio.Rate = cmpOr(o.SampleRate, audio.STTFormat.SampleRate)
	p.Audio.Bits = cmpOr(o.Bits, audio.BytesPerSample*8)
	p.Audio.Channel = cmpOr(o.Channels, 1)
	p.Request.ModelName = o.Model
	if p.Request.ModelName == "" {
		p.Request.ModelName = DefaultModel
	}
	p.Request.EnableITN = o.EnableITN
	p.Request.EnablePunc = o.EnablePunc
	p.Request.EnableDDC = o.EnableDDC
	p.Request.ShowUtterances = true
	if o.Language != "auto" {
		p.Request.Language = o.Language
	}
	return p
}

func cmpOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Session is one connection to the recognition service, used for exactly one
// recording. The expected call order is Connect, SendConfig, then StreamAudio
// and AwaitFinal (which may run concurrently), then Close.
//
// All methods are safe for concurrent use, but a Session is meant to be owned
// by a single caller.
type Session struct {
	cfg       SessionConfig
	log       *slog.Logger
	agg       *Aggregator
	requestID string

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	result      stt.Transcript
	err         error
	readStarted bool
	cancelRead  context.CancelFunc

	// writeMu serializes frame writes and guards the sequence counter.
	writeMu    sync.Mutex
	seq        int32
	configSent bool
	eosSent    bool

	handshake     chan struct{}
	handshakeOnce sync.Once
	finished      chan struct{}
	finishOnce    sync.Once
	readDone      chan struct{}

	awaiting  atomic.Bool
	closeOnce sync.Once
}

// NewSession returns a disconnected session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = DefaultResourceID
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		cfg:       cfg,
		log:       log.With("request_id", id),
		agg:       NewAggregator(cfg.OnPartial),
		requestID: id,
		seq:       1,
		handshake: make(chan struct{}),
		finished:  make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// RequestID returns the id sent in the X-Api-Request-Id header.
func (s *Session) RequestID() string { return s.requestID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Partials returns the number of interim results received so far.
func (s *Session) Partials() int { return s.agg.Partials() }

// Connect dials the server and waits for the handshake event. The dial and
// the handshake share one ConnectTimeout budget.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transition("connect", StateConnecting, StateDisconnected); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("X-Api-App-Key", s.cfg.AppID)
	h.Set("X-Api-Access-Key", s.cfg.AccessToken)
	h.Set("X-Api-Resource-Id", s.cfg.ResourceID)
	h.Set("X-Api-Request-Id", s.requestID)

	s.log.Info("bigasr: connecting", "endpoint", s.cfg.Endpoint)
	conn, _, err := websocket.Dial(cctx, s.cfg.Endpoint, &websocket.DialOptions{
		HTTPHeader: h,
		HTTPClient: s.cfg.HTTPClient,
	})
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %w", ErrConnection, s.cfg.Endpoint, err)
		s.fail(err)
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	// A concurrent Close may already have run; it could not see conn.
	s.mu.Lock()
	if s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		_ = conn.CloseNow()
		return invalidState("connect", st)
	}
	s.conn = conn
	s.state = StateAwaitingHandshake
	readCtx, cancelRead := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelRead = cancelRead
	s.readStarted = true
	s.mu.Unlock()

	go s.readLoop(readCtx, conn)

	select {
	case <-s.handshake:
		if err := s.transition("connect", StateReady, StateAwaitingHandshake); err != nil {
			if oerr := s.outcomeErr(); oerr != nil {
				return oerr
			}
			return err
		}
		s.log.Debug("bigasr: session ready")
		return nil
	case <-s.finished:
		return s.outcomeErr()
	case <-cctx.Done():
		if ctx.Err() != nil {
			s.fail(fmt.Errorf("%w: %w", ErrConnection, ctx.Err()))
		} else {
			s.fail(fmt.Errorf("%w: no handshake within %s", ErrHandshakeTimeout, s.cfg.ConnectTimeout))
		}
		return s.outcomeErr()
	}
}

// SendConfig sends the recognition configuration. It is sent exactly once,
// after the handshake and before any audio. No acknowledgement is awaited.
func (s *Session) SendConfig(ctx context.Context, opts RequestOptions) error {
	if st := s.State(); st != StateReady {
		return invalidState("send config", st)
	}
	payload, err := json.Marshal(opts.payload())
	if err != nil {
		return fmt.Errorf("bigasr: encode config: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.configSent {
		return fmt.Errorf("%w: config already sent", ErrInvalidState)
	}
	seq := s.seq
	s.seq++
	s.configSent = true
	return s.writeLocked(ctx, protocol.Header{
		Type:          protocol.TypeFullClientRequest,
		Flags:         protocol.FlagsPositiveSequence,
		Serialization: protocol.SerializationJSON,
		Compression:   protocol.CompressionGzip,
	}, seq, payload)
}

// StreamAudio sends segments in order, one frame each, spaced by the
// configured pacing. The segment marked IsLast is sent with a negated
// sequence number and ends the stream. Results are received concurrently.
func (s *Session) StreamAudio(ctx context.Context, segments []audio.Segment) error {
	if len(segments) == 0 {
		return errors.New("bigasr: stream audio: no segments")
	}
	if err := s.transition("stream audio", StateStreaming, StateReady); err != nil {
		return err
	}

	pacer := audio.NewPacer(s.cfg.Pacing)
	for _, seg := range segments {
		select {
		case <-s.finished:
			// The server finalised or the session failed mid-upload.
			return s.outcomeErr()
		default:
		}
		if err := pacer.Wait(ctx); err != nil {
			return fmt.Errorf("bigasr: stream audio: %w", err)
		}
		if err := s.sendSegment(ctx, seg); err != nil {
			return err
		}
	}

	s.writeMu.Lock()
	eos := s.eosSent
	s.writeMu.Unlock()
	if !eos {
		if err := s.sendSegment(ctx, audio.Segment{Data: []byte{}, IsLast: true}); err != nil {
			return err
		}
	}

	s.log.Debug("bigasr: audio uploaded", "segments", len(segments))
	if err := s.transition("stream audio", StateAwaitingFinal, StateStreaming); err != nil {
		if oerr := s.outcomeErr(); oerr != nil {
			return oerr
		}
		return err
	}
	return nil
}

func (s *Session) sendSegment(ctx context.Context, seg audio.Segment) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.eosSent {
		select {
		case <-s.finished:
			// Closed or finalised while this segment was being paced.
			return s.outcomeErr()
		default:
			return fmt.Errorf("%w: audio after end of stream", ErrInvalidState)
		}
	}
	flags := protocol.FlagsPositiveSequence
	seq := s.seq
	if seg.IsLast {
		flags = protocol.FlagsNegativeWithSequence
		seq = -s.seq
		s.eosSent = true
	} else {
		s.seq++
	}
	return s.writeLocked(ctx, audioHeader(flags), seq, seg.Data)
}

func audioHeader(flags protocol.Flags) protocol.Header {
	return protocol.Header{
		Type:        protocol.TypeAudioOnlyRequest,
		Flags:       flags,
		Compression: protocol.CompressionGzip,
	}
}

// writeLocked encodes and sends one client frame. The caller holds writeMu.
func (s *Session) writeLocked(ctx context.Context, h protocol.Header, seq int32, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrInvalidState)
	}

	data, err := protocol.EncodeClientFrame(h, seq, payload)
	if err != nil {
		return fmt.Errorf("bigasr: encode frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		err = fmt.Errorf("%w: write %s seq %d: %w", ErrConnection, h.Type, seq, err)
		s.fail(err)
		return err
	}
	s.log.Debug("bigasr: frame sent", "type", h.Type, "seq", seq, "bytes", len(data))
	return nil
}

// AwaitFinal blocks until the final transcript arrives, the session fails,
// timeout elapses, or ctx is done. A timeout fails the session with
// ErrFinalResultTimeout. The session is closed on every outcome.
func (s *Session) AwaitFinal(ctx context.Context, timeout time.Duration) (stt.Transcript, error) {
	if !s.awaiting.CompareAndSwap(false, true) {
		return stt.Transcript{}, ErrAwaitInProgress
	}
	defer s.awaiting.Store(false)

	switch st := s.State(); st {
	case StateReady, StateStreaming, StateAwaitingFinal, StateFailed:
	default:
		return stt.Transcript{}, invalidState("await final", st)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.finished:
	case <-timer.C:
		s.fail(fmt.Errorf("%w after %s", ErrFinalResultTimeout, timeout))
	case <-ctx.Done():
		s.fail(fmt.Errorf("bigasr: await final: %w", ctx.Err()))
	}

	t, err := s.outcome()
	_ = s.Close()
	if err != nil {
		return stt.Transcript{}, err
	}
	return t, nil
}

// Close ends the session. If the connection is open and the end-of-stream
// frame has not been sent, it is sent first so the server can release the
// session. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		if !prev.terminal() {
			s.state = StateClosed
		}
		conn := s.conn
		started := s.readStarted
		cancelRead := s.cancelRead
		s.mu.Unlock()

		s.finish(stt.Transcript{}, errSessionClosed)
		if conn == nil {
			return
		}
		switch prev {
		case StateReady, StateStreaming, StateAwaitingFinal:
			s.sendEndOfStream()
		}
		if err := conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			_ = conn.CloseNow()
		}
		if cancelRead != nil {
			cancelRead()
		}
		if started {
			<-s.readDone
		}
		s.log.Debug("bigasr: session closed", "previous_state", prev)
	})
	return nil
}

func (s *Session) sendEndOfStream() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.eosSent {
		return
	}
	s.eosSent = true
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.writeLocked(ctx, audioHeader(protocol.FlagsNegativeWithSequence), -s.seq, nil); err != nil {
		s.log.Debug("bigasr: end-of-stream not delivered", "err", err)
	}
}

// readLoop decodes inbound frames until the connection ends.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.readDone)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if s.State().terminal() {
				return
			}
			select {
			case <-s.finished:
				return
			default:
			}
			s.fail(fmt.Errorf("%w: read: %w", ErrConnection, err))
			return
		}
		if typ != websocket.MessageBinary {
			s.log.Debug("bigasr: ignoring non-binary message", "type", typ)
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			s.fail(fmt.Errorf("bigasr: decode frame: %w", err))
			return
		}
		ev, ok, err := translate(f)
		if err != nil {
			s.fail(err)
			return
		}
		if ok {
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev Event) {
	switch ev.Kind {
	case EventHandshakeOK:
		s.log.Info("bigasr: handshake ok")
		s.handshakeOnce.Do(func() { close(s.handshake) })
	case EventConnectionFailed:
		msg := ev.Message
		if msg == "" {
			msg = "connection failed"
		}
		s.fail(&ServerError{Code: ev.Code, Message: msg})
	case EventServerError:
		s.fail(&ServerError{Code: ev.Code, Message: ev.Message})
	case EventPartial:
		s.log.Debug("bigasr: partial result", "chars", len(ev.Text), "audio_processed", ev.AudioDuration)
		s.agg.Partial(ev.Text, ev.Utterances)
	case EventFinal:
		t := s.agg.Final(ev.Text, ev.Utterances)
		s.log.Info("bigasr: final result",
			"chars", len(t.Text),
			"partials", s.agg.Partials(),
			"audio_processed", ev.AudioDuration,
		)
		s.finish(t, nil)
	}
}

// transition moves the session to `to` if it is currently in one of from.
func (s *Session) transition(op string, to State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(from, s.state) {
		return invalidState(op, s.state)
	}
	s.state = to
	return nil
}

// finish records the session outcome. Only the first call has any effect.
func (s *Session) finish(t stt.Transcript, err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.result, s.err = t, err
		if err != nil && !s.state.terminal() {
			s.state = StateFailed
		}
		s.mu.Unlock()
		close(s.finished)
	})
}

// fail records err as the outcome and tears down the connection.
func (s *Session) fail(err error) {
	s.finish(stt.Transcript{}, err)

	s.mu.Lock()
	conn := s.conn
	outcome := s.err
	s.mu.Unlock()
	if outcome == err {
		s.log.Warn("bigasr: session failed", "err", err)
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
}

func (s *Session) outcome() (stt.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

func (s *Session) outcomeErr() error {
	_, err := s.outcome()
	return err
}
