package bigasr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/bigasr/protocol"
)

// ---- fake server helpers ----

// startServer starts a WebSocket server that runs handler for every
// connection and returns its ws:// URL.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Logf("server write: %v (may be expected on close)", err)
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Errorf("encode server frame: %v", err)
		return
	}
	writeRaw(t, conn, data)
}

func sendEvent(t *testing.T, conn *websocket.Conn, event int32) {
	t.Helper()
	writeFrame(t, conn, protocol.Frame{
		Header: protocol.Header{
			Type:          protocol.TypeFullServerResponse,
			Flags:         protocol.FlagEvent,
			Serialization: protocol.SerializationJSON,
			Compression:   protocol.CompressionGzip,
		},
		Event:   event,
		Payload: []byte(`{}`),
	})
}

func sendResult(t *testing.T, conn *websocket.Conn, seq int32, text string, last bool) {
	t.Helper()
	flags := protocol.FlagSequence
	if last {
		flags |= protocol.FlagLast
		seq = -seq
	}
	payload, _ := json.Marshal(map[string]any{
		"audio_info": map[string]any{"duration": 1000},
		"result": map[string]any{
			"text": text,
			"utterances": []map[string]any{
				{"text": text, "definite": last, "start_time": 0, "end_time": 1000},
			},
		},
	})
	writeFrame(t, conn, protocol.Frame{
		Header: protocol.Header{
			Type:          protocol.TypeFullServerResponse,
			Flags:         flags,
			Serialization: protocol.SerializationJSON,
			Compression:   protocol.CompressionGzip,
		},
		Sequence: seq,
		Payload:  payload,
	})
}

func sendServerError(t *testing.T, conn *websocket.Conn, code uint32, msg string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"error": msg})
	writeFrame(t, conn, protocol.Frame{
		Header:    protocol.Header{Type: protocol.TypeServerError, Serialization: protocol.SerializationJSON},
		ErrorCode: code,
		Payload:   payload,
	})
}

// corruptFrame builds a gzip JSON response with an undecodable payload.
func corruptFrame(event int32) []byte {
	hdr := protocol.EncodeHeader(protocol.Header{
		Type:          protocol.TypeFullServerResponse,
		Flags:         protocol.FlagEvent,
		Serialization: protocol.SerializationJSON,
		Compression:   protocol.CompressionGzip,
	})
	garbage := []byte{0xde, 0xad, 0xbe, 0xef}
	buf := append([]byte{}, hdr[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(event))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(garbage)))
	return append(buf, garbage...)
}

// truncatedFrame builds a gzip JSON response that declares declared payload
// bytes but carries only sent of them.
func truncatedFrame(event int32, declared, sent int) []byte {
	buf := corruptFrame(event)[:protocol.HeaderSize+4]
	buf = binary.BigEndian.AppendUint32(buf, uint32(declared))
	return append(buf, make([]byte, sent)...)
}

// readFrame reads and decodes one client frame; it returns nil once the
// connection is gone.
func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Errorf("server decode: %v", err)
		return nil
	}
	return f
}

// drain reads until the client goes away so close handshakes complete.
func drain(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// recorder collects what the fake server observed.
type recorder struct {
	mu      sync.Mutex
	headers http.Header
	frames  []*protocol.Frame
}

func (r *recorder) add(f *protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) setHeaders(h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = h.Clone()
}

func (r *recorder) snapshot() (http.Header, []*protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers, append([]*protocol.Frame(nil), r.frames...)
}

// asrServer behaves like the real service: handshake, read config, send
// partials while audio arrives, and answer the last segment with finalText.
func asrServer(t *testing.T, rec *recorder, partials []string, finalText string) string {
	return startServer(t, func(conn *websocket.Conn, r *http.Request) {
		rec.setHeaders(r.Header)
		sendEvent(t, conn, protocol.EventHandshakeOK)

		n := 0
		for {
			f := readFrame(t, conn)
			if f == nil {
				return
			}
			rec.add(f)
			if f.Type != protocol.TypeAudioOnlyRequest {
				continue
			}
			if n < len(partials) {
				sendResult(t, conn, f.Sequence, partials[n], false)
				n++
			}
			if f.Flags.IsLast() {
				sendResult(t, conn, -f.Sequence, finalText, true)
				break
			}
		}
		drain(conn)
	})
}

func newTestProvider(t *testing.T, url string, opts ...Option) *Provider {
	t.Helper()
	opts = append([]Option{WithEndpoint(url), WithPacing(time.Millisecond)}, opts...)
	p, err := New("app-id", "access-token", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func connectedSession(t *testing.T, url string, cfg SessionConfig) *Session {
	t.Helper()
	cfg.Endpoint = url
	cfg.AppID, cfg.AccessToken = "app-id", "access-token"
	s := NewSession(cfg)
	t.Cleanup(func() { s.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

// ---- end to end ----

func TestTranscribe_EndToEnd(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := asrServer(t, rec, []string{"hel", "hello wor"}, "hello world")
	p := newTestProvider(t, url)

	var (
		mu       sync.Mutex
		partials []string
	)
	res, err := p.Transcribe(context.Background(), stt.Request{
		Audio:      make([]byte, 32000), // 1s, five 200ms segments
		SampleRate: 16000,
		Language:   "en-US",
		OnPartial: func(tr stt.Transcript) {
			mu.Lock()
			partials = append(partials, tr.Text)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if res.Provider != "bigasr" || res.Model != DefaultModel {
		t.Errorf("Provider/Model = %q/%q", res.Provider, res.Model)
	}
	if res.AudioDuration != time.Second {
		t.Errorf("AudioDuration = %v, want 1s", res.AudioDuration)
	}
	if len(res.Utterances) != 1 || !res.Utterances[0].Definite {
		t.Errorf("Utterances = %+v, want one definite utterance", res.Utterances)
	}

	mu.Lock()
	gotPartials := append([]string(nil), partials...)
	mu.Unlock()
	if strings.Join(gotPartials, "|") != "hel|hello wor" {
		t.Errorf("partials = %q, want [hel hello wor]", gotPartials)
	}
	if res.Partials != 2 {
		t.Errorf("Partials = %d, want 2", res.Partials)
	}

	headers, frames := rec.snapshot()
	assertEqual(t, "X-Api-App-Key", "app-id", headers.Get("X-Api-App-Key"))
	assertEqual(t, "X-Api-Access-Key", "access-token", headers.Get("X-Api-Access-Key"))
	assertEqual(t, "X-Api-Resource-Id", DefaultResourceID, headers.Get("X-Api-Resource-Id"))
	if _, err := uuid.Parse(headers.Get("X-Api-Request-Id")); err != nil {
		t.Errorf("X-Api-Request-Id %q is not a UUID: %v", headers.Get("X-Api-Request-Id"), err)
	}

	wantSeq := []int32{1, 2, 3, 4, 5, -6}
	if len(frames) != len(wantSeq) {
		t.Fatalf("server saw %d frames, want %d", len(frames), len(wantSeq))
	}
	for i, f := range frames {
		if f.Sequence != wantSeq[i] {
			t.Errorf("frame %d: seq = %d, want %d", i, f.Sequence, wantSeq[i])
		}
	}

	cfg := frames[0]
	if cfg.Type != protocol.TypeFullClientRequest || cfg.Serialization != protocol.SerializationJSON || cfg.Compression != protocol.CompressionGzip {
		t.Errorf("config header = %+v", cfg.Header)
	}
	var payload configPayload
	if err := json.Unmarshal(cfg.Payload, &payload); err != nil {
		t.Fatalf("config payload: %v", err)
	}
	assertEqual(t, "audio.format", "pcm", payload.Audio.Format)
	assertEqual(t, "audio.codec", "raw", payload.Audio.Codec)
	assertEqual(t, "request.model_name", "bigmodel", payload.Request.ModelName)
	assertEqual(t, "request.language", "en-US", payload.Request.Language)
	if payload.Audio.Rate != 16000 || payload.Audio.Bits != 16 || payload.Audio.Channel != 1 {
		t.Errorf("audio = %+v, want 16000/16/1", payload.Audio)
	}
	if !payload.Request.EnableDDC || !payload.Request.ShowUtterances {
		t.Errorf("request = %+v, want enable_ddc and show_utterances", payload.Request)
	}

	for i, f := range frames[1:] {
		last := i == len(frames)-2
		if f.Flags.IsLast() != last {
			t.Errorf("audio frame %d: IsLast = %v, want %v", i, f.Flags.IsLast(), last)
		}
		if len(f.Payload) != 6400 {
			t.Errorf("audio frame %d: %d bytes, want 6400", i, len(f.Payload))
		}
	}
	last := frames[len(frames)-1]
	if last.Flags != protocol.FlagsNegativeWithSequence {
		t.Errorf("last frame flags = %#x, want %#x", last.Flags, protocol.FlagsNegativeWithSequence)
	}
}

func TestTranscribe_Pacing(t *testing.T) {
	t.Parallel()

	url := asrServer(t, &recorder{}, nil, "ok")
	p := newTestProvider(t, url, WithPacing(20*time.Millisecond))

	start := time.Now()
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: make([]byte, 32000)}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	// Five segments: the first goes out immediately, four waits follow.
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("upload took %v, want at least ~80ms of pacing", elapsed)
	}
}

func TestTranscribe_EmptyFinalUsesLatestPartial(t *testing.T) {
	t.Parallel()

	url := asrServer(t, &recorder{}, []string{"draft", "draft text"}, "")
	p := newTestProvider(t, url)

	res, err := p.Transcribe(context.Background(), stt.Request{Audio: make([]byte, 19200)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "draft text" {
		t.Errorf("Text = %q, want %q", res.Text, "draft text")
	}
}

func TestTranscribe_LanguageAutoOmitted(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := asrServer(t, rec, nil, "ok")
	p := newTestProvider(t, url)

	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: make([]byte, 6400), Language: "auto"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	_, frames := rec.snapshot()
	if len(frames) == 0 {
		t.Fatal("no frames recorded")
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(frames[0].Payload, &raw); err != nil {
		t.Fatalf("config payload: %v", err)
	}
	if _, ok := raw["request"]["language"]; ok {
		t.Errorf("language must be omitted for auto, got %v", raw["request"]["language"])
	}
}

func TestTranscribe_OddAudio(t *testing.T) {
	t.Parallel()

	p, _ := New("a", "b")
	if _, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2, 3}}); !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("err = %v, want ErrOddLength", err)
	}
}

// ---- handshake ----

func TestConnect_HandshakeTimeout(t *testing.T) {
	t.Parallel()

	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) { drain(conn) })
	s := NewSession(SessionConfig{Endpoint: url, AppID: "a", AccessToken: "b", ConnectTimeout: 100 * time.Millisecond})
	defer s.Close()

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if !errors.Is(err, ErrConnection) || !stt.IsTransient(err) {
		t.Errorf("handshake timeout must also be a transient connection error: %v", err)
	}
	if st := s.State(); st != StateFailed {
		t.Errorf("state = %s, want failed", st)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Endpoint: "ws://127.0.0.1:1/nope", ConnectTimeout: time.Second})
	err := s.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}

func TestConnect_ConnectionFailedEvent(t *testing.T) {
	t.Parallel()

	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendEvent(t, conn, protocol.EventConnectionFailed)
		drain(conn)
	})
	s := NewSession(SessionConfig{Endpoint: url, AppID: "a", AccessToken: "b"})
	defer s.Close()

	err := s.Connect(context.Background())
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Code != 153 {
		t.Errorf("Code = %d, want 153", se.Code)
	}
	if stt.IsTransient(err) {
		t.Error("connection-failed event must not be transient")
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}

func TestConnect_HandshakeTolerance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame []byte
	}{
		{"undecodable payload", corruptFrame(protocol.EventHandshakeOK)},
		{"payload size overrun", truncatedFrame(protocol.EventHandshakeOK, 99, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
				writeRaw(t, conn, tt.frame)
				drain(conn)
			})
			s := connectedSession(t, url, SessionConfig{})
			if st := s.State(); st != StateReady {
				t.Errorf("state = %s, want ready", st)
			}
		})
	}
}

// ---- failures after the handshake ----

func TestAwaitFinal_ParseErrorIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame []byte
	}{
		{"undecodable payload", corruptFrame(0)},
		{"truncated payload", truncatedFrame(0, 100, 10)},
		{"truncated header fields", corruptFrame(0)[:protocol.HeaderSize+2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
				sendEvent(t, conn, protocol.EventHandshakeOK)
				readFrame(t, conn)
				writeRaw(t, conn, tt.frame)
				drain(conn)
			})
			s := connectedSession(t, url, SessionConfig{})
			if err := s.SendConfig(context.Background(), RequestOptions{}); err != nil {
				t.Fatalf("SendConfig: %v", err)
			}

			_, err := s.AwaitFinal(context.Background(), 5*time.Second)
			if !errors.Is(err, ErrProtocolParse) {
				t.Fatalf("err = %v, want ErrProtocolParse", err)
			}
			if stt.IsTransient(err) {
				t.Error("parse failure must not be transient")
			}
			if s.State() != StateFailed {
				t.Errorf("state = %s, want failed", s.State())
			}
		})
	}
}

func TestAwaitFinal_ServerError(t *testing.T) {
	t.Parallel()

	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendEvent(t, conn, protocol.EventHandshakeOK)
		readFrame(t, conn)
		sendServerError(t, conn, 45000001, "invalid audio")
		drain(conn)
	})
	s := connectedSession(t, url, SessionConfig{})
	if err := s.SendConfig(context.Background(), RequestOptions{}); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}

	_, err := s.AwaitFinal(context.Background(), 5*time.Second)
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServerError", err)
	}
	if se.Code != 45000001 || se.Message != "invalid audio" {
		t.Errorf("ServerError = %+v", se)
	}
}

func TestAwaitFinal_Timeout(t *testing.T) {
	t.Parallel()

	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendEvent(t, conn, protocol.EventHandshakeOK)
		drain(conn)
	})
	s := connectedSession(t, url, SessionConfig{})

	_, err := s.AwaitFinal(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrFinalResultTimeout) {
		t.Fatalf("err = %v, want ErrFinalResultTimeout", err)
	}
	if !stt.IsTransient(err) {
		t.Error("final timeout should be transient")
	}
	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
	select {
	case <-s.readDone:
	default:
		t.Error("session not closed after a failed await: read loop still running")
	}
}

func TestAwaitFinal_LogsServerAudioDuration(t *testing.T) {
	t.Parallel()

	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendEvent(t, conn, protocol.EventHandshakeOK)
		readFrame(t, conn)
		sendResult(t, conn, 2, "ni hao", true)
		drain(conn)
	})
	var logs bytes.Buffer
	s := connectedSession(t, url, SessionConfig{
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	if err := s.SendConfig(context.Background(), RequestOptions{}); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}

	tr, err := s.AwaitFinal(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitFinal: %v", err)
	}
	if tr.Text != "ni hao" {
		t.Errorf("text = %q, want ni hao", tr.Text)
	}
	if !strings.Contains(logs.String(), "audio_processed=1s") {
		t.Errorf("final result log lacks the server audio duration:\n%s", logs.String())
	}
}

func TestAwaitFinal_OnlyOneWaiter(t *testing.T) {
	t.Parallel()

	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendEvent(t, conn, protocol.EventHandshakeOK)
		drain(conn)
	})
	s := connectedSession(t, url, SessionConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := s.AwaitFinal(context.Background(), 5*time.Second)
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !s.awaiting.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first AwaitFinal never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.AwaitFinal(context.Background(), time.Second); !errors.Is(err, ErrAwaitInProgress) {
		t.Errorf("second AwaitFinal err = %v, want ErrAwaitInProgress", err)
	}

	s.Close()
	if err := <-done; err == nil {
		t.Error("first AwaitFinal should fail once the session is closed")
	}
}

// ---- lifecycle ----

func TestSession_InvalidTransitions(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{})
	ctx := context.Background()

	if err := s.SendConfig(ctx, RequestOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SendConfig before Connect: err = %v, want ErrInvalidState", err)
	}
	if err := s.StreamAudio(ctx, []audio.Segment{{IsLast: true}}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("StreamAudio before Connect: err = %v, want ErrInvalidState", err)
	}
	if _, err := s.AwaitFinal(ctx, time.Second); !errors.Is(err, ErrInvalidState) {
		t.Errorf("AwaitFinal before Connect: err = %v, want ErrInvalidState", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if err := s.Connect(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Connect after Close: err = %v, want ErrInvalidState", err)
	}
}

func TestSession_ConfigSentOnce(t *testing.T) {
	t.Parallel()

	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendEvent(t, conn, protocol.EventHandshakeOK)
		drain(conn)
	})
	s := connectedSession(t, url, SessionConfig{})
	ctx := context.Background()
	if err := s.SendConfig(ctx, RequestOptions{}); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}
	if err := s.SendConfig(ctx, RequestOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second SendConfig: err = %v, want ErrInvalidState", err)
	}
}

func TestClose_SendsEndOfStream(t *testing.T) {
	t.Parallel()

	got := make(chan *protocol.Frame, 1)
	url := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendEvent(t, conn, protocol.EventHandshakeOK)
		readFrame(t, conn) // config
		got <- readFrame(t, conn)
		drain(conn)
	})
	s := connectedSession(t, url, SessionConfig{})
	if err := s.SendConfig(context.Background(), RequestOptions{}); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}
	s.Close()

	select {
	case f := <-got:
		if f == nil {
			t.Fatal("server did not receive an end-of-stream frame")
		}
		if f.Type != protocol.TypeAudioOnlyRequest || f.Flags != protocol.FlagsNegativeWithSequence {
			t.Errorf("end-of-stream header = %+v", f.Header)
		}
		if f.Sequence != -2 {
			t.Errorf("end-of-stream seq = %d, want -2", f.Sequence)
		}
		if len(f.Payload) != 0 {
			t.Errorf("end-of-stream payload = %d bytes, want 0", len(f.Payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for end-of-stream")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

func TestStreamAudio_LastSegmentSequence(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	url := asrServer(t, rec, nil, "done")
	s := connectedSession(t, url, SessionConfig{})
	ctx := context.Background()
	if err := s.SendConfig(ctx, RequestOptions{}); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}

	seg, _ := audio.NewSegmenter(audio.STTFormat, 200*time.Millisecond)
	segments := seg.Split(make([]byte, 6400*3))
	if err := s.StreamAudio(ctx, segments); err != nil {
		t.Fatalf("StreamAudio: %v", err)
	}
	tr, err := s.AwaitFinal(ctx, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitFinal: %v", err)
	}
	if tr.Text != "done" || !tr.IsFinal {
		t.Errorf("transcript = %+v", tr)
	}
	if s.State() != StateClosed {
		t.Errorf("state after final = %s, want closed", s.State())
	}

	_, frames := rec.snapshot()
	// config=1, audio 2,3, last -4 (counter not incremented on the last)
	want := []int32{1, 2, 3, -4}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i := range want {
		if frames[i].Sequence != want[i] {
			t.Errorf("frame %d seq = %d, want %d", i, frames[i].Sequence, want[i])
		}
	}
}

func TestFinalTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		audio time.Duration
		want  time.Duration
	}{
		{0, 90 * time.Second},
		{100 * time.Second, 290 * time.Second},
		{3 * time.Second, 96 * time.Second},
	}
	for _, tt := range tests {
		if got := FinalTimeout(tt.audio); got != tt.want {
			t.Errorf("FinalTimeout(%v) = %v, want %v", tt.audio, got, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "token"); err == nil {
		t.Error("expected error for empty app id")
	}
	if _, err := New("app", ""); err == nil {
		t.Error("expected error for empty token")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
