package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeHeader(t *testing.T) {
	t.Parallel()

	got := EncodeHeader(Header{
		Type:          TypeFullClientRequest,
		Flags:         FlagsPositiveSequence,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
	})
	want := [4]byte{0x11, 0x11, 0x11, 0x00}
	if got != want {
		t.Errorf("EncodeHeader = % x, want % x", got, want)
	}

	got = EncodeHeader(Header{Type: TypeAudioOnlyRequest, Flags: FlagsNegativeWithSequence})
	want = [4]byte{0x11, 0x23, 0x00, 0x00}
	if got != want {
		t.Errorf("EncodeHeader(audio, last) = % x, want % x", got, want)
	}
}

func TestEncodeClientFrame_Layout(t *testing.T) {
	t.Parallel()

	payload := []byte("raw-pcm")
	data, err := EncodeClientFrame(Header{Type: TypeAudioOnlyRequest}, 7, payload)
	if err != nil {
		t.Fatalf("EncodeClientFrame: %v", err)
	}
	if len(data) != 4+4+4+len(payload) {
		t.Fatalf("len = %d, want %d", len(data), 12+len(payload))
	}
	if seq := int32(binary.BigEndian.Uint32(data[4:8])); seq != 7 {
		t.Errorf("sequence = %d, want 7", seq)
	}
	if n := binary.BigEndian.Uint32(data[8:12]); n != uint32(len(payload)) {
		t.Errorf("payload size = %d, want %d", n, len(payload))
	}
	if !bytes.Equal(data[12:], payload) {
		t.Errorf("payload = %q, want %q", data[12:], payload)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  Header
		seq     int32
		payload []byte
	}{
		{
			name:    "config frame",
			header:  Header{Type: TypeFullClientRequest, Flags: FlagsPositiveSequence, Serialization: SerializationJSON, Compression: CompressionGzip},
			seq:     1,
			payload: []byte(`{"user":{"uid":"u"}}`),
		},
		{
			name:    "audio frame",
			header:  Header{Type: TypeAudioOnlyRequest, Flags: FlagsPositiveSequence, Compression: CompressionGzip},
			seq:     2,
			payload: bytes.Repeat([]byte{0x01, 0x80}, 3200),
		},
		{
			name:    "final negative sequence",
			header:  Header{Type: TypeAudioOnlyRequest, Flags: FlagsNegativeWithSequence, Compression: CompressionGzip},
			seq:     -16,
			payload: []byte{0x00, 0x01},
		},
		{
			name:    "uncompressed empty",
			header:  Header{Type: TypeAudioOnlyRequest, Flags: FlagsNegativeWithSequence},
			seq:     -3,
			payload: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := EncodeClientFrame(tt.header, tt.seq, tt.payload)
			if err != nil {
				t.Fatalf("EncodeClientFrame: %v", err)
			}
			f, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.Header != tt.header {
				t.Errorf("header mismatch (-want +got):\n%s", cmp.Diff(tt.header, f.Header))
			}
			if f.Sequence != tt.seq {
				t.Errorf("sequence = %d, want %d", f.Sequence, tt.seq)
			}
			if !bytes.Equal(f.Payload, tt.payload) {
				t.Errorf("payload = %q, want %q", f.Payload, tt.payload)
			}
		})
	}
}

func TestDecode_ServerResponse(t *testing.T) {
	t.Parallel()

	data, err := Encode(Frame{
		Header: Header{
			Type:          TypeFullServerResponse,
			Flags:         FlagSequence | FlagLast | FlagEvent,
			Serialization: SerializationJSON,
			Compression:   CompressionGzip,
		},
		Sequence: -5,
		Event:    451,
		Payload:  []byte(`{"result":{"text":"hello"}}`),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !f.Flags.IsLast() {
		t.Error("expected IsLast")
	}
	if f.Event != 451 || f.Sequence != -5 {
		t.Errorf("event/sequence = %d/%d, want 451/-5", f.Event, f.Sequence)
	}
	if string(f.Payload) != `{"result":{"text":"hello"}}` {
		t.Errorf("payload = %s", f.Payload)
	}
}

func TestDecode_ServerError(t *testing.T) {
	t.Parallel()

	data, err := Encode(Frame{
		Header:    Header{Type: TypeServerError, Serialization: SerializationJSON},
		ErrorCode: 45000001,
		Payload:   []byte(`{"error":"invalid request"}`),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Type != TypeServerError {
		t.Errorf("type = %s, want server_error", f.Type)
	}
	if f.ErrorCode != 45000001 {
		t.Errorf("error code = %d, want 45000001", f.ErrorCode)
	}
}

// corruptGzipFrame builds a full server response whose gzip payload is garbage.
func corruptGzipFrame(event int32) []byte {
	hdr := EncodeHeader(Header{
		Type:          TypeFullServerResponse,
		Flags:         FlagEvent,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
	})
	garbage := []byte("definitely not gzip")
	buf := append([]byte{}, hdr[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(event))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(garbage)))
	return append(buf, garbage...)
}

func TestDecode_HandshakeTolerance(t *testing.T) {
	t.Parallel()

	f, err := Decode(corruptGzipFrame(EventHandshakeOK))
	if err != nil {
		t.Fatalf("Decode(event 150, bad gzip) returned error: %v", err)
	}
	if f.Event != EventHandshakeOK {
		t.Errorf("event = %d, want %d", f.Event, EventHandshakeOK)
	}
	if len(f.Payload) != 0 {
		t.Errorf("payload = %q, want empty", f.Payload)
	}
}

// overrunFrame builds a full server response whose declared payload length
// exceeds the bytes that follow.
func overrunFrame(event int32, declared uint32, body []byte) []byte {
	hdr := EncodeHeader(Header{
		Type:          TypeFullServerResponse,
		Flags:         FlagEvent,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
	})
	buf := append([]byte{}, hdr[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(event))
	buf = binary.BigEndian.AppendUint32(buf, declared)
	return append(buf, body...)
}

func TestDecode_HandshakeToleratesBadLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"payload overrun", overrunFrame(EventHandshakeOK, 99, []byte{0x1f, 0x8b})},
		{"truncated payload size", overrunFrame(EventHandshakeOK, 0, nil)[:HeaderSize+6]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.Event != EventHandshakeOK || len(f.Payload) != 0 {
				t.Errorf("frame = event %d payload %q, want event 150 with empty payload", f.Event, f.Payload)
			}
		})
	}

	if _, err := Decode(overrunFrame(451, 99, []byte{0x1f, 0x8b})); !errors.Is(err, ErrMalformed) {
		t.Errorf("non-handshake overrun: err = %v, want ErrMalformed", err)
	}
}

func TestDecode_ParseFailureIsFatal(t *testing.T) {
	t.Parallel()

	if _, err := Decode(corruptGzipFrame(451)); !errors.Is(err, ErrParse) {
		t.Errorf("bad gzip: err = %v, want ErrParse", err)
	}

	data, err := Encode(Frame{
		Header:  Header{Type: TypeFullServerResponse, Serialization: SerializationJSON, Compression: CompressionGzip},
		Payload: []byte(`{"result":`),
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrParse) {
		t.Errorf("bad JSON: err = %v, want ErrParse", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x11, 0x90}},
		{"bad version", []byte{0x21, 0x90, 0x10, 0x00}},
		{"truncated sequence", []byte{0x11, 0x91, 0x10, 0x00, 0x00, 0x00}},
		{"payload overrun", []byte{0x11, 0x90, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
			if !errors.Is(err, ErrParse) {
				t.Errorf("err = %v, want it classified as ErrParse", err)
			}
		})
	}
}

func TestFlags(t *testing.T) {
	t.Parallel()

	if !FlagsNegativeWithSequence.HasSequence() || !FlagsNegativeWithSequence.IsLast() {
		t.Error("negative-with-sequence must carry sequence and last bits")
	}
	if FlagsPositiveSequence.IsLast() {
		t.Error("positive sequence must not be last")
	}
	if FlagsNone.HasEvent() {
		t.Error("none must not carry an event")
	}
}
