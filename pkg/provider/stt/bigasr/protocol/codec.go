package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ErrParse is returned by [Decode] when a frame cannot be decoded. Frames
// carrying [EventHandshakeOK] are exempt: an undecodable body is replaced with
// an empty payload instead.
var ErrParse = errors.New("protocol: payload parse error")

// ErrMalformed is the [ErrParse] variant for frames that are truncated or whose
// header is inconsistent.
var ErrMalformed = fmt.Errorf("%w: malformed frame", ErrParse)

// maxPayload bounds the declared payload length accepted by Decode.
const maxPayload = 64 << 20

// Encode serializes f into its wire form. When f.Compression is
// CompressionGzip the payload is compressed before the length is written.
func Encode(f Frame) ([]byte, error) {
	payload := f.Payload
	if f.Compression == CompressionGzip {
		var err error
		payload, err = Gzip(payload)
		if err != nil {
			return nil, err
		}
	}

	size := HeaderSize + 4 + len(payload)
	if f.Flags.HasSequence() {
		size += 4
	}
	if f.Flags.HasEvent() {
		size += 4
	}
	if f.Type == TypeServerError {
		size += 4
	}

	hdr := EncodeHeader(f.Header)
	buf := make([]byte, 0, size)
	buf = append(buf, hdr[:]...)
	if f.Flags.HasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Sequence))
	}
	if f.Flags.HasEvent() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.Event))
	}
	if f.Type == TypeServerError {
		buf = binary.BigEndian.AppendUint32(buf, f.ErrorCode)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// EncodeClientFrame builds a client frame laid out as header, sequence,
// payload length, payload. The sequence flag is forced on so the sequence
// number is always present.
func EncodeClientFrame(h Header, seq int32, payload []byte) ([]byte, error) {
	h.Flags |= FlagSequence
	return Encode(Frame{Header: h, Sequence: seq, Payload: payload})
}

// Decode parses one frame. Gzip payloads are decompressed; JSON payloads are
// checked for well-formedness but returned as raw bytes.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformed, len(data))
	}
	if v := data[0] >> 4; v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}
	hdrLen := int(data[0]&0x0f) * 4
	if hdrLen < HeaderSize || len(data) < hdrLen {
		return nil, fmt.Errorf("%w: header size %d", ErrMalformed, hdrLen)
	}

	f := &Frame{
		Header: Header{
			Type:          MessageType(data[1] >> 4),
			Flags:         Flags(data[1] & 0x0f),
			Serialization: Serialization(data[2] >> 4),
			Compression:   Compression(data[2] & 0x0f),
		},
	}

	r := reader{buf: data[hdrLen:]}
	if f.Flags.HasSequence() {
		v, err := r.u32("sequence")
		if err != nil {
			return nil, err
		}
		f.Sequence = int32(v)
	}
	if f.Flags.HasEvent() {
		v, err := r.u32("event")
		if err != nil {
			return nil, err
		}
		f.Event = int32(v)
	}
	if f.Type == TypeServerError {
		v, err := r.u32("error code")
		if err != nil {
			return nil, err
		}
		f.ErrorCode = v
	}

	// Bare event frames may end right after the header fields.
	if r.remaining() == 0 {
		return f, nil
	}
	n, err := r.u32("payload size")
	if err != nil {
		if f.Event == EventHandshakeOK {
			return f, nil
		}
		return nil, err
	}
	if n > maxPayload || int(n) > r.remaining() {
		if f.Event == EventHandshakeOK {
			return f, nil
		}
		return nil, fmt.Errorf("%w: payload size %d exceeds remaining %d bytes", ErrMalformed, n, r.remaining())
	}
	payload := r.buf[:n]

	if len(payload) > 0 && f.Compression == CompressionGzip {
		payload, err = Gunzip(payload)
		if err != nil {
			if f.Event == EventHandshakeOK {
				return f, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
	}
	if len(payload) > 0 && f.Serialization == SerializationJSON && !json.Valid(payload) {
		if f.Event == EventHandshakeOK {
			return f, nil
		}
		return nil, fmt.Errorf("%w: invalid JSON in %s frame", ErrParse, f.Type)
	}
	f.Payload = payload
	return f, nil
}

// Gzip compresses p.
func Gzip(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, fmt.Errorf("protocol: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("protocol: gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses p.
func Gunzip(p []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxPayload))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return out, nil
}

type reader struct {
	buf []byte
}

func (r *reader) remaining() int { return len(r.buf) }

func (r *reader) u32(field string) (uint32, error) {
	if len(r.buf) < 4 {
		return 0, fmt.Errorf("%w: truncated %s", ErrMalformed, field)
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, nil
}
