// Package protocol implements the binary frame format spoken by the bigasr
// streaming recognition endpoint.
//
// Every frame starts with a 4-byte header:
//
//	byte 0: protocol version (high nibble) | header size in 4-byte words (low nibble)
//	byte 1: message type (high nibble)     | message-type-specific flags (low nibble)
//	byte 2: serialization (high nibble)    | compression (low nibble)
//	byte 3: reserved, always zero
//
// The header is followed by optional fields selected by the flags (sequence
// number, event code), an error code for server error frames, a 4-byte
// big-endian payload length and the payload itself.
//
// Encode and Decode are pure functions and safe for concurrent use.
package protocol

import (
	"fmt"
)

// Version is the only protocol version this package speaks.
const Version = 0x1

// HeaderWords is the size of the header in 4-byte words.
const HeaderWords = 0x1

// HeaderSize is the size of an encoded header in bytes.
const HeaderSize = HeaderWords * 4

// MessageType identifies the kind of frame.
type MessageType uint8

const (
	// TypeFullClientRequest carries the JSON session configuration.
	TypeFullClientRequest MessageType = 0x1
	// TypeAudioOnlyRequest carries one segment of raw audio.
	TypeAudioOnlyRequest MessageType = 0x2
	// TypeFullServerResponse carries a recognition result or session event.
	TypeFullServerResponse MessageType = 0x9
	// TypeServerError carries a numeric error code and a message.
	TypeServerError MessageType = 0xF
)

// String returns a short name for the message type.
func (t MessageType) String() string {
	switch t {
	case TypeFullClientRequest:
		return "full_client_request"
	case TypeAudioOnlyRequest:
		return "audio_only_request"
	case TypeFullServerResponse:
		return "full_server_response"
	case TypeServerError:
		return "server_error"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint8(t))
	}
}

// Flags is the message-type-specific flag nibble.
type Flags uint8

const (
	// FlagSequence marks that a 4-byte sequence number follows the header.
	FlagSequence Flags = 0x1
	// FlagLast marks the final frame of a stream.
	FlagLast Flags = 0x2
	// FlagEvent marks that a 4-byte event code follows the sequence (if any).
	FlagEvent Flags = 0x4
)

// Named flag combinations used by clients.
const (
	FlagsNone                 Flags = 0x0
	FlagsPositiveSequence     Flags = FlagSequence
	FlagsNegativeSequence     Flags = FlagLast
	FlagsNegativeWithSequence Flags = FlagSequence | FlagLast
)

// HasSequence reports whether a sequence number is present.
func (f Flags) HasSequence() bool { return f&FlagSequence != 0 }

// IsLast reports whether the frame terminates the stream.
func (f Flags) IsLast() bool { return f&FlagLast != 0 }

// HasEvent reports whether an event code is present.
func (f Flags) HasEvent() bool { return f&FlagEvent != 0 }

// Serialization is the payload serialization method.
type Serialization uint8

const (
	SerializationNone Serialization = 0x0
	SerializationJSON Serialization = 0x1
)

// Compression is the payload compression method.
type Compression uint8

const (
	CompressionNone Compression = 0x0
	CompressionGzip Compression = 0x1
)

// Well-known server event codes.
const (
	// EventHandshakeOK is sent once after the connection is accepted.
	EventHandshakeOK int32 = 150
	// EventConnectionFailed reports that the server gave up on the session.
	EventConnectionFailed int32 = 153
)

// Header is the decoded form of the fixed 4-byte frame header.
type Header struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
}

// EncodeHeader packs h into its 4-byte wire form. Version and header size are
// always [Version] and [HeaderWords].
func EncodeHeader(h Header) [HeaderSize]byte {
	return [HeaderSize]byte{
		Version<<4 | HeaderWords,
		byte(h.Type&0x0f)<<4 | byte(h.Flags&0x0f),
		byte(h.Serialization&0x0f)<<4 | byte(h.Compression&0x0f),
		0x00,
	}
}

// Frame is one protocol message. Payload always holds the uncompressed bytes;
// compression is applied by [Encode] and removed by [Decode].
type Frame struct {
	Header

	// Sequence is present on the wire when Flags.HasSequence is set.
	Sequence int32

	// Event is present on the wire when Flags.HasEvent is set.
	Event int32

	// ErrorCode is present on the wire for TypeServerError frames only.
	ErrorCode uint32

	Payload []byte
}
