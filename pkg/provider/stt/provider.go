// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider takes one complete recording and returns its transcript. Streaming
// backends (bigasr) deliver interim results through Request.OnPartial while the
// audio is still being uploaded; file backends (groq) only ever report the
// final text.
//
// Implementations must be safe for concurrent use: independent Transcribe
// calls never share connection state.
package stt

import (
	"context"
	"errors"
)

// ErrTransient marks failures that a fresh attempt may fix: dropped
// connections, handshake or result timeouts, rate limits and 5xx responses.
// Providers wrap it so callers can decide to retry with errors.Is.
var ErrTransient = errors.New("stt: transient failure")

// Request describes one recording to transcribe.
type Request struct {
	// Audio is raw little-endian 16-bit mono PCM.
	Audio []byte

	// SampleRate is the sample rate of Audio in Hz. Zero means 16000.
	SampleRate int

	// Language is a BCP-47 tag or "auto" / "" for detection.
	Language string

	// Prompt is free-form context passed to providers that accept one.
	Prompt string

	// Terms are domain vocabulary hints (product names, jargon).
	Terms []string

	// OnPartial, if set, is invoked for every interim transcript in arrival
	// order. It runs on the provider's receive goroutine and must not block.
	OnPartial func(Transcript)
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe uploads req.Audio and blocks until the final transcript is
	// available, ctx is done, or the backend fails. No partial transcript is
	// returned alongside an error.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}

// IsTransient reports whether err is marked with [ErrTransient].
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
