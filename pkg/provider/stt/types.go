package stt

import "time"

// Transcript is an interim or final recognition result.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is the authoritative result.
	IsFinal bool

	// Utterances holds sentence-level detail when the backend reports it.
	Utterances []Utterance
}

// Utterance is one sentence-level segment of a transcript.
type Utterance struct {
	Text string

	// Definite is true once the backend will no longer revise this utterance.
	Definite bool

	Start time.Duration
	End   time.Duration
}

// Result is the outcome of a successful Transcribe call.
type Result struct {
	Text       string
	Utterances []Utterance

	// Language is the requested or detected language, if known.
	Language string

	// Provider and Model identify the backend that produced the result.
	Provider string
	Model    string

	// AudioDuration is the length of the transcribed audio.
	AudioDuration time.Duration

	// Partials counts interim results received before the final one.
	Partials int
}
