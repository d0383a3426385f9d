// Package audio holds the PCM plumbing shared by the transcription pipeline:
// WAV decoding, format normalisation, fixed-duration segmentation and
// real-time pacing of outbound segments.
//
// All PCM in this package is little-endian signed 16-bit, interleaved when
// there is more than one channel.
package audio

import (
	"fmt"
	"time"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of a PCM buffer.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a short description such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// STTFormat is the format expected by the recognition backends: 16 kHz mono.
var STTFormat = Format{SampleRate: 16000, Channels: 1}

// PCM is a buffer of raw 16-bit samples together with its format.
type PCM struct {
	Data   []byte
	Format Format
}

// Duration returns the playback length of the buffer.
func (p PCM) Duration() time.Duration {
	return p.Format.Duration(len(p.Data))
}

// Duration returns the playback length of n bytes of 16-bit PCM in this
// format. A zero-valued format yields zero.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}
