package audio

import (
	"errors"
	"fmt"
	"time"
)

// DefaultSegmentDuration is the amount of audio carried by one segment.
const DefaultSegmentDuration = 200 * time.Millisecond

// Segment is one fixed-duration slice of a PCM buffer. Only the final segment
// of a split may be shorter than the nominal size, and only it has IsLast set.
type Segment struct {
	Data   []byte
	Index  int
	IsLast bool
}

// Segmenter splits PCM buffers into segments of Duration worth of audio.
type Segmenter struct {
	Format   Format
	Duration time.Duration
}

// NewSegmenter returns a Segmenter for the given format. A non-positive
// duration selects [DefaultSegmentDuration].
func NewSegmenter(f Format, d time.Duration) (Segmenter, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return Segmenter{}, fmt.Errorf("audio: segmenter: invalid format %s", f)
	}
	if d <= 0 {
		d = DefaultSegmentDuration
	}
	s := Segmenter{Format: f, Duration: d}
	if s.Size() <= 0 {
		return Segmenter{}, errors.New("audio: segmenter: segment duration too short for format")
	}
	return s, nil
}

// Size returns the nominal segment size in bytes:
// sample_rate × bytes_per_sample × channels × duration_ms / 1000.
func (s Segmenter) Size() int {
	ms := int(s.Duration / time.Millisecond)
	return s.Format.SampleRate * BytesPerSample * s.Format.Channels * ms / 1000
}

// Split cuts pcm into consecutive segments covering every byte exactly once.
// An empty buffer yields a single empty segment marked last so that callers
// always have an end-of-stream segment to send.
func (s Segmenter) Split(pcm []byte) []Segment {
	size := s.Size()
	if size <= 0 {
		size = len(pcm)
	}
	if len(pcm) == 0 {
		return []Segment{{Data: []byte{}, Index: 0, IsLast: true}}
	}

	segments := make([]Segment, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		segments = append(segments, Segment{
			Data:  pcm[off:end:end],
			Index: len(segments),
		})
	}
	segments[len(segments)-1].IsLast = true
	return segments
}
