package audio

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrOddLength is returned when a 16-bit PCM buffer has an odd byte count.
var ErrOddLength = errors.New("audio: odd byte count in 16-bit PCM")

// Normalize converts p to the target format. Multi-channel input is downmixed
// to mono before resampling so the interpolation runs over a single channel.
// If p already matches target it is returned unchanged.
func Normalize(p PCM, target Format) (PCM, error) {
	if target.SampleRate <= 0 || target.Channels <= 0 {
		return PCM{}, fmt.Errorf("audio: invalid target format %s", target)
	}
	if p.Format.SampleRate <= 0 || p.Format.Channels <= 0 {
		return PCM{}, fmt.Errorf("audio: invalid source format %s", p.Format)
	}
	if len(p.Data)%BytesPerSample != 0 {
		return PCM{}, fmt.Errorf("%w: %d bytes", ErrOddLength, len(p.Data))
	}
	if p.Format == target {
		return p, nil
	}

	slog.Debug("audio: normalising PCM", "from", p.Format, "to", target, "bytes", len(p.Data))

	data := p.Data
	channels := p.Format.Channels
	if channels > 1 && target.Channels == 1 {
		data = Downmix(data, channels)
		channels = 1
	}
	if p.Format.SampleRate != target.SampleRate {
		data = Resample16(data, channels, p.Format.SampleRate, target.SampleRate)
	}
	if channels == 1 && target.Channels > 1 {
		data = Upmix(data, target.Channels)
		channels = target.Channels
	}
	if channels != target.Channels {
		return PCM{}, fmt.Errorf("audio: cannot convert %d channels to %d", channels, target.Channels)
	}
	return PCM{Data: data, Format: target}, nil
}

// Downmix averages each interleaved frame of n channels into one mono sample.
// The int32 accumulator cannot overflow for any practical channel count.
func Downmix(pcm []byte, n int) []byte {
	if n <= 1 {
		return pcm
	}
	frameBytes := n * BytesPerSample
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for c := range n {
			sum += int32(sampleAt(pcm, i*n+c))
		}
		putSample(out, i, clamp16(sum/int32(n)))
	}
	return out
}

// Upmix duplicates each mono sample into n interleaved channels.
func Upmix(pcm []byte, n int) []byte {
	if n <= 1 {
		return pcm
	}
	samples := len(pcm) / BytesPerSample
	out := make([]byte, samples*n*BytesPerSample)
	for i := range samples {
		s := sampleAt(pcm, i)
		for c := range n {
			putSample(out, i*n+c, s)
		}
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. Invalid rates or equal
// rates return the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * BytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+c))
			s1 := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
