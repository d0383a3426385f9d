package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned by [DecodeWAV] when the input is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a valid WAV file")

// wavFormatPCM is the WAVE_FORMAT_PCM format tag.
const wavFormatPCM = 1

// DecodeWAV reads an integer PCM WAV stream and returns its samples converted
// to 16-bit. 8, 16, 24 and 32-bit inputs are accepted.
func DecodeWAV(r io.ReadSeeker) (PCM, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return PCM{}, ErrNotWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return PCM{}, fmt.Errorf("audio: unsupported WAV encoding %d (only integer PCM)", dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("audio: read WAV samples: %w", err)
	}

	depth := int(dec.BitDepth)
	data := make([]byte, len(buf.Data)*BytesPerSample)
	for i, v := range buf.Data {
		putSample(data, i, to16(v, depth))
	}
	return PCM{
		Data: data,
		Format: Format{
			SampleRate: int(dec.SampleRate),
			Channels:   int(dec.NumChans),
		},
	}, nil
}

// ReadWAVFile opens path and decodes it with [DecodeWAV].
func ReadWAVFile(path string) (PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return PCM{}, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()
	p, err := DecodeWAV(f)
	if err != nil {
		return PCM{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// EncodeWAV writes p as a 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, p PCM) error {
	if p.Format.SampleRate <= 0 || p.Format.Channels <= 0 {
		return fmt.Errorf("audio: encode WAV: invalid format %s", p.Format)
	}
	enc := wav.NewEncoder(w, p.Format.SampleRate, 16, p.Format.Channels, wavFormatPCM)

	samples := make([]int, len(p.Data)/BytesPerSample)
	for i := range samples {
		samples[i] = int(sampleAt(p.Data, i))
	}
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: p.Format.Channels,
			SampleRate:  p.Format.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode WAV: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: encode WAV: %w", err)
	}
	return nil
}

// WriteWAVFile creates path and writes p to it with [EncodeWAV].
func WriteWAVFile(path string, p PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}
	if err := EncodeWAV(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// to16 scales a sample of the given bit depth to 16 bits. 8-bit WAV samples
// are unsigned.
func to16(v, depth int) int16 {
	switch depth {
	case 8:
		return int16((v - 128) << 8)
	case 16:
		return int16(v)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return clamp16(int32(v))
	}
}
