package engine

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// ErrInvalidWAV is returned when an upload is not a decodable PCM WAV file.
var ErrInvalidWAV = errors.New("invalid wav data")

// DecodeWAV reads a PCM WAV stream into a float buffer normalised to [-1, 1].
func DecodeWAV(r io.ReadSeeker) (*audio.Float32Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	bitDepth := int(dec.SampleBitDepth())
	if bitDepth <= 0 || pcm.Format == nil || pcm.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: missing format", ErrInvalidWAV)
	}

	factor := math.Pow(2, float64(bitDepth-1))
	bias := 0.0
	if bitDepth == 8 {
		// 8-bit PCM is unsigned.
		bias = factor
	}
	out := &audio.Float32Buffer{
		Format: &audio.Format{
			NumChannels: pcm.Format.NumChannels,
			SampleRate:  pcm.Format.SampleRate,
		},
		Data:           make([]float32, len(pcm.Data)),
		SourceBitDepth: bitDepth,
	}
	for i, v := range pcm.Data {
		out.Data[i] = float32((float64(v) - bias) / factor)
	}
	return out, nil
}

// EncodeWAV writes buf as 16-bit PCM to w.
func EncodeWAV(w io.WriteSeeker, buf *audio.Float32Buffer) error {
	if err := validBuffer(buf); err != nil {
		return err
	}
	nch := buf.Format.NumChannels
	enc := wav.NewEncoder(w, buf.Format.SampleRate, 16, nch, 1)
	ints := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: nch,
			SampleRate:  buf.Format.SampleRate,
		},
		Data:           make([]int, len(buf.Data)),
		SourceBitDepth: 16,
	}
	for i, v := range buf.Data {
		ints.Data[i] = int(clamp(float64(v), -1, 1) * 32767)
	}
	if err := enc.Write(ints); err != nil {
		return err
	}
	return enc.Close()
}

// WriteWAV stores buf as a 16-bit PCM WAV file called name on fs.
func WriteWAV(fs afero.Fs, name string, buf *audio.Float32Buffer) error {
	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	if err := EncodeWAV(f, buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
