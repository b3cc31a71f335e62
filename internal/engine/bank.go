package engine

import (
	"fmt"
	"sort"

	"github.com/go-audio/audio"
)

// AudioDetails describes a buffer at registration time.
type AudioDetails struct {
	Name string `json:"name"`
	// MixerChannel is the bus clips of this buffer feed. Zero routes by the
	// clip's track number instead.
	MixerChannel int `json:"mixer_channel"`
}

// BufferEntry is one decoded buffer owned by the AudioBank.
type BufferEntry struct {
	ID      AudioID
	Details AudioDetails
	Buffer  *audio.Float32Buffer
	Gain    float64
	Pan     float64
}

// DurationMicros returns the buffer length in its own timebase.
func (e *BufferEntry) DurationMicros() int64 {
	return bufferDurationMicros(e.Buffer)
}

func bufferDurationMicros(buf *audio.Float32Buffer) int64 {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return 0
	}
	return int64(buf.NumFrames()) * SecToMicros / int64(buf.Format.SampleRate)
}

func validBuffer(buf *audio.Float32Buffer) error {
	if buf == nil || buf.Format == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidRequest)
	}
	if buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return fmt.Errorf("%w: buffer format %d ch @ %d Hz", ErrInvalidRequest, buf.Format.NumChannels, buf.Format.SampleRate)
	}
	if buf.NumFrames() == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidRequest)
	}
	return nil
}

// AudioBank is the registry of decoded buffers keyed by AudioID.
// It never reaches into scheduler or selection state; cascading cleanup is
// the Engine's job.
type AudioBank struct {
	entries map[AudioID]*BufferEntry
}

// NewAudioBank returns an empty bank.
func NewAudioBank() *AudioBank {
	return &AudioBank{entries: make(map[AudioID]*BufferEntry)}
}

// Register stores buf under a freshly minted handle with gain 1 and pan 0.
func (b *AudioBank) Register(details AudioDetails, buf *audio.Float32Buffer) (AudioID, error) {
	if err := validBuffer(buf); err != nil {
		return "", err
	}
	id := newAudioID()
	b.entries[id] = &BufferEntry{
		ID:      id,
		Details: details,
		Buffer:  buf,
		Gain:    1,
		Pan:     0,
	}
	return id, nil
}

// Update replaces the sample data in place. The handle stays valid.
func (b *AudioBank) Update(id AudioID, buf *audio.Float32Buffer) error {
	e, ok := b.entries[id]
	if !ok {
		return ErrUnknownAudio
	}
	if err := validBuffer(buf); err != nil {
		return err
	}
	e.Buffer = buf
	return nil
}

// Unregister removes the entry and reports whether it existed.
func (b *AudioBank) Unregister(id AudioID) bool {
	if _, ok := b.entries[id]; !ok {
		return false
	}
	delete(b.entries, id)
	return true
}

// GetBuffer returns the sample data, or nil when id is unknown.
func (b *AudioBank) GetBuffer(id AudioID) *audio.Float32Buffer {
	if e, ok := b.entries[id]; ok {
		return e.Buffer
	}
	return nil
}

// Get returns a copy of the entry.
func (b *AudioBank) Get(id AudioID) (BufferEntry, bool) {
	e, ok := b.entries[id]
	if !ok {
		return BufferEntry{}, false
	}
	return *e, true
}

// SetGain sets the default gain, clamped to [MinGain, MaxGain].
func (b *AudioBank) SetGain(id AudioID, v float64) error {
	e, ok := b.entries[id]
	if !ok {
		return ErrUnknownAudio
	}
	e.Gain = clamp(v, MinGain, MaxGain)
	return nil
}

// SetPan sets the default pan, clamped to [MinPan, MaxPan].
func (b *AudioBank) SetPan(id AudioID, v float64) error {
	e, ok := b.entries[id]
	if !ok {
		return ErrUnknownAudio
	}
	e.Pan = clamp(v, MinPan, MaxPan)
	return nil
}

// SetMixerChannel changes the bus assignment of the buffer.
func (b *AudioBank) SetMixerChannel(id AudioID, channel int) error {
	e, ok := b.entries[id]
	if !ok {
		return ErrUnknownAudio
	}
	e.Details.MixerChannel = channel
	return nil
}

// DurationMicros returns the buffer length, or 0 when id is unknown.
func (b *AudioBank) DurationMicros(id AudioID) int64 {
	if e, ok := b.entries[id]; ok {
		return e.DurationMicros()
	}
	return 0
}

// Len returns the number of registered buffers.
func (b *AudioBank) Len() int {
	return len(b.entries)
}

// IDs returns all handles in a stable order.
func (b *AudioBank) IDs() []AudioID {
	ids := make([]AudioID, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a bank with copies of every entry. Sample data is shared;
// buffers are never written after registration.
func (b *AudioBank) Clone() *AudioBank {
	out := &AudioBank{entries: make(map[AudioID]*BufferEntry, len(b.entries))}
	for id, e := range b.entries {
		cp := *e
		out.entries[id] = &cp
	}
	return out
}
