package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SecToMicros converts seconds to timeline microseconds.
const SecToMicros = 1_000_000

// AudioID uniquely identifies a decoded buffer registered in the AudioBank.
type AudioID string

// ScheduledKey uniquely identifies one clip instance on the timeline.
// It is unrelated to the AudioID the clip plays.
type ScheduledKey string

// CurveID identifies an automation curve.
type CurveID string

func newAudioID() AudioID           { return AudioID(uuid.NewString()) }
func newScheduledKey() ScheduledKey { return ScheduledKey(uuid.NewString()) }
func newCurveID() CurveID           { return CurveID(uuid.NewString()) }

var (
	// ErrUnknownAudio is returned for an AudioID that is not in the bank.
	ErrUnknownAudio = errors.New("unknown audio id")

	// ErrUnknownClip is returned for a ScheduledKey that is not on the timeline.
	ErrUnknownClip = errors.New("unknown scheduled key")

	// ErrUnknownChannel is returned for a mixer channel outside the graph.
	ErrUnknownChannel = errors.New("unknown mixer channel")

	// ErrUnknownCurve is returned for a CurveID that is not registered.
	ErrUnknownCurve = errors.New("unknown automation curve")

	// ErrInvariantViolation is returned when a batch is rejected as a whole,
	// e.g. parallel slices of different lengths.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrBackend wraps failures reported by the audio backend.
	ErrBackend = errors.New("audio backend failure")

	// ErrNotInitialized is returned when the mixer graph has not been built.
	ErrNotInitialized = errors.New("mixer graph not initialized")

	// ErrInvalidRequest is returned for malformed input such as an empty buffer.
	ErrInvalidRequest = errors.New("invalid request")
)

// Clip is one placement of a decoded buffer on the timeline.
// StartOffsetMicros and EndOffsetMicros form the trim window inside the
// source buffer, measured in the buffer's own timebase.
type Clip struct {
	AudioID           AudioID      `json:"audio_id"`
	TrackNumber       int          `json:"track_number"`
	ScheduledKey      ScheduledKey `json:"scheduled_key"`
	OffsetMicros      int64        `json:"offset_micros"`
	StartOffsetMicros int64        `json:"start_offset_micros"`
	EndOffsetMicros   int64        `json:"end_offset_micros"`
	PlaybackRate      float64      `json:"playback_rate"`
	Selected          bool         `json:"selected"`
}

// DurationMicros returns the length of the trim window.
func (c Clip) DurationMicros() int64 {
	return c.EndOffsetMicros - c.StartOffsetMicros
}

// EndMicros returns the timeline position where the clip stops playing.
func (c Clip) EndMicros() int64 {
	return c.OffsetMicros + c.DurationMicros()
}

// Timeline is the track-major clip matrix. Clips inside a track are kept
// sorted ascending by OffsetMicros.
type Timeline [][]Clip

// NewTimeline returns an empty timeline with the given number of tracks.
func NewTimeline(tracks int) Timeline {
	tl := make(Timeline, tracks)
	for i := range tl {
		tl[i] = []Clip{}
	}
	return tl
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (tl Timeline) Clone() Timeline {
	out := make(Timeline, len(tl))
	for i, track := range tl {
		out[i] = append([]Clip(nil), track...)
	}
	return out
}

// Len returns the total clip count over all tracks.
func (tl Timeline) Len() int {
	n := 0
	for _, track := range tl {
		n += len(track)
	}
	return n
}

// ParamKind tags which audio parameter a ParamTarget refers to.
type ParamKind int

const (
	ParamMixerGain ParamKind = iota
	ParamMixerPan
	ParamClip
)

func (k ParamKind) String() string {
	switch k {
	case ParamMixerGain:
		return "mixer_gain"
	case ParamMixerPan:
		return "mixer_pan"
	case ParamClip:
		return "clip"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// ClipField names a per-clip parameter reachable through the scheduler.
type ClipField string

const (
	ClipFieldGain ClipField = "gain"
	ClipFieldPan  ClipField = "pan"
)

// ParamTarget is the bound parameter of an automation curve. Channel is used
// by mixer targets, Key and Field by clip targets.
type ParamTarget struct {
	Kind    ParamKind    `json:"kind"`
	Channel int          `json:"channel,omitempty"`
	Key     ScheduledKey `json:"key,omitempty"`
	Field   ClipField    `json:"field,omitempty"`
}

// MixerGain targets the gain of a mixer channel (0 is master).
func MixerGain(channel int) ParamTarget {
	return ParamTarget{Kind: ParamMixerGain, Channel: channel}
}

// MixerPan targets the pan of a mixer channel (0 is master).
func MixerPan(channel int) ParamTarget {
	return ParamTarget{Kind: ParamMixerPan, Channel: channel}
}

// ClipParam targets a field of the playback node bound to key.
func ClipParam(key ScheduledKey, field ClipField) ParamTarget {
	return ParamTarget{Kind: ParamClip, Key: key, Field: field}
}

// Validate checks the target shape once, when a curve is created.
func (p ParamTarget) Validate() error {
	switch p.Kind {
	case ParamMixerGain, ParamMixerPan:
		if p.Channel < 0 {
			return fmt.Errorf("%w: negative channel %d", ErrInvalidRequest, p.Channel)
		}
		return nil
	case ParamClip:
		if p.Key == "" {
			return fmt.Errorf("%w: clip target without key", ErrInvalidRequest)
		}
		if p.Field != ClipFieldGain && p.Field != ClipFieldPan {
			return fmt.Errorf("%w: unknown clip field %q", ErrInvalidRequest, p.Field)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown target kind %d", ErrInvalidRequest, int(p.Kind))
	}
}

// Value domains for gain and pan.
const (
	MinGain = 0.0
	MaxGain = 2.0
	MinPan  = -1.0
	MaxPan  = 1.0
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
