package engine

import (
	"math"
	"sort"
)

// MinClipWidthMicros is the narrowest a clip may be resized to.
const MinClipWidthMicros int64 = 10_000

// SelectionTransform is the staged geometric edit of a drag gesture.
type SelectionTransform struct {
	DeltaTimeMicros  int64 `json:"delta_time_micros"`
	DeltaStartMicros int64 `json:"delta_start_micros"`
	DeltaEndMicros   int64 `json:"delta_end_micros"`
}

// IsZero reports whether nothing is pending.
func (t SelectionTransform) IsZero() bool {
	return t == SelectionTransform{}
}

// TransformedClip is the materialised geometry of one selected clip.
// FinalPosition is the timeline offset, FinalScrollLeft the trim start inside
// the buffer and FinalWidth the playing duration, all in micros.
type TransformedClip struct {
	Key             ScheduledKey `json:"key"`
	TrackNumber     int          `json:"track_number"`
	FinalPosition   int64        `json:"final_position"`
	FinalScrollLeft int64        `json:"final_scroll_left"`
	FinalWidth      int64        `json:"final_width"`
}

type selectionEntry struct {
	clip Clip
	// maxEnd is the buffer length; zero leaves the end unbounded.
	maxEnd int64
}

// MultiSelectTracker holds the selected clip set and a pending transform that
// is applied to every member identically. Canonical clips are never touched.
type MultiSelectTracker struct {
	entries map[ScheduledKey]*selectionEntry
	pending SelectionTransform
}

// NewMultiSelectTracker returns an empty tracker.
func NewMultiSelectTracker() *MultiSelectTracker {
	return &MultiSelectTracker{entries: make(map[ScheduledKey]*selectionEntry)}
}

// BeginSelection adds clip to the selection, or refreshes its snapshot.
func (m *MultiSelectTracker) BeginSelection(clip Clip, maxEndMicros int64) {
	m.entries[clip.ScheduledKey] = &selectionEntry{clip: clip, maxEnd: maxEndMicros}
}

// Refresh replaces the snapshot of a member after a commit. Unknown keys are
// ignored.
func (m *MultiSelectTracker) Refresh(clip Clip) {
	if e, ok := m.entries[clip.ScheduledKey]; ok {
		e.clip = clip
	}
}

// Deselect removes key from the selection.
func (m *MultiSelectTracker) Deselect(key ScheduledKey) {
	delete(m.entries, key)
	if len(m.entries) == 0 {
		m.pending = SelectionTransform{}
	}
}

// RemoveAudio drops every member that plays id.
func (m *MultiSelectTracker) RemoveAudio(id AudioID) {
	for key, e := range m.entries {
		if e.clip.AudioID == id {
			m.Deselect(key)
		}
	}
}

// ClearSelection empties the selection and discards any pending transform.
func (m *MultiSelectTracker) ClearSelection() {
	clear(m.entries)
	m.pending = SelectionTransform{}
}

// IsMultiSelected reports whether more than one clip is selected.
func (m *MultiSelectTracker) IsMultiSelected() bool {
	return len(m.entries) > 1
}

// Contains reports whether key is selected.
func (m *MultiSelectTracker) Contains(key ScheduledKey) bool {
	_, ok := m.entries[key]
	return ok
}

// Len returns the selection size.
func (m *MultiSelectTracker) Len() int {
	return len(m.entries)
}

// Keys returns the selected keys in a stable order.
func (m *MultiSelectTracker) Keys() []ScheduledKey {
	keys := make([]ScheduledKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Pending returns the staged transform.
func (m *MultiSelectTracker) Pending() SelectionTransform {
	return m.pending
}

// Reset zeroes the staged transform and keeps the selection.
func (m *MultiSelectTracker) Reset() {
	m.pending = SelectionTransform{}
}

// Cancel discards the gesture. Nothing staged reaches any clip.
func (m *MultiSelectTracker) Cancel() {
	m.Reset()
}

// ApplyTransformationToMultipleSelectedTracks shifts the selection by dx
// micros. The accumulated shift is clamped so no member moves before zero.
func (m *MultiSelectTracker) ApplyTransformationToMultipleSelectedTracks(dx int64) SelectionTransform {
	if len(m.entries) == 0 {
		return m.pending
	}
	p := m.pending
	lo := int64(math.MinInt64)
	for _, e := range m.entries {
		lo = max(lo, -e.clip.OffsetMicros-p.DeltaStartMicros)
	}
	m.pending.DeltaTimeMicros = max(p.DeltaTimeMicros+dx, lo)
	return m.pending
}

// ApplyResizingStartToMultipleSelectedTracks moves the left edge of every
// member by dx micros. The clip end stays put on the timeline.
func (m *MultiSelectTracker) ApplyResizingStartToMultipleSelectedTracks(dx int64) SelectionTransform {
	if len(m.entries) == 0 {
		return m.pending
	}
	p := m.pending
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	for _, e := range m.entries {
		c := e.clip
		lo = max(lo, -c.StartOffsetMicros, -c.OffsetMicros-p.DeltaTimeMicros)
		hi = min(hi, c.DurationMicros()+p.DeltaEndMicros-MinClipWidthMicros)
	}
	if lo > hi {
		return m.pending
	}
	m.pending.DeltaStartMicros = min(max(p.DeltaStartMicros+dx, lo), hi)
	return m.pending
}

// ApplyResizingEndToMultipleSelectedTracks moves the right edge of every
// member by dx micros, bounded by each buffer's length.
func (m *MultiSelectTracker) ApplyResizingEndToMultipleSelectedTracks(dx int64) SelectionTransform {
	if len(m.entries) == 0 {
		return m.pending
	}
	p := m.pending
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	for _, e := range m.entries {
		c := e.clip
		lo = max(lo, MinClipWidthMicros-c.DurationMicros()+p.DeltaStartMicros)
		if e.maxEnd > 0 {
			hi = min(hi, e.maxEnd-c.EndOffsetMicros)
		}
	}
	if lo > hi {
		return m.pending
	}
	m.pending.DeltaEndMicros = min(max(p.DeltaEndMicros+dx, lo), hi)
	return m.pending
}

// GetNewPositionForMultipleSelectedTracks materialises the staged transform
// for every member, ordered by key. The selection and its snapshots are left
// unchanged.
func (m *MultiSelectTracker) GetNewPositionForMultipleSelectedTracks() []TransformedClip {
	p := m.pending
	out := make([]TransformedClip, 0, len(m.entries))
	for _, key := range m.Keys() {
		c := m.entries[key].clip
		start := c.StartOffsetMicros + p.DeltaStartMicros
		end := c.EndOffsetMicros + p.DeltaEndMicros
		out = append(out, TransformedClip{
			Key:             key,
			TrackNumber:     c.TrackNumber,
			FinalPosition:   c.OffsetMicros + p.DeltaTimeMicros + p.DeltaStartMicros,
			FinalScrollLeft: start,
			FinalWidth:      end - start,
		})
	}
	return out
}
