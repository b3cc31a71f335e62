package engine

import (
	"fmt"
	"sort"
)

// Timeline operations never mutate the receiver. Each returns a fresh copy
// with every touched track re-sorted by offset, so the caller can schedule
// against the result and commit it only on success.

func sortTrack(track []Clip) {
	sort.SliceStable(track, func(i, j int) bool {
		return track[i].OffsetMicros < track[j].OffsetMicros
	})
}

func (tl Timeline) checkTrack(track int) error {
	if track < 0 || track >= len(tl) {
		return fmt.Errorf("%w: track %d out of range [0,%d)", ErrInvalidRequest, track, len(tl))
	}
	return nil
}

// Find locates the clip with key.
func (tl Timeline) Find(key ScheduledKey) (track, index int, ok bool) {
	for t, clips := range tl {
		for i, c := range clips {
			if c.ScheduledKey == key {
				return t, i, true
			}
		}
	}
	return -1, -1, false
}

// Clip returns the clip with key.
func (tl Timeline) Clip(key ScheduledKey) (Clip, bool) {
	t, i, ok := tl.Find(key)
	if !ok {
		return Clip{}, false
	}
	return tl[t][i], true
}

func validClip(c Clip) error {
	if c.AudioID == "" {
		return fmt.Errorf("%w: clip without audio id", ErrInvalidRequest)
	}
	if c.StartOffsetMicros < 0 || c.EndOffsetMicros <= c.StartOffsetMicros {
		return fmt.Errorf("%w: trim window [%d,%d)", ErrInvalidRequest, c.StartOffsetMicros, c.EndOffsetMicros)
	}
	if c.OffsetMicros < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidRequest, c.OffsetMicros)
	}
	return nil
}

// AddClip places c on its track. A key is minted when c has none; a key that
// is already live is rejected.
func (tl Timeline) AddClip(c Clip) (Timeline, Clip, error) {
	if err := tl.checkTrack(c.TrackNumber); err != nil {
		return tl, Clip{}, err
	}
	if err := validClip(c); err != nil {
		return tl, Clip{}, err
	}
	if c.ScheduledKey == "" {
		c.ScheduledKey = newScheduledKey()
	} else if _, _, dup := tl.Find(c.ScheduledKey); dup {
		return tl, Clip{}, fmt.Errorf("%w: duplicate scheduled key %s", ErrInvariantViolation, c.ScheduledKey)
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = 1
	}

	out := tl.Clone()
	out[c.TrackNumber] = append(out[c.TrackNumber], c)
	sortTrack(out[c.TrackNumber])
	return out, c, nil
}

// CloneClip duplicates the clip with key on the same track under a new key.
// The clone is never selected.
func (tl Timeline) CloneClip(key ScheduledKey) (Timeline, Clip, error) {
	out, clones, err := tl.CloneClips([]ScheduledKey{key})
	if err != nil {
		return tl, Clip{}, err
	}
	return out, clones[0], nil
}

// CloneClips duplicates every clip in keys. Any unknown key rejects the batch.
func (tl Timeline) CloneClips(keys []ScheduledKey) (Timeline, []Clip, error) {
	out := tl.Clone()
	clones := make([]Clip, 0, len(keys))
	touched := make(map[int]struct{})
	for _, key := range keys {
		t, i, ok := tl.Find(key)
		if !ok {
			return tl, nil, fmt.Errorf("%w: %w: %s", ErrInvariantViolation, ErrUnknownClip, key)
		}
		c := tl[t][i]
		c.ScheduledKey = newScheduledKey()
		c.Selected = false
		out[t] = append(out[t], c)
		clones = append(clones, c)
		touched[t] = struct{}{}
	}
	for t := range touched {
		sortTrack(out[t])
	}
	return out, clones, nil
}

// DeleteClip removes the clip with key.
func (tl Timeline) DeleteClip(key ScheduledKey) (Timeline, Clip, error) {
	out, removed, err := tl.DeleteClips([]ScheduledKey{key})
	if err != nil {
		return tl, Clip{}, err
	}
	return out, removed[0], nil
}

// DeleteClips removes every clip in keys. Any unknown key rejects the batch.
func (tl Timeline) DeleteClips(keys []ScheduledKey) (Timeline, []Clip, error) {
	drop := make(map[ScheduledKey]struct{}, len(keys))
	for _, key := range keys {
		if _, _, ok := tl.Find(key); !ok {
			return tl, nil, fmt.Errorf("%w: %w: %s", ErrInvariantViolation, ErrUnknownClip, key)
		}
		drop[key] = struct{}{}
	}
	out := make(Timeline, len(tl))
	removed := make([]Clip, 0, len(keys))
	for t, clips := range tl {
		kept := make([]Clip, 0, len(clips))
		for _, c := range clips {
			if _, ok := drop[c.ScheduledKey]; ok {
				removed = append(removed, c)
				continue
			}
			kept = append(kept, c)
		}
		out[t] = kept
	}
	return out, removed, nil
}

// SliceAt cuts every clip on tracks [startTrack, endTrack] that strictly
// contains atMicros. The left piece keeps its key and ends at the cut; the
// right piece gets a new key, starts at the cut and is not selected.
// changed lists both pieces of every cut, left first.
func (tl Timeline) SliceAt(startTrack, endTrack int, atMicros int64) (Timeline, []Clip, error) {
	if startTrack > endTrack {
		startTrack, endTrack = endTrack, startTrack
	}
	if err := tl.checkTrack(startTrack); err != nil {
		return tl, nil, err
	}
	if err := tl.checkTrack(endTrack); err != nil {
		return tl, nil, err
	}

	out := tl.Clone()
	var changed []Clip
	for t := startTrack; t <= endTrack; t++ {
		var right []Clip
		for i, c := range out[t] {
			if !(c.EndMicros() > atMicros && atMicros > c.OffsetMicros) {
				continue
			}
			cut := atMicros - c.OffsetMicros

			left := c
			left.EndOffsetMicros = c.StartOffsetMicros + cut

			r := c
			r.ScheduledKey = newScheduledKey()
			r.OffsetMicros = atMicros
			r.StartOffsetMicros = c.StartOffsetMicros + cut
			r.Selected = false

			out[t][i] = left
			right = append(right, r)
			changed = append(changed, left, r)
		}
		if len(right) > 0 {
			out[t] = append(out[t], right...)
			sortTrack(out[t])
		}
	}
	return out, changed, nil
}

// SetOffset moves and trims one clip.
func (tl Timeline) SetOffset(key ScheduledKey, offset, start, end int64) (Timeline, Clip, error) {
	out, changed, err := tl.SetMultipleOffsets([]ScheduledKey{key}, []int64{offset}, []int64{start}, []int64{end})
	if err != nil {
		return tl, Clip{}, err
	}
	return out, changed[0], nil
}

// SetMultipleOffsets applies parallel slices of new geometry. Slices of
// different lengths, an unknown key or an invalid window reject the whole
// batch and the receiver is returned unchanged.
func (tl Timeline) SetMultipleOffsets(keys []ScheduledKey, offsets, starts, ends []int64) (Timeline, []Clip, error) {
	if len(keys) != len(offsets) || len(keys) != len(starts) || len(keys) != len(ends) {
		return tl, nil, fmt.Errorf("%w: parallel slices of lengths %d/%d/%d/%d",
			ErrInvariantViolation, len(keys), len(offsets), len(starts), len(ends))
	}

	out := tl.Clone()
	changed := make([]Clip, 0, len(keys))
	touched := make(map[int]struct{})
	for n, key := range keys {
		t, i, ok := out.Find(key)
		if !ok {
			return tl, nil, fmt.Errorf("%w: %w: %s", ErrInvariantViolation, ErrUnknownClip, key)
		}
		c := out[t][i]
		c.OffsetMicros = offsets[n]
		c.StartOffsetMicros = starts[n]
		c.EndOffsetMicros = ends[n]
		if err := validClip(c); err != nil {
			return tl, nil, fmt.Errorf("%w: %w", ErrInvariantViolation, err)
		}
		out[t][i] = c
		changed = append(changed, c)
		touched[t] = struct{}{}
	}
	for t := range touched {
		sortTrack(out[t])
	}
	return out, changed, nil
}

// MoveToTrack moves the clip with key to another track, keeping its timing.
func (tl Timeline) MoveToTrack(key ScheduledKey, track int) (Timeline, Clip, error) {
	if err := tl.checkTrack(track); err != nil {
		return tl, Clip{}, err
	}
	t, i, ok := tl.Find(key)
	if !ok {
		return tl, Clip{}, fmt.Errorf("%w: %s", ErrUnknownClip, key)
	}
	c := tl[t][i]
	if t == track {
		return tl.Clone(), c, nil
	}
	out := tl.Clone()
	out[t] = append(out[t][:i:i], out[t][i+1:]...)
	c.TrackNumber = track
	out[track] = append(out[track], c)
	sortTrack(out[track])
	return out, c, nil
}

// RemoveAudio drops every clip that plays id and returns them.
func (tl Timeline) RemoveAudio(id AudioID) (Timeline, []Clip) {
	out := make(Timeline, len(tl))
	var removed []Clip
	for t, clips := range tl {
		kept := make([]Clip, 0, len(clips))
		for _, c := range clips {
			if c.AudioID == id {
				removed = append(removed, c)
				continue
			}
			kept = append(kept, c)
		}
		out[t] = kept
	}
	return out, removed
}

// MarkSelection sets the selected flag of the clips in keys to markAs. With
// no keys every clip is marked.
func (tl Timeline) MarkSelection(keys []ScheduledKey, markAs bool) Timeline {
	var only map[ScheduledKey]struct{}
	if keys != nil {
		only = make(map[ScheduledKey]struct{}, len(keys))
		for _, k := range keys {
			only[k] = struct{}{}
		}
	}
	out := tl.Clone()
	for t := range out {
		for i := range out[t] {
			if only != nil {
				if _, ok := only[out[t][i].ScheduledKey]; !ok {
					continue
				}
			}
			out[t][i].Selected = markAs
		}
	}
	return out
}

// Sorted reports whether every track is ordered by offset.
func (tl Timeline) Sorted() bool {
	for _, clips := range tl {
		if !sort.SliceIsSorted(clips, func(i, j int) bool {
			return clips[i].OffsetMicros < clips[j].OffsetMicros
		}) {
			return false
		}
	}
	return true
}
