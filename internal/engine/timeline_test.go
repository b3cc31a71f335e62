package engine

import (
	"errors"
	"testing"
)

func testClip(key ScheduledKey, track int, offset, start, end int64) Clip {
	return Clip{
		AudioID:           "audio",
		TrackNumber:       track,
		ScheduledKey:      key,
		OffsetMicros:      offset,
		StartOffsetMicros: start,
		EndOffsetMicros:   end,
		PlaybackRate:      1,
	}
}

func mustAdd(t *testing.T, tl Timeline, c Clip) Timeline {
	t.Helper()
	next, _, err := tl.AddClip(c)
	if err != nil {
		t.Fatalf("AddClip(%s): %v", c.ScheduledKey, err)
	}
	return next
}

func TestTimeline_AddClip_keeps_tracks_sorted(t *testing.T) {
	tl := NewTimeline(2)
	tl = mustAdd(t, tl, testClip("c", 0, secs(5), 0, secs(1)))
	tl = mustAdd(t, tl, testClip("a", 0, secs(1), 0, secs(1)))
	tl = mustAdd(t, tl, testClip("b", 0, secs(3), 0, secs(1)))

	if !tl.Sorted() {
		t.Fatal("track not sorted")
	}
	if tl[0][0].ScheduledKey != "a" || tl[0][2].ScheduledKey != "c" {
		t.Errorf("unexpected order %v", tl[0])
	}
}

func TestTimeline_AddClip(t *testing.T) {
	tl := mustAdd(t, NewTimeline(2), testClip("a", 0, 0, 0, secs(1)))

	t.Run("duplicate key", func(t *testing.T) {
		_, _, err := tl.AddClip(testClip("a", 1, 0, 0, secs(1)))
		if !errors.Is(err, ErrInvariantViolation) {
			t.Errorf("expected ErrInvariantViolation, got %v", err)
		}
	})
	t.Run("mints key", func(t *testing.T) {
		_, c, err := tl.AddClip(testClip("", 1, 0, 0, secs(1)))
		if err != nil || c.ScheduledKey == "" {
			t.Errorf("expected minted key, got %q err=%v", c.ScheduledKey, err)
		}
	})
	t.Run("track out of range", func(t *testing.T) {
		_, _, err := tl.AddClip(testClip("x", 7, 0, 0, secs(1)))
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", err)
		}
	})
	t.Run("empty window", func(t *testing.T) {
		_, _, err := tl.AddClip(testClip("x", 0, 0, secs(1), secs(1)))
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", err)
		}
	})
	t.Run("receiver untouched", func(t *testing.T) {
		_, _, _ = tl.AddClip(testClip("y", 0, 0, 0, secs(1)))
		if tl.Len() != 1 {
			t.Errorf("receiver mutated: %d clips", tl.Len())
		}
	})
}

func TestTimeline_SliceAt(t *testing.T) {
	tl := NewTimeline(3)
	tl = mustAdd(t, tl, testClip("a", 0, secs(2), secs(1), secs(5)))
	tl = mustAdd(t, tl, testClip("b", 1, secs(4), 0, secs(2)))  // starts at the cut
	tl = mustAdd(t, tl, testClip("c", 2, secs(0), 0, secs(10))) // outside range

	next, changed, err := tl.SliceAt(0, 1, secs(4))
	if err != nil {
		t.Fatalf("SliceAt: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected one cut (2 pieces), got %d", len(changed))
	}
	left, right := changed[0], changed[1]
	if left.ScheduledKey != "a" || left.EndOffsetMicros != secs(3) {
		t.Errorf("unexpected left piece %+v", left)
	}
	if right.ScheduledKey == "a" || right.OffsetMicros != secs(4) || right.StartOffsetMicros != secs(3) || right.EndOffsetMicros != secs(5) {
		t.Errorf("unexpected right piece %+v", right)
	}
	if left.EndMicros() != right.OffsetMicros {
		t.Error("pieces are not contiguous")
	}
	if len(next[0]) != 2 || len(next[1]) != 1 || len(next[2]) != 1 {
		t.Errorf("unexpected track sizes %d/%d/%d", len(next[0]), len(next[1]), len(next[2]))
	}
	if !next.Sorted() {
		t.Error("tracks not sorted after slice")
	}
}

func TestTimeline_SliceAt_right_piece_unselected(t *testing.T) {
	c := testClip("a", 0, 0, 0, secs(4))
	c.Selected = true
	tl := mustAdd(t, NewTimeline(1), c)
	_, changed, _ := tl.SliceAt(0, 0, secs(2))
	if !changed[0].Selected || changed[1].Selected {
		t.Errorf("expected left selected and right not, got %v/%v", changed[0].Selected, changed[1].Selected)
	}
}

func TestTimeline_SetMultipleOffsets(t *testing.T) {
	tl := NewTimeline(2)
	tl = mustAdd(t, tl, testClip("a", 0, 0, 0, secs(1)))
	tl = mustAdd(t, tl, testClip("b", 0, secs(2), 0, secs(1)))

	t.Run("length mismatch", func(t *testing.T) {
		out, _, err := tl.SetMultipleOffsets([]ScheduledKey{"a", "b"}, []int64{1}, []int64{0, 0}, []int64{1, 1})
		if !errors.Is(err, ErrInvariantViolation) {
			t.Fatalf("expected ErrInvariantViolation, got %v", err)
		}
		if out[0][0].OffsetMicros != 0 {
			t.Error("timeline changed on rejected batch")
		}
	})
	t.Run("unknown key rejects batch", func(t *testing.T) {
		out, _, err := tl.SetMultipleOffsets([]ScheduledKey{"a", "zz"}, []int64{secs(5), 0}, []int64{0, 0}, []int64{secs(1), secs(1)})
		if !errors.Is(err, ErrUnknownClip) || !errors.Is(err, ErrInvariantViolation) {
			t.Fatalf("expected unknown clip invariant violation, got %v", err)
		}
		if out[0][0].ScheduledKey != "a" || out[0][0].OffsetMicros != 0 {
			t.Error("first entry applied despite rejection")
		}
	})
	t.Run("applies and resorts", func(t *testing.T) {
		out, changed, err := tl.SetMultipleOffsets([]ScheduledKey{"a"}, []int64{secs(3)}, []int64{0}, []int64{secs(1)})
		if err != nil {
			t.Fatalf("SetMultipleOffsets: %v", err)
		}
		if len(changed) != 1 || out[0][0].ScheduledKey != "b" || out[0][1].ScheduledKey != "a" {
			t.Errorf("unexpected order %v", out[0])
		}
	})
}

func TestTimeline_DeleteClips_is_atomic(t *testing.T) {
	tl := NewTimeline(1)
	tl = mustAdd(t, tl, testClip("a", 0, 0, 0, secs(1)))

	out, _, err := tl.DeleteClips([]ScheduledKey{"a", "missing"})
	if !errors.Is(err, ErrUnknownClip) {
		t.Fatalf("expected ErrUnknownClip, got %v", err)
	}
	if out.Len() != 1 {
		t.Error("clip deleted despite rejected batch")
	}

	out, removed, err := tl.DeleteClips([]ScheduledKey{"a"})
	if err != nil || len(removed) != 1 || out.Len() != 0 {
		t.Errorf("unexpected delete result len=%d removed=%d err=%v", out.Len(), len(removed), err)
	}
}

func TestTimeline_CloneClips(t *testing.T) {
	c := testClip("a", 0, secs(1), 0, secs(1))
	c.Selected = true
	tl := mustAdd(t, NewTimeline(1), c)

	out, clones, err := tl.CloneClips([]ScheduledKey{"a"})
	if err != nil {
		t.Fatalf("CloneClips: %v", err)
	}
	if clones[0].ScheduledKey == "a" || clones[0].Selected {
		t.Errorf("clone must have a new key and be unselected: %+v", clones[0])
	}
	if out.Len() != 2 {
		t.Errorf("expected 2 clips, got %d", out.Len())
	}
	if _, _, err := tl.CloneClips([]ScheduledKey{"nope"}); !errors.Is(err, ErrUnknownClip) {
		t.Errorf("expected ErrUnknownClip, got %v", err)
	}
}

func TestTimeline_MoveToTrack(t *testing.T) {
	tl := mustAdd(t, NewTimeline(2), testClip("a", 0, 0, 0, secs(1)))
	out, c, err := tl.MoveToTrack("a", 1)
	if err != nil {
		t.Fatalf("MoveToTrack: %v", err)
	}
	if c.TrackNumber != 1 || len(out[0]) != 0 || len(out[1]) != 1 {
		t.Errorf("clip not moved: %+v", out)
	}
	if len(tl[0]) != 1 {
		t.Error("receiver mutated")
	}
}

func TestTimeline_RemoveAudio_and_MarkSelection(t *testing.T) {
	tl := NewTimeline(2)
	tl = mustAdd(t, tl, testClip("a", 0, 0, 0, secs(1)))
	other := testClip("b", 1, 0, 0, secs(1))
	other.AudioID = "other"
	tl = mustAdd(t, tl, other)

	marked := tl.MarkSelection([]ScheduledKey{"b"}, true)
	if c, _ := marked.Clip("b"); !c.Selected {
		t.Error("b not marked")
	}
	if c, _ := marked.Clip("a"); c.Selected {
		t.Error("a marked unexpectedly")
	}
	if c, _ := marked.MarkSelection(nil, false).Clip("b"); c.Selected {
		t.Error("nil keys did not clear every clip")
	}

	out, removed := tl.RemoveAudio("audio")
	if len(removed) != 1 || out.Len() != 1 {
		t.Errorf("expected one removed clip, got %d (left %d)", len(removed), out.Len())
	}
}
