package engine

import (
	"errors"
	"testing"
)

func TestScheduler_clip_ahead_of_playhead_is_delayed(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.SetMicros(secs(2))
	f.clock.Play()

	c := f.clip("a", 0, secs(3), 0, secs(3))
	if err := f.scheduler.ScheduleSingleTrack(c); err != nil {
		t.Fatalf("ScheduleSingleTrack: %v", err)
	}
	got := f.backend.lastStart()
	if !approx(got.delay, 1) || !approx(got.trimIn, 0) || !approx(got.duration, 3) {
		t.Errorf("expected delay=1 trimIn=0 duration=3, got %+v", got)
	}
}

func TestScheduler_resume_mid_clip_trims_in(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.SetMicros(secs(4))
	f.clock.Play()

	tests := []struct {
		name       string
		start, end int64
		trimIn     float64
		duration   float64
	}{
		{"from buffer start", 0, secs(10), 4, 6},
		{"with trimmed head", secs(1), secs(11), 5, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := f.clip(ScheduledKey(tt.name), 0, 0, tt.start, tt.end)
			if err := f.scheduler.ScheduleSingleTrack(c); err != nil {
				t.Fatalf("ScheduleSingleTrack: %v", err)
			}
			got := f.backend.lastStart()
			if !approx(got.delay, 0) || !approx(got.trimIn, tt.trimIn) || !approx(got.duration, tt.duration) {
				t.Errorf("expected delay=0 trimIn=%v duration=%v, got %+v", tt.trimIn, tt.duration, got)
			}
		})
	}
}

func TestScheduler_skips_clips_outside_window(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.SetMicros(secs(5))
	f.clock.Play()

	behind := f.clip("behind", 0, 0, 0, secs(2))
	past := f.clip("past", 1, secs(12), 0, secs(1))
	tl := NewTimeline(4)
	tl[0] = []Clip{behind}
	tl[1] = []Clip{past}
	if err := f.scheduler.ScheduleTracks(tl); err != nil {
		t.Fatalf("ScheduleTracks: %v", err)
	}
	if f.scheduler.Len() != 0 {
		t.Errorf("expected no nodes, got %v", f.scheduler.Keys())
	}
}

func TestScheduler_paused_schedules_nothing(t *testing.T) {
	f := newSchedulerFixture(t)
	if err := f.scheduler.ScheduleSingleTrack(f.clip("a", 0, 0, 0, secs(1))); err != nil {
		t.Fatalf("ScheduleSingleTrack: %v", err)
	}
	if f.scheduler.Len() != 0 || len(f.backend.starts) != 0 {
		t.Error("paused scheduler started a unit")
	}
}

func TestScheduler_at_most_one_node_per_key(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	c := f.clip("a", 0, 0, 0, secs(5))

	_ = f.scheduler.ScheduleSingleTrack(c)
	first, _ := f.scheduler.Node("a")
	_ = f.scheduler.ScheduleSingleTrack(c)
	second, _ := f.scheduler.Node("a")

	if f.scheduler.Len() != 1 {
		t.Fatalf("expected 1 node, got %d", f.scheduler.Len())
	}
	if first.Handle == second.Handle {
		t.Error("expected a fresh unit on reschedule")
	}
	if f.backend.stopCount(first.Handle) != 1 {
		t.Error("replaced unit was not stopped")
	}
}

func TestScheduler_delta_reschedule_leaves_other_nodes(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	a := f.clip("a", 0, 0, 0, secs(5))
	b := f.clip("b", 1, secs(1), 0, secs(5))
	tl := NewTimeline(4)
	tl[0] = []Clip{a}
	tl[1] = []Clip{b}
	if err := f.scheduler.ScheduleTracks(tl); err != nil {
		t.Fatalf("ScheduleTracks: %v", err)
	}
	before, _ := f.scheduler.Node("b")

	a.OffsetMicros = secs(2)
	tl[0] = []Clip{a}
	if err := f.scheduler.RescheduleAllTracks(tl, []Clip{a}); err != nil {
		t.Fatalf("RescheduleAllTracks: %v", err)
	}
	after, _ := f.scheduler.Node("b")
	if before.Handle != after.Handle {
		t.Errorf("untouched node was restarted: %d -> %d", before.Handle, after.Handle)
	}
	moved, _ := f.scheduler.Node("a")
	if !approx(moved.StartDelay, 2) {
		t.Errorf("expected moved clip delay 2s, got %v", moved.StartDelay)
	}
}

func TestScheduler_removal_is_idempotent(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	c := f.clip("a", 0, 0, 0, secs(5))
	_ = f.scheduler.ScheduleSingleTrack(c)
	n, _ := f.scheduler.Node("a")

	f.scheduler.RemoveTrackFromScheduledNodes(c)
	f.scheduler.RemoveTrackFromScheduledNodes(c)
	f.scheduler.RemoveScheduledTracksFromScheduledKeys([]ScheduledKey{"a", "missing"})

	if f.scheduler.Len() != 0 {
		t.Error("node still registered")
	}
	if got := f.backend.stopCount(n.Handle); got != 1 {
		t.Errorf("expected 1 stop, got %d", got)
	}
}

func TestScheduler_ScheduleTracks_stops_stale_keys(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	tl := NewTimeline(4)
	tl[0] = []Clip{f.clip("a", 0, 0, 0, secs(5)), f.clip("b", 0, secs(1), 0, secs(5))}
	_ = f.scheduler.ScheduleTracks(tl)

	tl[0] = tl[0][:1]
	_ = f.scheduler.ScheduleTracks(tl)
	if _, ok := f.scheduler.Node("b"); ok {
		t.Error("node of deleted clip survived a full pass")
	}
	if f.scheduler.Len() != 1 {
		t.Errorf("expected 1 node, got %d", f.scheduler.Len())
	}
}

func TestScheduler_batch_failure_rolls_back(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	f.backend.startErr = errors.New("device lost")
	f.backend.okStarts = 1

	a := f.clip("a", 0, 0, 0, secs(5))
	b := f.clip("b", 1, 0, 0, secs(5))
	err := f.scheduler.RescheduleAllTracks(NewTimeline(4), []Clip{a, b})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if f.scheduler.Len() != 0 {
		t.Errorf("expected empty registry, got %v", f.scheduler.Keys())
	}
	if f.backend.stopCount(f.backend.starts[0].handle) != 1 {
		t.Error("unit started by the failed batch was not stopped")
	}
}

func TestScheduler_ScheduleTracks_joins_errors(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	tl := NewTimeline(4)
	good := f.clip("good", 0, 0, 0, secs(5))
	bad := f.clip("bad", 1, 0, 0, secs(5))
	bad.AudioID = "nope"
	tl[0] = []Clip{good}
	tl[1] = []Clip{bad}

	err := f.scheduler.ScheduleTracks(tl)
	if !errors.Is(err, ErrUnknownAudio) {
		t.Fatalf("expected ErrUnknownAudio, got %v", err)
	}
	if _, ok := f.scheduler.Node("good"); !ok {
		t.Error("healthy clip was not scheduled")
	}
}

func TestScheduler_RescheduleCheck(t *testing.T) {
	t.Run("drains ended units", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.clock.Play()
		_ = f.scheduler.ScheduleSingleTrack(f.clip("a", 0, 0, 0, secs(5)))
		n, _ := f.scheduler.Node("a")

		f.backend.ended = []UnitHandle{n.Handle}
		_ = f.scheduler.RescheduleCheck(NewTimeline(4), false)
		if f.scheduler.Len() != 0 {
			t.Error("ended node still registered")
		}
		if f.backend.stopCount(n.Handle) != 0 {
			t.Error("ended unit should not be stopped again")
		}
	})

	t.Run("stale ended report keeps replacement", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.clock.Play()
		c := f.clip("a", 0, 0, 0, secs(5))
		_ = f.scheduler.ScheduleSingleTrack(c)
		old, _ := f.scheduler.Node("a")
		_ = f.scheduler.ScheduleSingleTrack(c)

		f.backend.ended = []UnitHandle{old.Handle}
		_ = f.scheduler.RescheduleCheck(NewTimeline(4), false)
		if _, ok := f.scheduler.Node("a"); !ok {
			t.Error("replacement node removed by a stale report")
		}
	})

	t.Run("prunes elapsed nodes", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.clock.Play()
		_ = f.scheduler.ScheduleSingleTrack(f.clip("a", 0, 0, 0, secs(1)))
		f.clock.SetMicros(secs(2))
		_ = f.scheduler.RescheduleCheck(NewTimeline(4), false)
		if f.scheduler.Len() != 0 {
			t.Error("elapsed node still registered")
		}
	})

	t.Run("rebuilds after wrap", func(t *testing.T) {
		f := newSchedulerFixture(t)
		f.clock.Play()
		tl := NewTimeline(4)
		tl[0] = []Clip{f.clip("a", 0, 0, 0, secs(5))}
		_ = f.scheduler.ScheduleTracks(tl)
		before, _ := f.scheduler.Node("a")

		f.clock.SetMicros(secs(0.5))
		if err := f.scheduler.RescheduleCheck(tl, true); err != nil {
			t.Fatalf("RescheduleCheck: %v", err)
		}
		after, ok := f.scheduler.Node("a")
		if !ok || after.Handle == before.Handle {
			t.Fatal("expected a fresh node after wrap")
		}
		if !approx(after.TrimIn, 0.5) {
			t.Errorf("expected trimIn 0.5, got %v", after.TrimIn)
		}
	})
}

func TestScheduler_bus_routing(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	routed, _ := f.bank.Register(AudioDetails{MixerChannel: 3}, constBuffer(5, 1000, 0.1))

	tests := []struct {
		name string
		clip Clip
		bus  int
	}{
		{"by track", f.clip("t1", 1, 0, 0, secs(1)), 2},
		{"by buffer channel", Clip{AudioID: routed, TrackNumber: 0, ScheduledKey: "b3", EndOffsetMicros: secs(1)}, 3},
		{"track beyond graph", f.clip("t9", 9, 0, 0, secs(1)), MasterChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.scheduler.ScheduleSingleTrack(tt.clip); err != nil {
				t.Fatalf("ScheduleSingleTrack: %v", err)
			}
			n, _ := f.scheduler.Node(tt.clip.ScheduledKey)
			if n.Bus != tt.bus || f.backend.bus[n.Handle] != tt.bus {
				t.Errorf("expected bus %d, got %d", tt.bus, n.Bus)
			}
		})
	}
}

func TestScheduler_RemoveScheduledAudioInstances(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	other, _ := f.bank.Register(AudioDetails{}, constBuffer(5, 1000, 0.1))
	_ = f.scheduler.ScheduleSingleTrack(f.clip("a", 0, 0, 0, secs(1)))
	_ = f.scheduler.ScheduleSingleTrack(Clip{AudioID: other, ScheduledKey: "o", EndOffsetMicros: secs(1)})

	f.scheduler.RemoveScheduledAudioInstances(f.audioID)
	if _, ok := f.scheduler.Node("a"); ok {
		t.Error("node of retired audio survived")
	}
	if _, ok := f.scheduler.Node("o"); !ok {
		t.Error("node of other audio removed")
	}
}

func TestScheduler_SetClipParam(t *testing.T) {
	f := newSchedulerFixture(t)
	f.clock.Play()
	_ = f.scheduler.ScheduleSingleTrack(f.clip("a", 0, 0, 0, secs(1)))
	n, _ := f.scheduler.Node("a")

	if err := f.scheduler.SetClipParam("a", ClipFieldGain, 5); err != nil {
		t.Fatalf("SetClipParam: %v", err)
	}
	if v, _ := f.backend.lastParam(ParamAddress{Unit: n.Handle, Param: ParamGain}); v != MaxGain {
		t.Errorf("expected clamped gain %v, got %v", MaxGain, v)
	}
	if err := f.scheduler.SetClipParam("missing", ClipFieldGain, 1); !errors.Is(err, ErrUnknownClip) {
		t.Errorf("expected ErrUnknownClip, got %v", err)
	}
}
