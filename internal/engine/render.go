package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-audio/audio"
)

// offlineSession is everything an export needs, captured from the live engine
// in one turn. Nothing in it is shared with live scheduling state.
type offlineSession struct {
	timeline      Timeline
	bank          *AudioBank
	mixer         []MixerChannel
	curves        []AutomationCurve
	loopEndMicros int64
	channels      int

	sampleRate  int
	outChannels int
	blockFrames int
}

// renderOffline plays the session from zero to the loop end into a buffer on
// an isolated backend, mixer graph, clock and scheduler, driving the same
// pump pipeline as live playback on a virtual clock.
func renderOffline(ctx context.Context, s offlineSession, log *slog.Logger) (*audio.Float32Buffer, error) {
	backend := NewSoftwareBackend(SoftwareBackendConfig{
		SampleRate: s.sampleRate,
		Channels:   s.outChannels,
	})
	mixer := NewMixerGraph(backend, log)
	if _, err := mixer.Initialize(s.channels); err != nil {
		return nil, err
	}
	if err := mixer.ApplySnapshot(s.mixer); err != nil {
		return nil, err
	}

	clock := NewClock(func() time.Time { return time.Time{} }, s.loopEndMicros)
	clock.Play()
	scheduler := NewScheduler(backend, clock, s.bank, mixer, log)
	automation := NewAutomationPlayer(graphApplier{mixer: mixer, scheduler: scheduler}, log)
	for _, c := range s.curves {
		if _, err := automation.Add(c); err != nil {
			return nil, err
		}
	}

	if err := scheduler.ScheduleTracks(s.timeline); err != nil {
		return nil, err
	}
	automation.Evaluate(0)

	sr := int64(backend.SampleRate())
	total := (sr*s.loopEndMicros + SecToMicros - 1) / SecToMicros
	block := int64(s.blockFrames)
	if block <= 0 {
		block = DefaultRenderBlockFrames
	}

	nch := backend.Channels()
	out := &audio.Float32Buffer{
		Format:         &audio.Format{NumChannels: nch, SampleRate: int(sr)},
		Data:           make([]float32, total*int64(nch)),
		SourceBitDepth: 32,
	}

	for rendered := int64(0); rendered < total; {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("export cancelled: %w", err)
		}
		n := min(block, total-rendered)
		chunk := backend.Render(int(n))
		copy(out.Data[rendered*int64(nch):], chunk.Data)
		rendered += n

		target := rendered * SecToMicros / sr
		if _, wrapped := clock.Advance(time.Duration(target-clock.CurrentMicros()) * time.Microsecond); wrapped {
			break
		}
		if err := scheduler.RescheduleCheck(s.timeline, false); err != nil {
			return nil, err
		}
		automation.Evaluate(clock.CurrentMicros())
	}

	scheduler.RemoveAllScheduledTracks()
	return out, nil
}
