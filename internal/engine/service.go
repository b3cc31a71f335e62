package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-audio/audio"
)

// Engine defaults.
const (
	DefaultTracks          = 30
	DefaultPlayheadEventHz = 30
	DefaultPumpInterval    = 16 * time.Millisecond
)

// Intent names reported to the Recorder.
const (
	IntentRegisterAudio      = "register_audio"
	IntentReplaceAudio       = "replace_audio"
	IntentRetireBuffer       = "retire_buffer"
	IntentSetBufferMix       = "set_buffer_mix"
	IntentAddClip            = "add_clip"
	IntentEditClip           = "edit_clip"
	IntentCloneClips         = "clone_clips"
	IntentDeleteClips        = "delete_clips"
	IntentSliceClips         = "slice_clips"
	IntentSelectClips        = "select_clips"
	IntentClearSelection     = "clear_selection"
	IntentTransformSelection = "transform_selection"
	IntentCommitSelection    = "commit_selection"
	IntentCancelSelection    = "cancel_selection"
	IntentSetLoopEnd         = "set_loop_end"
	IntentSetLoopRegion      = "set_loop_region"
	IntentSelectTimeframe    = "select_timeframe"
	IntentSeek               = "seek"
	IntentSetTransport       = "set_transport"
	IntentSetMixer           = "set_mixer"
	IntentAddAutomation      = "add_automation"
	IntentRemoveAutomation   = "remove_automation"
)

// Recorder receives engine counters. A nil Recorder disables them.
type Recorder interface {
	IncIntent(name string)
	IncNodesStarted()
	IncNodesStopped()
	IncLoopWraps()
	IncExports()
	ObservePump(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) IncIntent(string)          {}
func (nopRecorder) IncNodesStarted()          {}
func (nopRecorder) IncNodesStopped()          {}
func (nopRecorder) IncLoopWraps()             {}
func (nopRecorder) IncExports()               {}
func (nopRecorder) ObservePump(time.Duration) {}

type recorderObserver struct{ rec Recorder }

func (o recorderObserver) NodeStarted() { o.rec.IncNodesStarted() }
func (o recorderObserver) NodeStopped() { o.rec.IncNodesStopped() }

// Config is the engine-facing configuration. Zero values use the Default*
// constants.
type Config struct {
	MixerChannels     int
	Tracks            int
	LoopEndMicros     int64
	SampleRate        int
	Channels          int
	RenderBlockFrames int
	MeterWindow       int
	PlayheadEventHz   int
}

func (c Config) withDefaults() Config {
	if c.MixerChannels <= 0 {
		c.MixerChannels = DefaultMixerChannels
	}
	if c.Tracks <= 0 {
		c.Tracks = DefaultTracks
	}
	if c.LoopEndMicros <= 0 {
		c.LoopEndMicros = DefaultLoopEndMicros
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultOutputChannels
	}
	if c.RenderBlockFrames <= 0 {
		c.RenderBlockFrames = DefaultRenderBlockFrames
	}
	if c.MeterWindow <= 0 {
		c.MeterWindow = DefaultMeterWindow
	}
	if c.PlayheadEventHz <= 0 {
		c.PlayheadEventHz = DefaultPlayheadEventHz
	}
	return c
}

// Option customises an Engine.
type Option func(*options)

type options struct {
	now   func() time.Time
	store TimelineStore
	log   *slog.Logger
	rec   Recorder
}

// WithWallClock sets the wall time source of the transport clock.
func WithWallClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTimelineStore sets the store behind the timeline repository.
func WithTimelineStore(store TimelineStore) Option {
	return func(o *options) { o.store = store }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(o *options) {
		if rec != nil {
			o.rec = rec
		}
	}
}

// Engine owns every component of one editing session. Intents and pump
// cycles are serialised by one mutex, which is the cooperative context all
// registries are mutated from.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger
	rec Recorder
	now func() time.Time

	backend    Backend
	bank       *AudioBank
	mixer      *MixerGraph
	clock      *Clock
	scheduler  *Scheduler
	selection  *MultiSelectTracker
	automation *AutomationPlayer
	timeline   *TimelineRepository
	events     *Broadcaster

	peaks        map[AudioID][]Peak
	playheadGate *throttle
	meterL       []float32
	meterR       []float32
}

// NewEngine builds the mixer graph on backend and returns a paused engine.
func NewEngine(cfg Config, backend Backend, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	o := options{now: time.Now, log: slog.Default(), rec: nopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewInMemoryTimelineStore()
	}

	mixer := NewMixerGraph(backend, o.log)
	if _, err := mixer.Initialize(cfg.MixerChannels); err != nil {
		return nil, err
	}
	bank := NewAudioBank()
	clock := NewClock(o.now, cfg.LoopEndMicros)
	scheduler := NewScheduler(backend, clock, bank, mixer, o.log)
	scheduler.SetObserver(recorderObserver{rec: o.rec})

	return &Engine{
		cfg:          cfg,
		log:          o.log,
		rec:          o.rec,
		now:          o.now,
		backend:      backend,
		bank:         bank,
		mixer:        mixer,
		clock:        clock,
		scheduler:    scheduler,
		selection:    NewMultiSelectTracker(),
		automation:   NewAutomationPlayer(graphApplier{mixer: mixer, scheduler: scheduler}, o.log),
		timeline:     NewTimelineRepositoryWithStore(o.store, cfg.Tracks),
		events:       NewBroadcaster(),
		peaks:        make(map[AudioID][]Peak),
		playheadGate: newThrottle(cfg.PlayheadEventHz),
		meterL:       make([]float32, cfg.MeterWindow),
		meterR:       make([]float32, cfg.MeterWindow),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Events returns the outbound notification hub.
func (e *Engine) Events() *Broadcaster {
	return e.events
}

func (e *Engine) logFailure(op string, err error) {
	switch {
	case errors.Is(err, ErrUnknownAudio), errors.Is(err, ErrUnknownClip),
		errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrUnknownCurve):
		e.log.Debug(op+": not found", slog.String("error", err.Error()))
	case errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrBackend):
		e.log.Error(op+" failed", slog.String("error", err.Error()))
	}
}

// Pump runs one cycle of the pipeline: clock tick, reschedule check,
// automation evaluate, then notifications.
func (e *Engine) Pump() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	began := time.Now()
	defer func() { e.rec.ObservePump(time.Since(began)) }()

	loop, wrapped := e.clock.Tick()
	var err error
	e.timeline.View(func(tl Timeline) {
		err = e.scheduler.RescheduleCheck(tl, wrapped)
	})
	current := e.clock.CurrentMicros()
	if wrapped {
		e.rec.IncLoopWraps()
		e.automation.Rearm(current)
		e.events.Publish(Event{Type: EventLoopWrap, Micros: current, Loop: &loop})
	}
	e.automation.Evaluate(current)
	e.notifyLocked(current)

	if err != nil {
		e.logFailure("pump", err)
	}
	return err
}

func (e *Engine) notifyLocked(current int64) {
	if e.events.Len() == 0 || !e.clock.Playing() || !e.playheadGate.allow(e.now()) {
		return
	}
	e.events.Publish(Event{Type: EventPlayhead, Micros: current})
	// Subscribers read Meters after Publish returns, so each event owns its
	// slice. The sample buffers are the reused ones.
	meters := make([]MeterLevel, 0, e.mixer.ChannelCount()+1)
	for ch := MasterChannel; ch <= e.mixer.ChannelCount(); ch++ {
		l, r, err := e.mixer.GetMeterSample(ch, e.meterL, e.meterR)
		if err != nil {
			continue
		}
		meters = append(meters, MeterLevel{Channel: ch, Left: l, Right: r})
	}
	e.events.Publish(Event{Type: EventMeter, Micros: current, Meters: meters})
}

// Run pumps on a ticker until ctx is cancelled. Failed cycles are logged by
// Pump and do not stop the loop.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPumpInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.Pump()
		}
	}
}

// commit runs edit on a copy of the timeline. The copy is stored only when
// edit, which performs the scheduling, succeeds.
func (e *Engine) commit(op string, edit func(Timeline) (Timeline, error)) error {
	e.rec.IncIntent(op)
	err := e.timeline.Update(edit)
	if err != nil {
		e.logFailure(op, err)
	}
	return err
}

// ---- Audio Bank intents ----

// RegisterAudio adds a decoded buffer to the bank.
func (e *Engine) RegisterAudio(details AudioDetails, buf *audio.Float32Buffer) (AudioID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentRegisterAudio)
	if details.MixerChannel < 0 || details.MixerChannel > e.mixer.ChannelCount() {
		return "", fmt.Errorf("%w: %d", ErrUnknownChannel, details.MixerChannel)
	}
	id, err := e.bank.Register(details, buf)
	if err != nil {
		return "", err
	}
	e.log.Info("audio registered",
		slog.String("audio_id", string(id)),
		slog.String("name", details.Name),
		slog.Int64("duration_micros", e.bank.DurationMicros(id)))
	return id, nil
}

// ReplaceAudio swaps the sample data of id, re-fits every clip using it to
// the new length and restarts their nodes. When scheduling fails the old
// buffer and the timeline are kept.
func (e *Engine) ReplaceAudio(id AudioID, buf *audio.Float32Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentReplaceAudio)

	prev := e.bank.GetBuffer(id)
	if err := e.bank.Update(id, buf); err != nil {
		return err
	}
	var refitted []Clip
	err := e.timeline.Update(func(tl Timeline) (Timeline, error) {
		for t, track := range tl {
			for i, c := range track {
				if c.AudioID != id {
					continue
				}
				fitted, err := e.fitClip(c)
				if err != nil {
					return nil, err
				}
				tl[t][i] = fitted
				refitted = append(refitted, fitted)
			}
		}
		if len(refitted) == 0 {
			return tl, nil
		}
		return tl, e.scheduler.RescheduleAllTracks(tl, refitted)
	})
	if err != nil {
		_ = e.bank.Update(id, prev)
		e.logFailure(IntentReplaceAudio, err)
		return err
	}
	delete(e.peaks, id)

	dur := e.bank.DurationMicros(id)
	for _, c := range refitted {
		if e.selection.Contains(c.ScheduledKey) {
			e.selection.BeginSelection(c, dur)
		}
	}
	return nil
}

// rescheduleAudioLocked restarts the nodes of every clip playing id.
func (e *Engine) rescheduleAudioLocked(id AudioID) error {
	var err error
	e.timeline.View(func(tl Timeline) {
		var affected []Clip
		for _, track := range tl {
			for _, c := range track {
				if c.AudioID == id {
					affected = append(affected, c)
				}
			}
		}
		if len(affected) > 0 {
			err = e.scheduler.RescheduleAllTracks(tl, affected)
		}
	})
	return err
}

// RetireBuffer removes a buffer and everything that refers to it: live
// nodes first, then the selection, the cached peaks, the clips and finally
// the bank entry.
func (e *Engine) RetireBuffer(id AudioID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentRetireBuffer)

	if _, ok := e.bank.Get(id); !ok {
		return ErrUnknownAudio
	}
	e.scheduler.RemoveScheduledAudioInstances(id)
	e.selection.RemoveAudio(id)
	delete(e.peaks, id)

	var removed []Clip
	_ = e.timeline.Update(func(tl Timeline) (Timeline, error) {
		next, gone := tl.RemoveAudio(id)
		removed = gone
		return next, nil
	})
	keys := make([]ScheduledKey, 0, len(removed))
	for _, c := range removed {
		keys = append(keys, c.ScheduledKey)
	}
	e.automation.RemoveClipTargets(keys)

	e.bank.Unregister(id)
	e.log.Info("audio retired",
		slog.String("audio_id", string(id)),
		slog.Int("clips_removed", len(removed)))
	return nil
}

// BufferMix is a partial update of a buffer's defaults.
type BufferMix struct {
	Gain         *float64 `json:"gain,omitempty"`
	Pan          *float64 `json:"pan,omitempty"`
	MixerChannel *int     `json:"mixer_channel,omitempty"`
}

// SetBufferMix changes a buffer's default gain, pan or bus. Live nodes pick
// up gain and pan at once; a bus change restarts them on the new bus.
func (e *Engine) SetBufferMix(id AudioID, mix BufferMix) (BufferEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSetBufferMix)

	entry, ok := e.bank.Get(id)
	if !ok {
		return BufferEntry{}, ErrUnknownAudio
	}
	if mix.MixerChannel != nil && (*mix.MixerChannel < 0 || *mix.MixerChannel > e.mixer.ChannelCount()) {
		return BufferEntry{}, fmt.Errorf("%w: %d", ErrUnknownChannel, *mix.MixerChannel)
	}
	if mix.Gain != nil {
		_ = e.bank.SetGain(id, *mix.Gain)
	}
	if mix.Pan != nil {
		_ = e.bank.SetPan(id, *mix.Pan)
	}
	entry, _ = e.bank.Get(id)
	e.scheduler.ApplyAudioMix(id, entry.Gain, entry.Pan)

	if mix.MixerChannel != nil && *mix.MixerChannel != entry.Details.MixerChannel {
		_ = e.bank.SetMixerChannel(id, *mix.MixerChannel)
		entry, _ = e.bank.Get(id)
		if err := e.rescheduleAudioLocked(id); err != nil {
			e.logFailure(IntentSetBufferMix, err)
			return entry, err
		}
	}
	return entry, nil
}

// Peaks returns the waveform of id at the given resolution, caching the
// last result per buffer.
func (e *Engine) Peaks(id AudioID, buckets int) ([]Peak, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := e.bank.GetBuffer(id)
	if buf == nil {
		return nil, ErrUnknownAudio
	}
	if buckets <= 0 {
		buckets = DefaultPeakBuckets
	}
	if p, ok := e.peaks[id]; ok && len(p) == min(buckets, buf.NumFrames()) {
		return p, nil
	}
	p := computePeaks(buf, buckets)
	e.peaks[id] = p
	return p, nil
}

// Buffer returns the bank entry of id.
func (e *Engine) Buffer(id AudioID) (BufferEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bank.Get(id)
}

// ---- Timeline intents ----

// fitClip clamps the geometry of c to its buffer.
func (e *Engine) fitClip(c Clip) (Clip, error) {
	dur := e.bank.DurationMicros(c.AudioID)
	if dur == 0 {
		return c, fmt.Errorf("clip audio %s: %w", c.AudioID, ErrUnknownAudio)
	}
	if c.EndOffsetMicros == 0 || c.EndOffsetMicros > dur {
		c.EndOffsetMicros = dur
	}
	c.OffsetMicros = max(0, c.OffsetMicros)
	c.StartOffsetMicros = clampMicros(c.StartOffsetMicros, 0, max(0, dur-MinClipWidthMicros))
	c.EndOffsetMicros = clampMicros(c.EndOffsetMicros, min(dur, c.StartOffsetMicros+MinClipWidthMicros), dur)
	return c, nil
}

func clampMicros(v, lo, hi int64) int64 {
	return min(max(v, lo), hi)
}

// AddClip places a clip on the timeline and schedules it. An EndOffsetMicros
// of zero plays the buffer to its end.
func (e *Engine) AddClip(c Clip) (Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var added Clip
	err := e.commit(IntentAddClip, func(tl Timeline) (Timeline, error) {
		fitted, err := e.fitClip(c)
		if err != nil {
			return nil, err
		}
		fitted.Selected = false
		next, clip, err := tl.AddClip(fitted)
		if err != nil {
			return nil, err
		}
		if err := e.scheduler.ScheduleSingleTrack(clip); err != nil {
			return nil, err
		}
		added = clip
		return next, nil
	})
	return added, err
}

// ClipEdit is a partial geometry update of one clip.
type ClipEdit struct {
	OffsetMicros      *int64 `json:"offset_micros,omitempty"`
	StartOffsetMicros *int64 `json:"start_offset_micros,omitempty"`
	EndOffsetMicros   *int64 `json:"end_offset_micros,omitempty"`
	TrackNumber       *int   `json:"track_number,omitempty"`
}

// EditClip moves, trims or re-tracks one clip and reschedules only it.
func (e *Engine) EditClip(key ScheduledKey, edit ClipEdit) (Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var edited Clip
	err := e.commit(IntentEditClip, func(tl Timeline) (Timeline, error) {
		c, ok := tl.Clip(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownClip, key)
		}
		if edit.OffsetMicros != nil {
			c.OffsetMicros = *edit.OffsetMicros
		}
		if edit.StartOffsetMicros != nil {
			c.StartOffsetMicros = *edit.StartOffsetMicros
		}
		if edit.EndOffsetMicros != nil {
			c.EndOffsetMicros = max(1, *edit.EndOffsetMicros)
		}
		c, err := e.fitClip(c)
		if err != nil {
			return nil, err
		}

		next := tl
		if edit.TrackNumber != nil {
			if next, _, err = next.MoveToTrack(key, *edit.TrackNumber); err != nil {
				return nil, err
			}
		}
		next, c, err = next.SetOffset(key, c.OffsetMicros, c.StartOffsetMicros, c.EndOffsetMicros)
		if err != nil {
			return nil, err
		}
		if err := e.scheduler.RescheduleAllTracks(next, []Clip{c}); err != nil {
			return nil, err
		}
		e.selection.Refresh(c)
		edited = c
		return next, nil
	})
	return edited, err
}

// MoveClip sets the timeline offset of one clip.
func (e *Engine) MoveClip(key ScheduledKey, offsetMicros int64) (Clip, error) {
	return e.EditClip(key, ClipEdit{OffsetMicros: &offsetMicros})
}

// ResizeClip sets the trim window of one clip.
func (e *Engine) ResizeClip(key ScheduledKey, startMicros, endMicros int64) (Clip, error) {
	return e.EditClip(key, ClipEdit{StartOffsetMicros: &startMicros, EndOffsetMicros: &endMicros})
}

// CloneClips duplicates clips under new keys and schedules the copies.
func (e *Engine) CloneClips(keys []ScheduledKey) ([]Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var clones []Clip
	err := e.commit(IntentCloneClips, func(tl Timeline) (Timeline, error) {
		next, cl, err := tl.CloneClips(keys)
		if err != nil {
			return nil, err
		}
		if err := e.scheduler.RescheduleAllTracks(next, cl); err != nil {
			return nil, err
		}
		clones = cl
		return next, nil
	})
	return clones, err
}

// CloneClip duplicates one clip.
func (e *Engine) CloneClip(key ScheduledKey) (Clip, error) {
	clones, err := e.CloneClips([]ScheduledKey{key})
	if err != nil {
		return Clip{}, err
	}
	return clones[0], nil
}

// DeleteClips removes clips, their nodes, selection entries and clip
// automation.
func (e *Engine) DeleteClips(keys []ScheduledKey) ([]Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []Clip
	err := e.commit(IntentDeleteClips, func(tl Timeline) (Timeline, error) {
		next, gone, err := tl.DeleteClips(keys)
		if err != nil {
			return nil, err
		}
		e.scheduler.RemoveScheduledTracksFromScheduledKeys(keys)
		for _, k := range keys {
			e.selection.Deselect(k)
		}
		e.automation.RemoveClipTargets(keys)
		removed = gone
		return next, nil
	})
	return removed, err
}

// DeleteClip removes one clip.
func (e *Engine) DeleteClip(key ScheduledKey) (Clip, error) {
	removed, err := e.DeleteClips([]ScheduledKey{key})
	if err != nil {
		return Clip{}, err
	}
	return removed[0], nil
}

// SliceClipsAt cuts every clip on tracks [startTrack, endTrack] at atMicros
// and reschedules both pieces of each cut.
func (e *Engine) SliceClipsAt(startTrack, endTrack int, atMicros int64) ([]Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var changed []Clip
	err := e.commit(IntentSliceClips, func(tl Timeline) (Timeline, error) {
		next, ch, err := tl.SliceAt(startTrack, endTrack, atMicros)
		if err != nil {
			return nil, err
		}
		if len(ch) == 0 {
			return next, nil
		}
		if err := e.scheduler.RescheduleAllTracks(next, ch); err != nil {
			return nil, err
		}
		for _, c := range ch {
			e.selection.Refresh(c)
		}
		changed = ch
		return next, nil
	})
	return changed, err
}

// Timeline returns a copy of the canonical timeline.
func (e *Engine) Timeline() Timeline {
	return e.timeline.Snapshot()
}

// ---- Selection intents ----

// SelectClips adds clips to the selection, replacing it unless additive.
// Unknown keys are skipped; ErrUnknownClip is returned only when none of
// the keys exist.
func (e *Engine) SelectClips(keys []ScheduledKey, additive bool) ([]ScheduledKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.commit(IntentSelectClips, func(tl Timeline) (Timeline, error) {
		found := make([]ScheduledKey, 0, len(keys))
		for _, k := range keys {
			if _, ok := tl.Clip(k); ok {
				found = append(found, k)
			}
		}
		if len(found) == 0 && len(keys) > 0 {
			return nil, ErrUnknownClip
		}
		next := tl
		if !additive {
			e.selection.ClearSelection()
			next = next.MarkSelection(nil, false)
		}
		next = next.MarkSelection(found, true)
		for _, k := range found {
			c, _ := next.Clip(k)
			e.selection.BeginSelection(c, e.bank.DurationMicros(c.AudioID))
		}
		return next, nil
	})
	return e.selection.Keys(), err
}

// SelectClip is SelectClips for one key.
func (e *Engine) SelectClip(key ScheduledKey, additive bool) ([]ScheduledKey, error) {
	return e.SelectClips([]ScheduledKey{key}, additive)
}

// ClearSelection empties the selection.
func (e *Engine) ClearSelection() {
	e.mu.Lock()
	defer e.mu.Unlock()

	_ = e.commit(IntentClearSelection, func(tl Timeline) (Timeline, error) {
		e.selection.ClearSelection()
		return tl.MarkSelection(nil, false), nil
	})
}

// TransformKind is the staged drag kind of a selection transform.
type TransformKind string

const (
	TransformMove        TransformKind = "move"
	TransformResizeStart TransformKind = "resize_start"
	TransformResizeEnd   TransformKind = "resize_end"
)

// TransformSelection stages a drag delta on the selection and returns the
// geometry it would commit. The timeline is not touched.
func (e *Engine) TransformSelection(kind TransformKind, deltaMicros int64) (SelectionTransform, []TransformedClip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentTransformSelection)

	if e.selection.Len() == 0 {
		return SelectionTransform{}, nil, fmt.Errorf("%w: empty selection", ErrInvalidRequest)
	}
	var p SelectionTransform
	switch kind {
	case TransformMove:
		p = e.selection.ApplyTransformationToMultipleSelectedTracks(deltaMicros)
	case TransformResizeStart:
		p = e.selection.ApplyResizingStartToMultipleSelectedTracks(deltaMicros)
	case TransformResizeEnd:
		p = e.selection.ApplyResizingEndToMultipleSelectedTracks(deltaMicros)
	default:
		return SelectionTransform{}, nil, fmt.Errorf("%w: transform kind %q", ErrInvalidRequest, kind)
	}
	return p, e.selection.GetNewPositionForMultipleSelectedTracks(), nil
}

// CommitSelection writes the staged transform to every selected clip at
// once and delta-reschedules them. On failure nothing lands and the staged
// transform is kept.
func (e *Engine) CommitSelection() ([]Clip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.selection.Pending().IsZero() {
		e.rec.IncIntent(IntentCommitSelection)
		return nil, nil
	}
	moved := e.selection.GetNewPositionForMultipleSelectedTracks()
	keys := make([]ScheduledKey, len(moved))
	offsets := make([]int64, len(moved))
	starts := make([]int64, len(moved))
	ends := make([]int64, len(moved))
	for i, m := range moved {
		keys[i] = m.Key
		offsets[i] = m.FinalPosition
		starts[i] = m.FinalScrollLeft
		ends[i] = m.FinalScrollLeft + m.FinalWidth
	}

	var changed []Clip
	err := e.commit(IntentCommitSelection, func(tl Timeline) (Timeline, error) {
		next, ch, err := tl.SetMultipleOffsets(keys, offsets, starts, ends)
		if err != nil {
			return nil, err
		}
		if err := e.scheduler.RescheduleAllTracks(next, ch); err != nil {
			return nil, err
		}
		changed = ch
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	e.selection.Reset()
	for _, c := range changed {
		e.selection.Refresh(c)
	}
	return changed, nil
}

// CancelSelection discards the staged transform.
func (e *Engine) CancelSelection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentCancelSelection)
	e.selection.Cancel()
}

// ---- Transport intents ----

// restartLocked rebuilds every node from the current playhead.
func (e *Engine) restartLocked(op string) error {
	e.scheduler.RemoveAllScheduledTracks()
	var err error
	e.timeline.View(func(tl Timeline) {
		err = e.scheduler.ScheduleTracks(tl)
	})
	e.automation.Rearm(e.clock.CurrentMicros())
	if err != nil {
		e.logFailure(op, err)
	}
	return err
}

// keepInBoundsLocked moves the playhead to the loop start when it lies
// outside the loop bounds.
func (e *Engine) keepInBoundsLocked() {
	start, end := e.clock.LoopBounds()
	if cur := e.clock.CurrentMicros(); cur < start || cur >= end {
		e.clock.SetMicros(start)
	}
}

// SetLoopEnd changes where playback wraps when no loop region is set. Values
// shorter than MinClipWidthMicros are clamped up to it.
func (e *Engine) SetLoopEnd(micros int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSetLoopEnd)
	if micros < MinClipWidthMicros {
		e.log.Warn("loop end clamped",
			slog.Int64("requested_micros", micros),
			slog.Int64("micros", MinClipWidthMicros))
		micros = MinClipWidthMicros
	}
	e.clock.SetLoopEnd(micros)
	e.keepInBoundsLocked()
	return e.restartLocked(IntentSetLoopEnd)
}

// SetLoopRegion restricts playback to r; nil removes the restriction. A
// negative start, reversed bounds or a span under MinClipWidthMicros are
// clamped into a valid region.
func (e *Engine) SetLoopRegion(r *TimeRange) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSetLoopRegion)
	if r != nil {
		fixed := clampRegion(*r)
		if fixed != *r {
			e.log.Warn("loop region clamped",
				slog.Int64("requested_start_micros", r.StartMicros),
				slog.Int64("requested_end_micros", r.EndMicros),
				slog.Int64("start_micros", fixed.StartMicros),
				slog.Int64("end_micros", fixed.EndMicros))
		}
		r = &fixed
	}
	e.clock.SetLoopRegion(r)
	e.keepInBoundsLocked()
	return e.restartLocked(IntentSetLoopRegion)
}

func clampRegion(r TimeRange) TimeRange {
	if r.EndMicros < r.StartMicros {
		r.StartMicros, r.EndMicros = r.EndMicros, r.StartMicros
	}
	r.StartMicros = max(0, r.StartMicros)
	r.EndMicros = max(r.EndMicros, r.StartMicros+MinClipWidthMicros)
	return r
}

// SelectTimeframe sets the highlighted range without touching loop bounds.
func (e *Engine) SelectTimeframe(r *TimeRange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSelectTimeframe)
	e.clock.SelectTimeframe(r)
}

// SeekTo jumps the playhead. A position outside the loop bounds is clamped
// to the loop start. Every node restarts from the new position.
func (e *Engine) SeekTo(seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSeek)

	if outside := e.clock.SetTimestamp(seconds); outside {
		start, _ := e.clock.LoopBounds()
		e.log.Warn("seek outside loop bounds, clamped",
			slog.Float64("seconds", seconds),
			slog.Int64("clamped_micros", start))
		e.clock.SetMicros(start)
	}
	err := e.restartLocked(IntentSeek)
	e.events.Publish(Event{Type: EventPlayhead, Micros: e.clock.CurrentMicros()})
	return err
}

// SetTransportStatus starts or pauses playback. Pausing stops every node;
// playing schedules the whole timeline from the playhead.
func (e *Engine) SetTransportStatus(status PlaybackStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSetTransport)

	var err error
	switch status {
	case Playing:
		if e.clock.Playing() {
			return nil
		}
		e.clock.Play()
		err = e.restartLocked(IntentSetTransport)
	case Paused:
		e.clock.Pause()
		e.scheduler.RemoveAllScheduledTracks()
	default:
		return fmt.Errorf("%w: transport status %d", ErrInvalidRequest, int(status))
	}
	e.events.Publish(Event{Type: EventTransport, Micros: e.clock.CurrentMicros(), Status: e.clock.Status().String()})
	return err
}

// ---- Mixer intents ----

// SetMixerGain sets a bus gain, clamped to [MinGain, MaxGain].
func (e *Engine) SetMixerGain(channel int, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSetMixer)
	return e.mixer.SetGain(channel, value)
}

// SetMixerPan sets a bus pan, clamped to [MinPan, MaxPan].
func (e *Engine) SetMixerPan(channel int, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentSetMixer)
	return e.mixer.SetPan(channel, value)
}

// MixerChannel returns the values of one bus.
func (e *Engine) MixerChannel(channel int) (MixerChannel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mixer.Channel(channel)
}

// Meter returns the current RMS levels of one bus.
func (e *Engine) Meter(channel int) (MeterLevel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, r, err := e.mixer.GetMeterSample(channel, e.meterL, e.meterR)
	if err != nil {
		return MeterLevel{}, err
	}
	return MeterLevel{Channel: channel, Left: l, Right: r}, nil
}

// ---- Automation intents ----

// AddAutomation registers a curve and applies it at once when it covers the
// playhead.
func (e *Engine) AddAutomation(c AutomationCurve) (CurveID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentAddAutomation)

	if c.Target.Kind != ParamClip && c.Target.Channel > e.mixer.ChannelCount() {
		return "", fmt.Errorf("%w: %d", ErrUnknownChannel, c.Target.Channel)
	}
	id, err := e.automation.Add(c)
	if err != nil {
		return "", err
	}
	e.automation.Rearm(e.clock.CurrentMicros())
	e.automation.Evaluate(e.clock.CurrentMicros())
	return id, nil
}

// RemoveAutomation deletes a curve. Unknown ids are ignored.
func (e *Engine) RemoveAutomation(id CurveID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.IncIntent(IntentRemoveAutomation)
	e.automation.Remove(id)
}

// ---- Status ----

// Status is a point-in-time summary of the session.
type Status struct {
	Transport        string     `json:"transport"`
	CurrentMicros    int64      `json:"current_micros"`
	LoopStartMicros  int64      `json:"loop_start_micros"`
	LoopEndMicros    int64      `json:"loop_end_micros"`
	LoopRegion       *TimeRange `json:"loop_region,omitempty"`
	Selection        *TimeRange `json:"selection,omitempty"`
	ActiveNodes      int        `json:"active_nodes"`
	Buffers          int        `json:"buffers"`
	Clips            int        `json:"clips"`
	Tracks           int        `json:"tracks"`
	MixerChannels    int        `json:"mixer_channels"`
	Curves           int        `json:"curves"`
	ActiveCurves     int        `json:"active_curves"`
	SelectedClips    int        `json:"selected_clips"`
	PendingTransform bool       `json:"pending_transform"`
	Revision         uint64     `json:"revision"`
}

// Status returns the session summary.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	start, end := e.clock.LoopBounds()
	st := Status{
		Transport:        e.clock.Status().String(),
		CurrentMicros:    e.clock.CurrentMicros(),
		LoopStartMicros:  start,
		LoopEndMicros:    end,
		ActiveNodes:      e.scheduler.Len(),
		Buffers:          e.bank.Len(),
		Tracks:           e.timeline.Tracks(),
		MixerChannels:    e.mixer.ChannelCount(),
		Curves:           e.automation.Len(),
		ActiveCurves:     e.automation.Active(),
		SelectedClips:    e.selection.Len(),
		PendingTransform: !e.selection.Pending().IsZero(),
		Revision:         e.timeline.Revision(),
	}
	if r, ok := e.clock.LoopRegion(); ok {
		st.LoopRegion = &r
	}
	if r, ok := e.clock.Selection(); ok {
		st.Selection = &r
	}
	e.timeline.View(func(tl Timeline) { st.Clips = tl.Len() })
	return st
}

// ActiveNodes returns the number of live playback nodes.
func (e *Engine) ActiveNodes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.Len()
}

// Node returns the live node of key.
func (e *Engine) Node(key ScheduledKey) (ScheduledNode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.Node(key)
}

// ---- Export ----

// Export renders the session from zero to the loop end on an isolated
// graph. Live scheduling continues while it runs.
func (e *Engine) Export(ctx context.Context) (*audio.Float32Buffer, error) {
	e.mu.Lock()
	session := offlineSession{
		timeline:      e.timeline.Snapshot(),
		bank:          e.bank.Clone(),
		mixer:         e.mixer.Snapshot(),
		curves:        e.automation.Curves(),
		loopEndMicros: e.clock.LoopEndMicros(),
		channels:      e.mixer.ChannelCount(),
		sampleRate:    e.cfg.SampleRate,
		outChannels:   e.cfg.Channels,
		blockFrames:   e.cfg.RenderBlockFrames,
	}
	e.mu.Unlock()

	began := time.Now()
	buf, err := renderOffline(ctx, session, e.log)
	if err != nil {
		e.log.Error("export failed", slog.String("error", err.Error()))
		return nil, err
	}
	e.rec.IncExports()
	e.log.Info("export rendered",
		slog.Int("frames", buf.NumFrames()),
		slog.Int("sample_rate", buf.Format.SampleRate),
		slog.Duration("took", time.Since(began)))
	return buf, nil
}
