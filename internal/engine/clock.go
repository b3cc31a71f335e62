package engine

import (
	"time"
)

// DefaultLoopEndMicros is the loop end used when none is configured.
const DefaultLoopEndMicros = 300 * SecToMicros

// PlaybackStatus is the transport state.
type PlaybackStatus int

const (
	Paused PlaybackStatus = iota
	Playing
)

func (s PlaybackStatus) String() string {
	if s == Playing {
		return "playing"
	}
	return "paused"
}

// TimeRange is a half-open [StartMicros, EndMicros) span on the timeline.
type TimeRange struct {
	StartMicros int64 `json:"start_micros"`
	EndMicros   int64 `json:"end_micros"`
}

// Valid reports whether the range is non-empty and non-negative.
func (r TimeRange) Valid() bool {
	return r.StartMicros >= 0 && r.EndMicros > r.StartMicros
}

// LoopEvent is returned by Tick when playback wrapped.
type LoopEvent struct {
	// Laps counts the boundaries crossed by one tick; normally 1.
	Laps         int   `json:"laps"`
	LoopStart    int64 `json:"loop_start_micros"`
	LoopEnd      int64 `json:"loop_end_micros"`
	ResumeMicros int64 `json:"resume_micros"`
}

// Clock is the single source of truth for the playhead.
// It is mutated only from the engine's cooperative turn.
type Clock struct {
	now func() time.Time

	currentMicros int64
	loopEndMicros int64
	loopRegion    *TimeRange
	selection     *TimeRange
	status        PlaybackStatus
	lastTick      time.Time
}

// NewClock returns a paused clock at time zero. now is the wall time source;
// nil uses time.Now.
func NewClock(now func() time.Time, loopEndMicros int64) *Clock {
	if now == nil {
		now = time.Now
	}
	if loopEndMicros <= 0 {
		loopEndMicros = DefaultLoopEndMicros
	}
	return &Clock{now: now, loopEndMicros: loopEndMicros}
}

// Tick advances the playhead by the wall time elapsed since the previous
// tick. It reports a wrap when the advance reaches the loop end. A paused
// clock does not move.
func (c *Clock) Tick() (LoopEvent, bool) {
	now := c.now()
	if c.status != Playing {
		c.lastTick = now
		return LoopEvent{}, false
	}
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now
	if elapsed <= 0 {
		return LoopEvent{}, false
	}
	return c.advance(elapsed.Microseconds())
}

// Advance moves a playing clock forward by d without consulting wall time.
// Offline rendering drives its isolated clock this way.
func (c *Clock) Advance(d time.Duration) (LoopEvent, bool) {
	if c.status != Playing || d <= 0 {
		return LoopEvent{}, false
	}
	return c.advance(d.Microseconds())
}

func (c *Clock) advance(deltaMicros int64) (LoopEvent, bool) {
	start, end := c.LoopBounds()
	next := c.currentMicros + deltaMicros
	if next < end {
		c.currentMicros = next
		return LoopEvent{}, false
	}
	span := end - start
	over := next - end
	laps := 1 + int(over/span)
	c.currentMicros = start + over%span
	return LoopEvent{
		Laps:         laps,
		LoopStart:    start,
		LoopEnd:      end,
		ResumeMicros: c.currentMicros,
	}, true
}

// SetTimestamp jumps the playhead to seconds and reports whether the new
// position lies outside the current loop bounds. The position is stored
// as given; clamping is the caller's decision.
func (c *Clock) SetTimestamp(seconds float64) bool {
	c.currentMicros = int64(seconds * SecToMicros)
	c.lastTick = c.now()
	start, end := c.LoopBounds()
	return c.currentMicros < start || c.currentMicros >= end
}

// SetMicros jumps the playhead to an exact timeline position.
func (c *Clock) SetMicros(micros int64) {
	c.currentMicros = micros
	c.lastTick = c.now()
}

// SetLoopEnd sets the loop end used when no loop region is active.
// Non-positive values are ignored.
func (c *Clock) SetLoopEnd(micros int64) {
	if micros <= 0 {
		return
	}
	c.loopEndMicros = micros
}

// SetLoopRegion restricts playback to r. A nil or empty range removes the
// restriction.
func (c *Clock) SetLoopRegion(r *TimeRange) {
	if r == nil || !r.Valid() {
		c.loopRegion = nil
		return
	}
	region := *r
	c.loopRegion = &region
}

// SelectTimeframe sets the highlighted selection. It never changes loop
// bounds; nil only clears the highlight.
func (c *Clock) SelectTimeframe(r *TimeRange) {
	if r == nil {
		c.selection = nil
		return
	}
	sel := *r
	c.selection = &sel
}

// Selection returns the highlighted timeframe, if any.
func (c *Clock) Selection() (TimeRange, bool) {
	if c.selection == nil {
		return TimeRange{}, false
	}
	return *c.selection, true
}

// LoopRegion returns the enforced playback region, if any.
func (c *Clock) LoopRegion() (TimeRange, bool) {
	if c.loopRegion == nil {
		return TimeRange{}, false
	}
	return *c.loopRegion, true
}

// LoopBounds returns the effective [start, end) of playback.
func (c *Clock) LoopBounds() (start, end int64) {
	if c.loopRegion != nil {
		return c.loopRegion.StartMicros, c.loopRegion.EndMicros
	}
	return 0, c.loopEndMicros
}

// LoopEndMicros returns the configured loop end.
func (c *Clock) LoopEndMicros() int64 {
	return c.loopEndMicros
}

// Play starts advancing from the current position.
func (c *Clock) Play() {
	if c.status == Playing {
		return
	}
	c.status = Playing
	c.lastTick = c.now()
}

// Pause freezes the playhead.
func (c *Clock) Pause() {
	c.status = Paused
}

// Status returns the transport state.
func (c *Clock) Status() PlaybackStatus {
	return c.status
}

// Playing reports whether the transport is running.
func (c *Clock) Playing() bool {
	return c.status == Playing
}

// CurrentMicros returns the playhead position.
func (c *Clock) CurrentMicros() int64 {
	return c.currentMicros
}

// CurrentSeconds returns the playhead position in seconds.
func (c *Clock) CurrentSeconds() float64 {
	return float64(c.currentMicros) / SecToMicros
}
