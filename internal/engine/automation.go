package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ControlPoint is one vertex of an automation curve. TimeMicros is relative
// to the curve's OffsetMicros.
type ControlPoint struct {
	TimeMicros int64   `json:"time_micros"`
	Value      float64 `json:"value"`
}

// AutomationCurve is a piecewise-linear parameter track bound to one target.
type AutomationCurve struct {
	ID                CurveID        `json:"id"`
	Target            ParamTarget    `json:"target"`
	Points            []ControlPoint `json:"points"`
	OffsetMicros      int64          `json:"offset_micros"`
	StartOffsetMicros int64          `json:"start_offset_micros"`
	EndOffsetMicros   int64          `json:"end_offset_micros"`
}

// WindowEndMicros is the timeline position after which the curve is retired.
func (c AutomationCurve) WindowEndMicros() int64 {
	return c.OffsetMicros + (c.EndOffsetMicros - c.StartOffsetMicros)
}

func (c AutomationCurve) validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if len(c.Points) == 0 {
		return fmt.Errorf("%w: curve without points", ErrInvalidRequest)
	}
	for i := 1; i < len(c.Points); i++ {
		if c.Points[i].TimeMicros < c.Points[i-1].TimeMicros {
			return fmt.Errorf("%w: control points out of order at %d", ErrInvalidRequest, i)
		}
	}
	if c.EndOffsetMicros <= c.StartOffsetMicros {
		return fmt.Errorf("%w: empty curve window", ErrInvalidRequest)
	}
	return nil
}

// ParamApplier pushes automation values to the audio parameter a target
// names. It returns ErrUnknownClip when a clip target has no live node.
type ParamApplier interface {
	ApplyParam(target ParamTarget, value float64) error
	CancelParam(target ParamTarget)
}

type curveState struct {
	curve     AutomationCurve
	retired   bool
	hasLast   bool
	lastValue float64
}

// AutomationPlayer evaluates active curves against the playhead.
type AutomationPlayer struct {
	applier ParamApplier
	log     *slog.Logger
	curves  map[CurveID]*curveState
}

// NewAutomationPlayer returns a player with no curves.
func NewAutomationPlayer(applier ParamApplier, log *slog.Logger) *AutomationPlayer {
	if log == nil {
		log = slog.Default()
	}
	return &AutomationPlayer{
		applier: applier,
		log:     log,
		curves:  make(map[CurveID]*curveState),
	}
}

// Add registers curve and returns its id. The target kind is resolved here
// once; evaluation never inspects it again beyond dispatch.
func (p *AutomationPlayer) Add(curve AutomationCurve) (CurveID, error) {
	if err := curve.validate(); err != nil {
		return "", err
	}
	if curve.ID == "" {
		curve.ID = newCurveID()
	}
	curve.Points = append([]ControlPoint(nil), curve.Points...)
	p.curves[curve.ID] = &curveState{curve: curve}
	return curve.ID, nil
}

// Remove deletes a curve and cancels its in-flight automation. Unknown ids
// are ignored.
func (p *AutomationPlayer) Remove(id CurveID) {
	st, ok := p.curves[id]
	if !ok {
		return
	}
	if !st.retired {
		p.applier.CancelParam(st.curve.Target)
	}
	delete(p.curves, id)
}

// RemoveClipTargets deletes every curve bound to a clip in keys.
func (p *AutomationPlayer) RemoveClipTargets(keys []ScheduledKey) {
	drop := make(map[ScheduledKey]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	for id, st := range p.curves {
		if st.curve.Target.Kind != ParamClip {
			continue
		}
		if _, ok := drop[st.curve.Target.Key]; ok {
			delete(p.curves, id)
		}
	}
}

// Get returns the curve with id.
func (p *AutomationPlayer) Get(id CurveID) (AutomationCurve, bool) {
	st, ok := p.curves[id]
	if !ok {
		return AutomationCurve{}, false
	}
	return st.curve, true
}

// Curves returns every registered curve ordered by id.
func (p *AutomationPlayer) Curves() []AutomationCurve {
	out := make([]AutomationCurve, 0, len(p.curves))
	for _, id := range p.ids() {
		out = append(out, p.curves[id].curve)
	}
	return out
}

// Len returns the number of registered curves, retired ones included.
func (p *AutomationPlayer) Len() int {
	return len(p.curves)
}

// Active returns the number of curves not yet retired.
func (p *AutomationPlayer) Active() int {
	n := 0
	for _, st := range p.curves {
		if !st.retired {
			n++
		}
	}
	return n
}

func (p *AutomationPlayer) ids() []CurveID {
	ids := make([]CurveID, 0, len(p.curves))
	for id := range p.curves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Evaluate applies every active curve at currentMicros.
func (p *AutomationPlayer) Evaluate(currentMicros int64) {
	for _, id := range p.ids() {
		st := p.curves[id]
		if st.retired {
			continue
		}
		p.evaluate(st, currentMicros)
	}
}

func (p *AutomationPlayer) evaluate(st *curveState, current int64) {
	c := st.curve
	if current > c.WindowEndMicros() {
		p.applier.CancelParam(c.Target)
		st.retired = true
		st.hasLast = false
		return
	}
	if current < c.OffsetMicros {
		return
	}

	v := interpolate(c.Points, current-c.OffsetMicros)
	// Clip nodes are replaced on every reschedule, so only bus values are
	// deduplicated.
	if st.hasLast && st.lastValue == v && c.Target.Kind != ParamClip {
		return
	}
	if err := p.applier.ApplyParam(c.Target, v); err != nil {
		if errors.Is(err, ErrUnknownClip) {
			p.log.Debug("automation target not live",
				slog.String("curve_id", string(c.ID)),
				slog.String("key", string(c.Target.Key)))
		} else {
			p.log.Error("apply automation",
				slog.String("curve_id", string(c.ID)),
				slog.String("error", err.Error()))
		}
		st.hasLast = false
		return
	}
	st.hasLast = true
	st.lastValue = v
}

// Rearm revives curves whose window lies ahead of currentMicros. It runs
// after a seek or a loop wrap.
func (p *AutomationPlayer) Rearm(currentMicros int64) {
	for _, st := range p.curves {
		st.retired = currentMicros > st.curve.WindowEndMicros()
		st.hasLast = false
	}
}

// interpolate returns the curve value at t, clamped to the first and last
// points outside their span.
func interpolate(points []ControlPoint, t int64) float64 {
	if t <= points[0].TimeMicros {
		return points[0].Value
	}
	for i := 0; i+1 < len(points); i++ {
		a, b := points[i], points[i+1]
		if t < b.TimeMicros {
			frac := float64(t-a.TimeMicros) / float64(b.TimeMicros-a.TimeMicros)
			return a.Value + (b.Value-a.Value)*frac
		}
	}
	return points[len(points)-1].Value
}

// graphApplier routes curve targets to one mixer graph and scheduler pair.
type graphApplier struct {
	mixer     *MixerGraph
	scheduler *Scheduler
}

func (g graphApplier) ApplyParam(t ParamTarget, v float64) error {
	switch t.Kind {
	case ParamMixerGain:
		return g.mixer.SetGain(t.Channel, v)
	case ParamMixerPan:
		return g.mixer.SetPan(t.Channel, v)
	case ParamClip:
		return g.scheduler.SetClipParam(t.Key, t.Field, v)
	}
	return fmt.Errorf("%w: target kind %s", ErrInvalidRequest, t.Kind)
}

func (g graphApplier) CancelParam(t ParamTarget) {
	switch t.Kind {
	case ParamMixerGain:
		g.mixer.CancelAutomation(t.Channel, ParamGain)
	case ParamMixerPan:
		g.mixer.CancelAutomation(t.Channel, ParamPan)
	case ParamClip:
		g.scheduler.CancelClipParam(t.Key, t.Field)
	}
}
