package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// ScheduledNode is the live playback unit bound to one clip instance.
type ScheduledNode struct {
	Key     ScheduledKey
	AudioID AudioID
	Handle  UnitHandle
	Bus     int
	// Clip is the snapshot the node was started from.
	Clip Clip
	// StartDelay, TrimIn and Duration are the seconds passed to Backend.Start.
	StartDelay float64
	TrimIn     float64
	Duration   float64
}

// NodeObserver is told about node lifecycle transitions.
type NodeObserver interface {
	NodeStarted()
	NodeStopped()
}

type nopObserver struct{}

func (nopObserver) NodeStarted() {}
func (nopObserver) NodeStopped() {}

// Scheduler reconciles the registry of live playback nodes against what the
// timeline says should be playing or pending at the clock's current time.
// At most one node exists per ScheduledKey.
type Scheduler struct {
	backend  Backend
	clock    *Clock
	bank     *AudioBank
	mixer    *MixerGraph
	log      *slog.Logger
	observer NodeObserver

	nodes    map[ScheduledKey]*ScheduledNode
	byHandle map[UnitHandle]ScheduledKey
}

// NewScheduler returns a scheduler with an empty registry.
func NewScheduler(backend Backend, clock *Clock, bank *AudioBank, mixer *MixerGraph, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		backend:  backend,
		clock:    clock,
		bank:     bank,
		mixer:    mixer,
		log:      log,
		observer: nopObserver{},
		nodes:    make(map[ScheduledKey]*ScheduledNode),
		byHandle: make(map[UnitHandle]ScheduledKey),
	}
}

// SetObserver installs a lifecycle observer. Nil restores the no-op observer.
func (s *Scheduler) SetObserver(o NodeObserver) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// playWindow is the start parameters of a clip at the current playhead.
type playWindow struct {
	delay, trimIn, duration float64
}

// window computes when and how a clip should play relative to the playhead.
// ok is false when the clip is entirely behind the playhead or starts at or
// after the loop end.
func (s *Scheduler) window(c Clip) (playWindow, bool) {
	current := s.clock.CurrentMicros()
	dur := c.DurationMicros()
	remaining := dur - max(0, current-c.OffsetMicros)
	if remaining <= 0 {
		return playWindow{}, false
	}
	if _, end := s.clock.LoopBounds(); c.OffsetMicros >= end {
		return playWindow{}, false
	}

	distance := current - c.OffsetMicros
	ahead := float64(max(0, distance)) / SecToMicros
	return playWindow{
		delay:    float64(max(0, -distance)) / SecToMicros,
		trimIn:   float64(c.StartOffsetMicros)/SecToMicros + ahead,
		duration: float64(dur)/SecToMicros - ahead,
	}, true
}

func (s *Scheduler) busFor(c Clip) int {
	count := s.mixer.ChannelCount()
	if e, ok := s.bank.Get(c.AudioID); ok && e.Details.MixerChannel > 0 && e.Details.MixerChannel <= count {
		return e.Details.MixerChannel
	}
	if bus := c.TrackNumber + 1; bus >= 1 && bus <= count {
		return bus
	}
	return MasterChannel
}

// change is one prepared registry transition: either a fresh started node
// replacing whatever the key held, or a removal.
type change struct {
	key    ScheduledKey
	node   *ScheduledNode
	remove bool
}

// prepare starts a backend unit for c without touching the registry.
// A nil change means nothing needs to happen.
func (s *Scheduler) prepare(c Clip) (*change, error) {
	w, live := s.window(c)
	if !live {
		if _, ok := s.nodes[c.ScheduledKey]; ok {
			return &change{key: c.ScheduledKey, remove: true}, nil
		}
		return nil, nil
	}
	if !s.clock.Playing() {
		return nil, nil
	}

	entry, ok := s.bank.Get(c.AudioID)
	if !ok {
		return nil, fmt.Errorf("clip %s: %w", c.ScheduledKey, ErrUnknownAudio)
	}
	if !s.mixer.Initialized() {
		return nil, ErrNotInitialized
	}

	h, err := s.backend.CreatePlaybackUnit(entry.Buffer)
	if err != nil {
		return nil, fmt.Errorf("%w: create unit for %s: %v", ErrBackend, c.ScheduledKey, err)
	}
	bus := s.busFor(c)
	if err := s.backend.Connect(h, bus); err != nil {
		s.backend.Stop(h)
		return nil, fmt.Errorf("%w: connect %s to bus %d: %v", ErrBackend, c.ScheduledKey, bus, err)
	}
	now := s.backend.CurrentTime()
	s.backend.SetParam(ParamAddress{Unit: h, Param: ParamGain}, entry.Gain, now)
	s.backend.SetParam(ParamAddress{Unit: h, Param: ParamPan}, entry.Pan, now)
	if err := s.backend.Start(h, w.delay, w.trimIn, w.duration); err != nil {
		s.backend.Stop(h)
		return nil, fmt.Errorf("%w: start %s: %v", ErrBackend, c.ScheduledKey, err)
	}

	return &change{
		key: c.ScheduledKey,
		node: &ScheduledNode{
			Key:        c.ScheduledKey,
			AudioID:    c.AudioID,
			Handle:     h,
			Bus:        bus,
			Clip:       c,
			StartDelay: w.delay,
			TrimIn:     w.trimIn,
			Duration:   w.duration,
		},
	}, nil
}

func (s *Scheduler) commit(ch *change) {
	if ch == nil {
		return
	}
	s.remove(ch.key)
	if ch.remove {
		return
	}
	s.nodes[ch.key] = ch.node
	s.byHandle[ch.node.Handle] = ch.key
	s.observer.NodeStarted()
	s.log.Debug("node scheduled",
		slog.String("key", string(ch.key)),
		slog.Int("bus", ch.node.Bus),
		slog.Float64("delay", ch.node.StartDelay),
		slog.Float64("trim_in", ch.node.TrimIn),
		slog.Float64("duration", ch.node.Duration))
}

func (s *Scheduler) rollback(changes []*change) {
	for _, ch := range changes {
		if ch != nil && ch.node != nil {
			s.backend.Stop(ch.node.Handle)
		}
	}
}

// applyBatch starts every clip or none: on the first failure all units it
// created are stopped and the registry is left as it was.
func (s *Scheduler) applyBatch(clips []Clip) error {
	changes := make([]*change, 0, len(clips))
	for _, c := range clips {
		ch, err := s.prepare(c)
		if err != nil {
			s.rollback(changes)
			return err
		}
		changes = append(changes, ch)
	}
	for _, ch := range changes {
		s.commit(ch)
	}
	return nil
}

// ScheduleTracks reconciles the whole timeline. Nodes whose key is no longer
// on the timeline are stopped. Failures on individual clips do not stop the
// pass; they are joined into the returned error.
func (s *Scheduler) ScheduleTracks(tl Timeline) error {
	present := make(map[ScheduledKey]struct{}, tl.Len())
	var errs []error
	for _, track := range tl {
		for _, c := range track {
			present[c.ScheduledKey] = struct{}{}
			ch, err := s.prepare(c)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.commit(ch)
		}
	}
	for key := range s.nodes {
		if _, ok := present[key]; !ok {
			s.remove(key)
		}
	}
	return errors.Join(errs...)
}

// ScheduleSingleTrack schedules or restarts one clip.
func (s *Scheduler) ScheduleSingleTrack(c Clip) error {
	return s.applyBatch([]Clip{c})
}

// RescheduleAllTracks reconciles only the clips in moved when given, leaving
// every other node untouched. With no delta it falls back to a full pass.
func (s *Scheduler) RescheduleAllTracks(tl Timeline, moved []Clip) error {
	if moved == nil {
		return s.ScheduleTracks(tl)
	}
	return s.applyBatch(moved)
}

// RescheduleCheck is the per-pump step. It collects units the backend
// reported as finished, prunes nodes whose window has elapsed, and
// rebuilds from the timeline after a loop wrap.
func (s *Scheduler) RescheduleCheck(tl Timeline, wrapped bool) error {
	s.backend.DrainEnded(s.handleEnded)
	if wrapped {
		s.RemoveAllScheduledTracks()
		return s.ScheduleTracks(tl)
	}
	current := s.clock.CurrentMicros()
	for key, n := range s.nodes {
		if n.Clip.DurationMicros()-max(0, current-n.Clip.OffsetMicros) <= 0 {
			s.remove(key)
		}
	}
	return nil
}

func (s *Scheduler) handleEnded(h UnitHandle) {
	key, ok := s.byHandle[h]
	if !ok {
		return
	}
	delete(s.byHandle, h)
	if n, ok := s.nodes[key]; ok && n.Handle == h {
		delete(s.nodes, key)
		s.observer.NodeStopped()
	}
}

func (s *Scheduler) remove(key ScheduledKey) {
	n, ok := s.nodes[key]
	if !ok {
		return
	}
	s.backend.Stop(n.Handle)
	delete(s.nodes, key)
	delete(s.byHandle, n.Handle)
	s.observer.NodeStopped()
}

// RemoveTrackFromScheduledNodes stops the node of one clip, if any.
func (s *Scheduler) RemoveTrackFromScheduledNodes(c Clip) {
	s.remove(c.ScheduledKey)
}

// RemoveScheduledTracksFromScheduledKeys stops the nodes of the given keys.
func (s *Scheduler) RemoveScheduledTracksFromScheduledKeys(keys []ScheduledKey) {
	for _, key := range keys {
		s.remove(key)
	}
}

// RemoveScheduledAudioInstances stops every node playing audioID.
func (s *Scheduler) RemoveScheduledAudioInstances(audioID AudioID) {
	for key, n := range s.nodes {
		if n.AudioID == audioID {
			s.remove(key)
		}
	}
}

// RemoveAllScheduledTracks stops every running or pending node.
func (s *Scheduler) RemoveAllScheduledTracks() {
	for key := range s.nodes {
		s.remove(key)
	}
}

// Node returns a copy of the node registered for key.
func (s *Scheduler) Node(key ScheduledKey) (ScheduledNode, bool) {
	n, ok := s.nodes[key]
	if !ok {
		return ScheduledNode{}, false
	}
	return *n, true
}

// Len returns the number of live nodes.
func (s *Scheduler) Len() int {
	return len(s.nodes)
}

// Keys returns the scheduled keys in a stable order.
func (s *Scheduler) Keys() []ScheduledKey {
	keys := make([]ScheduledKey, 0, len(s.nodes))
	for k := range s.nodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// SetClipParam applies a per-clip parameter to the live node of key.
func (s *Scheduler) SetClipParam(key ScheduledKey, field ClipField, value float64) error {
	n, ok := s.nodes[key]
	if !ok {
		return ErrUnknownClip
	}
	addr := ParamAddress{Unit: n.Handle}
	switch field {
	case ClipFieldGain:
		addr.Param = ParamGain
		value = clamp(value, MinGain, MaxGain)
	case ClipFieldPan:
		addr.Param = ParamPan
		value = clamp(value, MinPan, MaxPan)
	default:
		return fmt.Errorf("%w: unknown clip field %q", ErrInvalidRequest, field)
	}
	s.backend.SetParam(addr, value, s.backend.CurrentTime())
	return nil
}

// ApplyAudioMix pushes new buffer defaults to every live node playing id.
func (s *Scheduler) ApplyAudioMix(id AudioID, gain, pan float64) {
	now := s.backend.CurrentTime()
	for _, n := range s.nodes {
		if n.AudioID != id {
			continue
		}
		s.backend.SetParam(ParamAddress{Unit: n.Handle, Param: ParamGain}, clamp(gain, MinGain, MaxGain), now)
		s.backend.SetParam(ParamAddress{Unit: n.Handle, Param: ParamPan}, clamp(pan, MinPan, MaxPan), now)
	}
}

// CancelClipParam drops queued parameter changes on the node of key.
func (s *Scheduler) CancelClipParam(key ScheduledKey, field ClipField) {
	n, ok := s.nodes[key]
	if !ok {
		return
	}
	p := ParamGain
	if field == ClipFieldPan {
		p = ParamPan
	}
	s.backend.CancelParam(ParamAddress{Unit: n.Handle, Param: p})
}
