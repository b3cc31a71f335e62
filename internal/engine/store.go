package engine

// TimelineStore is the persistence abstraction for the canonical timeline.
// The TimelineRepository uses it for every read and write; callers of the
// repository do not need to know which store is behind it.
type TimelineStore interface {
	GetTimeline() (Timeline, bool)
	SetTimeline(tl Timeline)
}

// InMemoryTimelineStore keeps the timeline in process memory.
type InMemoryTimelineStore struct {
	timeline Timeline
	set      bool
}

// NewInMemoryTimelineStore returns an empty store.
func NewInMemoryTimelineStore() *InMemoryTimelineStore {
	return &InMemoryTimelineStore{}
}

// GetTimeline implements TimelineStore.GetTimeline.
func (s *InMemoryTimelineStore) GetTimeline() (Timeline, bool) {
	return s.timeline, s.set
}

// SetTimeline implements TimelineStore.SetTimeline.
func (s *InMemoryTimelineStore) SetTimeline(tl Timeline) {
	s.timeline = tl
	s.set = true
}
