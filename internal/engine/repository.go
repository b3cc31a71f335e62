package engine

import "sync"

// TimelineRepository is the concurrency-safe owner of the canonical timeline.
// Readers get deep copies; writers go through Update so a failed edit never
// lands.
type TimelineRepository struct {
	mu       sync.RWMutex
	store    TimelineStore
	tracks   int
	revision uint64
}

// NewTimelineRepository returns a repository of tracks empty tracks backed by
// an in-memory store.
func NewTimelineRepository(tracks int) *TimelineRepository {
	return NewTimelineRepositoryWithStore(NewInMemoryTimelineStore(), tracks)
}

// NewTimelineRepositoryWithStore uses the given store. When the store is
// empty it is seeded with tracks empty tracks.
func NewTimelineRepositoryWithStore(store TimelineStore, tracks int) *TimelineRepository {
	if tracks <= 0 {
		tracks = DefaultTracks
	}
	r := &TimelineRepository{store: store, tracks: tracks}
	if tl, ok := store.GetTimeline(); ok {
		r.tracks = len(tl)
	} else {
		store.SetTimeline(NewTimeline(tracks))
	}
	return r
}

// Snapshot returns a deep copy of the current timeline.
func (r *TimelineRepository) Snapshot() Timeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tl, _ := r.store.GetTimeline()
	return tl.Clone()
}

// View runs fn on the stored timeline under the read lock. fn must not
// modify or retain it.
func (r *TimelineRepository) View(fn func(Timeline)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tl, _ := r.store.GetTimeline()
	fn(tl)
}

// Update runs fn on a copy of the timeline and stores the result only when
// fn returns no error.
func (r *TimelineRepository) Update(fn func(Timeline) (Timeline, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, _ := r.store.GetTimeline()
	next, err := fn(tl.Clone())
	if err != nil {
		return err
	}
	r.store.SetTimeline(next)
	r.revision++
	return nil
}

// Tracks returns the fixed track count.
func (r *TimelineRepository) Tracks() int {
	return r.tracks
}

// Revision counts committed updates.
func (r *TimelineRepository) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}
