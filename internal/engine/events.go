package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names an outbound notification.
type EventType string

const (
	EventLoopWrap  EventType = "loop_wrap"
	EventPlayhead  EventType = "playhead"
	EventTransport EventType = "transport"
	EventMeter     EventType = "meter"
)

// MeterLevel is the RMS of one bus.
type MeterLevel struct {
	Channel int     `json:"channel"`
	Left    float64 `json:"left"`
	Right   float64 `json:"right"`
}

// Event is a push notification for the view layer. None of them are needed
// for engine correctness.
type Event struct {
	Type   EventType    `json:"type"`
	Micros int64        `json:"micros"`
	Status string       `json:"status,omitempty"`
	Loop   *LoopEvent   `json:"loop,omitempty"`
	Meters []MeterLevel `json:"meters,omitempty"`
}

// Subscription receives events until it is cancelled.
type Subscription struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscription is removed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// DefaultSubscriptionBuffer is the per-subscriber queue length.
const DefaultSubscriptionBuffer = 64

// Broadcaster fans events out to any number of subscribers. Slow subscribers
// lose events instead of stalling the publisher.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// NewBroadcaster returns a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		C:    make(chan Event, DefaultSubscriptionBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s. Calling it twice is harmless.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.done)
}

// Close removes every subscriber, ending their streams.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.done)
	}
}

// Publish delivers e to every subscriber without blocking.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.C <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts events lost to full subscriber queues.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// throttle lets one event through per interval.
type throttle struct {
	interval time.Duration
	last     time.Time
}

func newThrottle(hz int) *throttle {
	if hz <= 0 {
		return &throttle{}
	}
	return &throttle{interval: time.Second / time.Duration(hz)}
}

func (t *throttle) allow(now time.Time) bool {
	if t.interval == 0 {
		return true
	}
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
