package engine

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/go-audio/audio"
)

type startCall struct {
	handle                  UnitHandle
	delay, trimIn, duration float64
}

type paramCall struct {
	addr  ParamAddress
	value float64
}

// recordingBackend is a Backend that only records what it was told.
type recordingBackend struct {
	now    float64
	next   UnitHandle
	routes []int
	bus    map[UnitHandle]int

	starts    []startCall
	stopped   []UnitHandle
	params    []paramCall
	cancelled []ParamAddress
	ended     []UnitHandle
	meter     []float32

	configureErr error
	createErr    error
	connectErr   error
	// startErr fails every Start once okStarts successful calls were made.
	startErr error
	okStarts int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{bus: make(map[UnitHandle]int)}
}

func (b *recordingBackend) CurrentTime() float64 { return b.now }

func (b *recordingBackend) ConfigureBuses(routes []int) error {
	if b.configureErr != nil {
		return b.configureErr
	}
	b.routes = append([]int(nil), routes...)
	return nil
}

func (b *recordingBackend) CreatePlaybackUnit(buf *audio.Float32Buffer) (UnitHandle, error) {
	if b.createErr != nil {
		return 0, b.createErr
	}
	b.next++
	return b.next, nil
}

func (b *recordingBackend) Connect(h UnitHandle, bus int) error {
	if b.connectErr != nil {
		return b.connectErr
	}
	b.bus[h] = bus
	return nil
}

func (b *recordingBackend) Start(h UnitHandle, delay, trimIn, duration float64) error {
	if b.startErr != nil && len(b.starts) >= b.okStarts {
		return b.startErr
	}
	b.starts = append(b.starts, startCall{handle: h, delay: delay, trimIn: trimIn, duration: duration})
	return nil
}

func (b *recordingBackend) Stop(h UnitHandle) {
	b.stopped = append(b.stopped, h)
}

func (b *recordingBackend) SetParam(addr ParamAddress, value, at float64) {
	b.params = append(b.params, paramCall{addr: addr, value: value})
}

func (b *recordingBackend) CancelParam(addr ParamAddress) {
	b.cancelled = append(b.cancelled, addr)
}

func (b *recordingBackend) ReadMeter(bus int, left, right []float32) int {
	n := copy(left, b.meter)
	copy(right, b.meter)
	return n
}

func (b *recordingBackend) DrainEnded(fn func(UnitHandle)) {
	ended := b.ended
	b.ended = nil
	for _, h := range ended {
		fn(h)
	}
}

func (b *recordingBackend) lastStart() startCall {
	return b.starts[len(b.starts)-1]
}

func (b *recordingBackend) lastParam(addr ParamAddress) (float64, bool) {
	for i := len(b.params) - 1; i >= 0; i-- {
		if b.params[i].addr == addr {
			return b.params[i].value, true
		}
	}
	return 0, false
}

func (b *recordingBackend) stopCount(h UnitHandle) int {
	n := 0
	for _, s := range b.stopped {
		if s == h {
			n++
		}
	}
	return n
}

// fakeWallClock is a manually advanced wall time source.
type fakeWallClock struct {
	t time.Time
}

func newFakeWallClock() *fakeWallClock {
	return &fakeWallClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeWallClock) Now() time.Time { return c.t }

func (c *fakeWallClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// constBuffer returns a mono buffer of the given length filled with v.
func constBuffer(seconds float64, sampleRate int, v float32) *audio.Float32Buffer {
	frames := int(seconds * float64(sampleRate))
	data := make([]float32, frames)
	for i := range data {
		data[i] = v
	}
	return &audio.Float32Buffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 32,
	}
}

func secs(s float64) int64 {
	return int64(s * SecToMicros)
}

// schedulerFixture wires a scheduler to a recording backend on a 4-bus graph.
type schedulerFixture struct {
	backend   *recordingBackend
	wall      *fakeWallClock
	clock     *Clock
	bank      *AudioBank
	mixer     *MixerGraph
	scheduler *Scheduler
	audioID   AudioID
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		backend: newRecordingBackend(),
		wall:    newFakeWallClock(),
		bank:    NewAudioBank(),
	}
	log := newTestLogger()
	f.clock = NewClock(f.wall.Now, secs(10))
	f.mixer = NewMixerGraph(f.backend, log)
	if _, err := f.mixer.Initialize(4); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	f.scheduler = NewScheduler(f.backend, f.clock, f.bank, f.mixer, log)
	id, err := f.bank.Register(AudioDetails{Name: "tone"}, constBuffer(20, 1000, 0.5))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.audioID = id
	return f
}

func (f *schedulerFixture) clip(key ScheduledKey, track int, offset, start, end int64) Clip {
	return Clip{
		AudioID:           f.audioID,
		TrackNumber:       track,
		ScheduledKey:      key,
		OffsetMicros:      offset,
		StartOffsetMicros: start,
		EndOffsetMicros:   end,
		PlaybackRate:      1,
	}
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func near(a, b float32) bool {
	d := a - b
	return d < 1e-6 && d > -1e-6
}
