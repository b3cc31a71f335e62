package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-audio/audio"
)

// Default render settings.
const (
	DefaultSampleRate        = 48000
	DefaultOutputChannels    = 2
	DefaultRenderBlockFrames = 128
	DefaultMeterWindow       = 1024
)

var (
	errUnknownUnit    = errors.New("unknown playback unit")
	errNotConnected   = errors.New("playback unit not connected")
	errAlreadyStarted = errors.New("playback unit already started")
	errBadRoute       = errors.New("invalid bus route")
	errUnknownBus     = errors.New("unknown bus")
	errNoBuses        = errors.New("buses not configured")
)

type paramEvent struct {
	at    int64
	value float64
}

// automatable is a value with a queue of future changes, ordered by frame.
type automatable struct {
	value  float64
	events []paramEvent
}

func (a *automatable) schedule(at int64, value float64, now int64) {
	if at <= now {
		a.value = value
		return
	}
	i := sort.Search(len(a.events), func(i int) bool { return a.events[i].at > at })
	a.events = append(a.events, paramEvent{})
	copy(a.events[i+1:], a.events[i:])
	a.events[i] = paramEvent{at: at, value: value}
}

func (a *automatable) advance(now int64) {
	n := 0
	for n < len(a.events) && a.events[n].at <= now {
		a.value = a.events[n].value
		n++
	}
	if n > 0 {
		a.events = a.events[n:]
	}
}

func (a *automatable) cancel() {
	a.events = nil
}

type meterRing struct {
	data []float32
	pos  int
	full bool
}

func newMeterRing(n int) meterRing {
	return meterRing{data: make([]float32, n)}
}

func (r *meterRing) write(v float32) {
	r.data[r.pos] = v
	r.pos++
	if r.pos == len(r.data) {
		r.pos = 0
		r.full = true
	}
}

// read copies the newest samples into dst, oldest first.
func (r *meterRing) read(dst []float32) int {
	size := r.pos
	if r.full {
		size = len(r.data)
	}
	n := min(len(dst), size)
	start := r.pos - n
	if start < 0 {
		start += len(r.data)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.data[(start+i)%len(r.data)]
	}
	return n
}

type softwareBus struct {
	route          int
	gain, pan      automatable
	meterL, meterR meterRing
	sumL, sumR     float64
}

type softwareUnit struct {
	buf       *audio.Float32Buffer
	bus       int
	connected bool
	started   bool
	startAt   int64
	readPos   float64
	endPos    float64
	step      float64
	gain, pan automatable
}

// SoftwareBackendConfig sizes a SoftwareBackend.
type SoftwareBackendConfig struct {
	SampleRate  int
	Channels    int
	MeterWindow int
}

// SoftwareBackend is an in-process Backend that mixes float32 buffers block
// by block. It is safe for concurrent use: the engine issues commands while
// Run renders on its own goroutine.
type SoftwareBackend struct {
	mu          sync.Mutex
	sampleRate  int
	channels    int
	meterWindow int

	frame  int64
	next   UnitHandle
	units  map[UnitHandle]*softwareUnit
	buses  []*softwareBus
	ended  []UnitHandle
	active []UnitHandle
}

// NewSoftwareBackend returns a backend with no buses. Zero config values
// fall back to the Default* constants.
func NewSoftwareBackend(cfg SoftwareBackendConfig) *SoftwareBackend {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultOutputChannels
	}
	if cfg.MeterWindow <= 0 {
		cfg.MeterWindow = DefaultMeterWindow
	}
	return &SoftwareBackend{
		sampleRate:  cfg.SampleRate,
		channels:    cfg.Channels,
		meterWindow: cfg.MeterWindow,
		units:       make(map[UnitHandle]*softwareUnit),
	}
}

// SampleRate returns the output rate.
func (b *SoftwareBackend) SampleRate() int { return b.sampleRate }

// Channels returns the output channel count.
func (b *SoftwareBackend) Channels() int { return b.channels }

// Frame returns the number of frames rendered so far.
func (b *SoftwareBackend) Frame() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame
}

// ActiveUnits returns the number of units that have not finished or been stopped.
func (b *SoftwareBackend) ActiveUnits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.units)
}

// CurrentTime implements Backend.
func (b *SoftwareBackend) CurrentTime() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.frame) / float64(b.sampleRate)
}

func (b *SoftwareBackend) toFrames(seconds float64) int64 {
	return int64(math.Round(seconds * float64(b.sampleRate)))
}

// ConfigureBuses implements Backend. Every route must point at a lower bus
// index or at OutputRoute.
func (b *SoftwareBackend) ConfigureBuses(routes []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(routes) == 0 {
		return errNoBuses
	}
	buses := make([]*softwareBus, len(routes))
	for i, r := range routes {
		if r != OutputRoute && (r < 0 || r >= i) {
			return fmt.Errorf("%w: bus %d -> %d", errBadRoute, i, r)
		}
		buses[i] = &softwareBus{
			route:  r,
			gain:   automatable{value: 1},
			meterL: newMeterRing(b.meterWindow),
			meterR: newMeterRing(b.meterWindow),
		}
	}
	b.buses = buses
	return nil
}

// CreatePlaybackUnit implements Backend.
func (b *SoftwareBackend) CreatePlaybackUnit(buf *audio.Float32Buffer) (UnitHandle, error) {
	if err := validBuffer(buf); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	h := b.next
	b.units[h] = &softwareUnit{
		buf:  buf,
		gain: automatable{value: 1},
		step: float64(buf.Format.SampleRate) / float64(b.sampleRate),
	}
	return h, nil
}

// Connect implements Backend.
func (b *SoftwareBackend) Connect(h UnitHandle, bus int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.units[h]
	if !ok {
		return errUnknownUnit
	}
	if bus < 0 || bus >= len(b.buses) {
		return fmt.Errorf("%w: %d", errUnknownBus, bus)
	}
	u.bus = bus
	u.connected = true
	return nil
}

// Start implements Backend. Negative arguments are treated as zero; the
// window is cut at the end of the buffer.
func (b *SoftwareBackend) Start(h UnitHandle, delay, trimIn, duration float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.units[h]
	if !ok {
		return errUnknownUnit
	}
	if !u.connected {
		return errNotConnected
	}
	if u.started {
		return errAlreadyStarted
	}
	srcRate := float64(u.buf.Format.SampleRate)
	u.started = true
	u.startAt = b.frame + b.toFrames(max(0, delay))
	u.readPos = max(0, trimIn) * srcRate
	u.endPos = min(u.readPos+max(0, duration)*srcRate, float64(u.buf.NumFrames()))
	if u.readPos >= u.endPos {
		b.finishLocked(h)
	}
	return nil
}

// Stop implements Backend. Unknown or finished handles are ignored and are
// not reported through DrainEnded.
func (b *SoftwareBackend) Stop(h UnitHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.units, h)
}

func (b *SoftwareBackend) finishLocked(h UnitHandle) {
	delete(b.units, h)
	b.ended = append(b.ended, h)
}

func (b *SoftwareBackend) paramLocked(addr ParamAddress) *automatable {
	if addr.Unit != 0 {
		u, ok := b.units[addr.Unit]
		if !ok {
			return nil
		}
		if addr.Param == ParamPan {
			return &u.pan
		}
		return &u.gain
	}
	if addr.Bus < 0 || addr.Bus >= len(b.buses) {
		return nil
	}
	if addr.Param == ParamPan {
		return &b.buses[addr.Bus].pan
	}
	return &b.buses[addr.Bus].gain
}

// SetParam implements Backend. Times at or before CurrentTime apply at once.
func (b *SoftwareBackend) SetParam(addr ParamAddress, value, at float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.paramLocked(addr); p != nil {
		p.schedule(b.toFrames(at), value, b.frame)
	}
}

// CancelParam implements Backend.
func (b *SoftwareBackend) CancelParam(addr ParamAddress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p := b.paramLocked(addr); p != nil {
		p.cancel()
	}
}

// ReadMeter implements Backend.
func (b *SoftwareBackend) ReadMeter(bus int, left, right []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bus < 0 || bus >= len(b.buses) {
		return 0
	}
	n := b.buses[bus].meterL.read(left)
	return min(n, b.buses[bus].meterR.read(right))
}

// DrainEnded implements Backend. fn runs outside the backend lock.
func (b *SoftwareBackend) DrainEnded(fn func(UnitHandle)) {
	b.mu.Lock()
	ended := b.ended
	b.ended = nil
	b.mu.Unlock()
	for _, h := range ended {
		fn(h)
	}
}

// balance returns the left and right weights of a pan position.
func balance(pan float64) (float64, float64) {
	pan = clamp(pan, MinPan, MaxPan)
	return min(1, 1-pan), min(1, 1+pan)
}

// sampleAt reads channel ch of buf at a fractional frame position.
func sampleAt(buf *audio.Float32Buffer, pos float64, ch int) float64 {
	nch := buf.Format.NumChannels
	frames := buf.NumFrames()
	i := int(pos)
	if i >= frames {
		return 0
	}
	a := float64(buf.Data[i*nch+ch])
	if i+1 >= frames {
		return a
	}
	c := float64(buf.Data[(i+1)*nch+ch])
	return a + (c-a)*(pos-float64(i))
}

func (u *softwareUnit) read() (l, r float64) {
	l = sampleAt(u.buf, u.readPos, 0)
	if u.buf.Format.NumChannels > 1 {
		r = sampleAt(u.buf, u.readPos, 1)
	} else {
		r = l
	}
	return l, r
}

// Render mixes the next frames of output and advances CurrentTime.
func (b *SoftwareBackend) Render(frames int) *audio.Float32Buffer {
	out := &audio.Float32Buffer{
		Format:         &audio.Format{NumChannels: b.channels, SampleRate: b.sampleRate},
		Data:           make([]float32, frames*b.channels),
		SourceBitDepth: 32,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.active = b.active[:0]
	for h := range b.units {
		b.active = append(b.active, h)
	}
	sort.Slice(b.active, func(i, j int) bool { return b.active[i] < b.active[j] })

	for f := 0; f < frames; f++ {
		now := b.frame
		for _, bus := range b.buses {
			bus.gain.advance(now)
			bus.pan.advance(now)
			bus.sumL, bus.sumR = 0, 0
		}

		for _, h := range b.active {
			u, ok := b.units[h]
			if !ok || !u.started || now < u.startAt || len(b.buses) == 0 {
				continue
			}
			u.gain.advance(now)
			u.pan.advance(now)
			l, r := u.read()
			wl, wr := balance(u.pan.value)
			bus := b.buses[u.bus]
			bus.sumL += l * wl * u.gain.value
			bus.sumR += r * wr * u.gain.value
			u.readPos += u.step
			if u.readPos >= u.endPos {
				b.finishLocked(h)
			}
		}

		var outL, outR float64
		for i := len(b.buses) - 1; i >= 0; i-- {
			bus := b.buses[i]
			wl, wr := balance(bus.pan.value)
			l := bus.sumL * wl * bus.gain.value
			r := bus.sumR * wr * bus.gain.value
			bus.meterL.write(float32(l))
			bus.meterR.write(float32(r))
			if bus.route == OutputRoute {
				outL += l
				outR += r
				continue
			}
			parent := b.buses[bus.route]
			parent.sumL += l
			parent.sumR += r
		}

		base := f * b.channels
		if b.channels == 1 {
			out.Data[base] = float32((outL + outR) / 2)
		} else {
			out.Data[base] = float32(outL)
			out.Data[base+1] = float32(outR)
		}
		b.frame++
	}
	return out
}

// Run renders in real time until ctx is cancelled, keeping the rendered
// frame count aligned with wall time. Each block is passed to sink when it
// is not nil.
func (b *SoftwareBackend) Run(ctx context.Context, blockFrames int, sink func(*audio.Float32Buffer)) {
	if blockFrames <= 0 {
		blockFrames = DefaultRenderBlockFrames
	}
	interval := time.Duration(blockFrames) * time.Second / time.Duration(b.sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	begin := time.Now()
	origin := b.Frame()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			want := origin + int64(time.Since(begin).Seconds()*float64(b.sampleRate))
			for have := b.Frame(); have < want; have = b.Frame() {
				block := b.Render(int(min(int64(blockFrames), want-have)))
				if sink != nil {
					sink(block)
				}
			}
		}
	}
}
