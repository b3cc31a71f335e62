package engine

import "github.com/go-audio/audio"

// UnitHandle is the backend's opaque reference to one playback unit.
// The zero value never names a live unit.
type UnitHandle uint64

// OutputRoute is the route value that sends a bus to the backend's final output.
const OutputRoute = -1

// Param names a gain or pan control on a bus or playback unit.
type Param int

const (
	ParamGain Param = iota
	ParamPan
)

// ParamAddress locates a backend parameter. When Unit is zero the address
// refers to Bus, otherwise to the playback unit.
type ParamAddress struct {
	Bus   int
	Unit  UnitHandle
	Param Param
}

// Backend is the sample-accurate renderer the engine drives. Implementations
// own their real-time thread; the engine only issues commands and pulls
// completions through DrainEnded from its own cooperative turn.
//
// Times passed to Start are seconds relative to CurrentTime. The at argument
// of SetParam is absolute backend time in seconds.
type Backend interface {
	CurrentTime() float64

	// ConfigureBuses builds the bus graph. routes[i] is the bus that bus i
	// feeds, or OutputRoute.
	ConfigureBuses(routes []int) error

	CreatePlaybackUnit(buf *audio.Float32Buffer) (UnitHandle, error)
	Connect(h UnitHandle, bus int) error
	Start(h UnitHandle, delay, trimIn, duration float64) error
	Stop(h UnitHandle)

	SetParam(addr ParamAddress, value, at float64)
	CancelParam(addr ParamAddress)

	// ReadMeter copies the latest samples of the bus taps into left and right
	// and returns how many were written.
	ReadMeter(bus int, left, right []float32) int

	// DrainEnded reports every unit that finished since the previous call.
	DrainEnded(fn func(UnitHandle))
}
