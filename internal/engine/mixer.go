package engine

import (
	"fmt"
	"log/slog"
	"math"
)

// MasterChannel is the index of the master bus.
const MasterChannel = 0

// DefaultMixerChannels is the channel bus count used when none is configured.
const DefaultMixerChannels = 30

// MixerChannel holds the user-facing values of one bus.
type MixerChannel struct {
	Gain float64 `json:"gain"`
	Pan  float64 `json:"pan"`
}

// MixerGraph is the fixed array of channel buses plus the master bus.
// Every channel bus feeds the master; the master feeds the backend output.
type MixerGraph struct {
	backend  Backend
	log      *slog.Logger
	channels []MixerChannel
	routes   []int
	built    bool
}

// NewMixerGraph returns an unbuilt graph bound to backend.
func NewMixerGraph(backend Backend, log *slog.Logger) *MixerGraph {
	if log == nil {
		log = slog.Default()
	}
	return &MixerGraph{backend: backend, log: log}
}

// Initialize builds channelCount+1 buses, index 0 being master. A second call
// is a no-op that returns the existing graph.
func (m *MixerGraph) Initialize(channelCount int) (*MixerGraph, error) {
	if m.built {
		return m, nil
	}
	if channelCount <= 0 {
		channelCount = DefaultMixerChannels
	}

	routes := make([]int, channelCount+1)
	routes[MasterChannel] = OutputRoute
	for i := 1; i < len(routes); i++ {
		routes[i] = MasterChannel
	}
	if err := m.backend.ConfigureBuses(routes); err != nil {
		return nil, fmt.Errorf("%w: configure buses: %v", ErrBackend, err)
	}

	m.routes = routes
	m.channels = make([]MixerChannel, channelCount+1)
	for i := range m.channels {
		m.channels[i] = MixerChannel{Gain: 1, Pan: 0}
	}
	m.built = true
	return m, nil
}

// Initialized reports whether the buses exist.
func (m *MixerGraph) Initialized() bool {
	return m.built
}

// ChannelCount returns the number of channel buses, master excluded.
func (m *MixerGraph) ChannelCount() int {
	if !m.built {
		return 0
	}
	return len(m.channels) - 1
}

// Routes returns a copy of the routing table.
func (m *MixerGraph) Routes() []int {
	return append([]int(nil), m.routes...)
}

func (m *MixerGraph) check(channel int) error {
	if !m.built {
		return ErrNotInitialized
	}
	if channel < 0 || channel >= len(m.channels) {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return nil
}

// Channel returns the values of one bus.
func (m *MixerGraph) Channel(channel int) (MixerChannel, error) {
	if err := m.check(channel); err != nil {
		return MixerChannel{}, err
	}
	return m.channels[channel], nil
}

// SetGain sets a bus gain. Values outside [MinGain, MaxGain] are clamped.
func (m *MixerGraph) SetGain(channel int, value float64) error {
	if err := m.check(channel); err != nil {
		return err
	}
	v := m.clampLogged("gain", channel, value, MinGain, MaxGain)
	m.channels[channel].Gain = v
	m.backend.SetParam(ParamAddress{Bus: channel, Param: ParamGain}, v, m.backend.CurrentTime())
	return nil
}

// SetPan sets a bus pan. Values outside [MinPan, MaxPan] are clamped.
func (m *MixerGraph) SetPan(channel int, value float64) error {
	if err := m.check(channel); err != nil {
		return err
	}
	v := m.clampLogged("pan", channel, value, MinPan, MaxPan)
	m.channels[channel].Pan = v
	m.backend.SetParam(ParamAddress{Bus: channel, Param: ParamPan}, v, m.backend.CurrentTime())
	return nil
}

// CancelAutomation drops queued parameter changes for a bus control.
func (m *MixerGraph) CancelAutomation(channel int, p Param) {
	if m.check(channel) != nil {
		return
	}
	m.backend.CancelParam(ParamAddress{Bus: channel, Param: p})
}

func (m *MixerGraph) clampLogged(name string, channel int, value, lo, hi float64) float64 {
	v := clamp(value, lo, hi)
	if v != value || math.IsNaN(value) {
		if math.IsNaN(value) {
			v = lo
		}
		m.log.Warn("mixer value out of range, clamped",
			slog.String("param", name),
			slog.Int("channel", channel),
			slog.Float64("value", value),
			slog.Float64("clamped", v))
	}
	return v
}

// GetMeterSample reads the stereo taps of a bus into left and right, which
// the caller owns and reuses, and returns the RMS of each side.
func (m *MixerGraph) GetMeterSample(channel int, left, right []float32) (leftRMS, rightRMS float64, err error) {
	if err := m.check(channel); err != nil {
		return 0, 0, err
	}
	n := m.backend.ReadMeter(channel, left, right)
	return rms(left[:n]), rms(right[:n]), nil
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Snapshot copies the current bus values.
func (m *MixerGraph) Snapshot() []MixerChannel {
	return append([]MixerChannel(nil), m.channels...)
}

// ApplySnapshot pushes previously captured values into this graph. Extra
// entries beyond the graph size are ignored.
func (m *MixerGraph) ApplySnapshot(values []MixerChannel) error {
	if !m.built {
		return ErrNotInitialized
	}
	for i, v := range values {
		if i >= len(m.channels) {
			break
		}
		if err := m.SetGain(i, v.Gain); err != nil {
			return err
		}
		if err := m.SetPan(i, v.Pan); err != nil {
			return err
		}
	}
	return nil
}
