package engine

import (
	"errors"
	"testing"
)

func TestMixerGraph_Initialize(t *testing.T) {
	b := newRecordingBackend()
	m := NewMixerGraph(b, newTestLogger())
	if _, err := m.Initialize(3); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := []int{OutputRoute, MasterChannel, MasterChannel, MasterChannel}
	got := m.Routes()
	if len(got) != len(want) {
		t.Fatalf("expected %d routes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] || b.routes[i] != want[i] {
			t.Errorf("route %d: expected %d, got %d", i, want[i], got[i])
		}
	}
	if m.ChannelCount() != 3 {
		t.Errorf("expected 3 channels, got %d", m.ChannelCount())
	}

	// Second call keeps the existing graph.
	b.configureErr = errors.New("must not be called")
	if _, err := m.Initialize(10); err != nil || m.ChannelCount() != 3 {
		t.Errorf("re-initialise changed the graph: count=%d err=%v", m.ChannelCount(), err)
	}
}

func TestMixerGraph_Initialize_backend_failure(t *testing.T) {
	b := newRecordingBackend()
	b.configureErr = errors.New("no device")
	m := NewMixerGraph(b, newTestLogger())
	if _, err := m.Initialize(2); !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	if err := m.SetGain(0, 1); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestMixerGraph_SetGain_SetPan(t *testing.T) {
	b := newRecordingBackend()
	m := NewMixerGraph(b, newTestLogger())
	_, _ = m.Initialize(2)

	tests := []struct {
		name  string
		set   func() error
		param Param
		want  float64
	}{
		{"gain in range", func() error { return m.SetGain(1, 0.7) }, ParamGain, 0.7},
		{"gain clamped", func() error { return m.SetGain(1, 5) }, ParamGain, MaxGain},
		{"pan clamped", func() error { return m.SetPan(1, -4) }, ParamPan, MinPan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.set(); err != nil {
				t.Fatalf("set: %v", err)
			}
			if v, _ := b.lastParam(ParamAddress{Bus: 1, Param: tt.param}); v != tt.want {
				t.Errorf("expected %v, got %v", tt.want, v)
			}
		})
	}

	if err := m.SetGain(3, 1); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestMixerGraph_GetMeterSample(t *testing.T) {
	b := newRecordingBackend()
	b.meter = []float32{0.5, -0.5, 0.5, -0.5}
	m := NewMixerGraph(b, newTestLogger())
	_, _ = m.Initialize(1)

	l, r, err := m.GetMeterSample(0, make([]float32, 8), make([]float32, 8))
	if err != nil {
		t.Fatalf("GetMeterSample: %v", err)
	}
	if !approx(l, 0.5) || !approx(r, 0.5) {
		t.Errorf("expected RMS 0.5, got %v/%v", l, r)
	}
}

func TestMixerGraph_snapshot_round_trip(t *testing.T) {
	m := NewMixerGraph(newRecordingBackend(), newTestLogger())
	_, _ = m.Initialize(2)
	_ = m.SetGain(2, 0.4)
	_ = m.SetPan(1, 0.3)

	other := NewMixerGraph(newRecordingBackend(), newTestLogger())
	_, _ = other.Initialize(2)
	if err := other.ApplySnapshot(m.Snapshot()); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if c, _ := other.Channel(2); c.Gain != 0.4 {
		t.Errorf("expected gain 0.4, got %v", c.Gain)
	}
	if c, _ := other.Channel(1); c.Pan != 0.3 {
		t.Errorf("expected pan 0.3, got %v", c.Pan)
	}
}
