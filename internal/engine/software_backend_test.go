package engine

import (
	"errors"
	"testing"

	"github.com/go-audio/audio"
)

func newTestSoftwareBackend(t *testing.T, channels int) *SoftwareBackend {
	t.Helper()
	b := NewSoftwareBackend(SoftwareBackendConfig{SampleRate: 1000, Channels: channels, MeterWindow: 16})
	if err := b.ConfigureBuses([]int{OutputRoute, MasterChannel}); err != nil {
		t.Fatalf("ConfigureBuses: %v", err)
	}
	return b
}

func startUnit(t *testing.T, b *SoftwareBackend, buf *audio.Float32Buffer, delay, trimIn, duration float64) UnitHandle {
	t.Helper()
	h, err := b.CreatePlaybackUnit(buf)
	if err != nil {
		t.Fatalf("CreatePlaybackUnit: %v", err)
	}
	if err := b.Connect(h, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := b.Start(h, delay, trimIn, duration); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func frameAt(buf *audio.Float32Buffer, frame, ch int) float32 {
	return buf.Data[frame*buf.Format.NumChannels+ch]
}

func TestSoftwareBackend_plays_and_reports_end(t *testing.T) {
	b := newTestSoftwareBackend(t, 2)
	h := startUnit(t, b, constBuffer(0.01, 1000, 0.5), 0, 0, 1)

	out := b.Render(20)
	for f := 0; f < 20; f++ {
		want := float32(0)
		if f < 10 {
			want = 0.5
		}
		if frameAt(out, f, 0) != want || frameAt(out, f, 1) != want {
			t.Fatalf("frame %d: expected %v, got %v/%v", f, want, frameAt(out, f, 0), frameAt(out, f, 1))
		}
	}

	var ended []UnitHandle
	b.DrainEnded(func(u UnitHandle) { ended = append(ended, u) })
	if len(ended) != 1 || ended[0] != h {
		t.Errorf("expected %d ended, got %v", h, ended)
	}
	if b.ActiveUnits() != 0 {
		t.Errorf("expected no active units, got %d", b.ActiveUnits())
	}
	if !approx(b.CurrentTime(), 0.02) {
		t.Errorf("expected time 0.02, got %v", b.CurrentTime())
	}
}

func TestSoftwareBackend_delay_and_trim(t *testing.T) {
	b := newTestSoftwareBackend(t, 2)
	buf := constBuffer(0.02, 1000, 0)
	for i := range buf.Data {
		buf.Data[i] = float32(i) / 100
	}
	startUnit(t, b, buf, 0.005, 0.004, 0.003)

	out := b.Render(12)
	want := map[int]float32{5: 0.04, 6: 0.05, 7: 0.06}
	for f := 0; f < 12; f++ {
		if got := frameAt(out, f, 0); !near(got, want[f]) {
			t.Errorf("frame %d: expected %v, got %v", f, want[f], got)
		}
	}
}

func TestSoftwareBackend_pan_and_gain(t *testing.T) {
	b := newTestSoftwareBackend(t, 2)
	h := startUnit(t, b, constBuffer(0.1, 1000, 0.5), 0, 0, 1)
	b.SetParam(ParamAddress{Unit: h, Param: ParamPan}, 1, 0)
	b.SetParam(ParamAddress{Bus: 1, Param: ParamGain}, 0.5, 0)

	out := b.Render(1)
	if frameAt(out, 0, 0) != 0 || frameAt(out, 0, 1) != 0.25 {
		t.Errorf("expected 0/0.25, got %v/%v", frameAt(out, 0, 0), frameAt(out, 0, 1))
	}
}

func TestSoftwareBackend_scheduled_param(t *testing.T) {
	b := newTestSoftwareBackend(t, 2)
	startUnit(t, b, constBuffer(0.1, 1000, 0.5), 0, 0, 1)
	b.SetParam(ParamAddress{Bus: MasterChannel, Param: ParamGain}, 0, 0.005)

	out := b.Render(10)
	if frameAt(out, 4, 0) != 0.5 || frameAt(out, 5, 0) != 0 {
		t.Errorf("expected change at frame 5, got %v then %v", frameAt(out, 4, 0), frameAt(out, 5, 0))
	}

	b.SetParam(ParamAddress{Bus: MasterChannel, Param: ParamGain}, 1, 0.02)
	b.CancelParam(ParamAddress{Bus: MasterChannel, Param: ParamGain})
	out = b.Render(20)
	if frameAt(out, 19, 0) != 0 {
		t.Error("cancelled change was applied")
	}
}

func TestSoftwareBackend_mono_output_and_resampling(t *testing.T) {
	b := newTestSoftwareBackend(t, 1)
	startUnit(t, b, constBuffer(0.02, 500, 0.5), 0, 0, 1)

	out := b.Render(30)
	for f := 0; f < 20; f++ {
		if out.Data[f] != 0.5 {
			t.Fatalf("frame %d: expected 0.5, got %v", f, out.Data[f])
		}
	}
	if out.Data[20] != 0 {
		t.Errorf("500 Hz buffer of 10 frames should last 20 output frames, frame 20 = %v", out.Data[20])
	}
}

func TestSoftwareBackend_Stop_is_not_reported(t *testing.T) {
	b := newTestSoftwareBackend(t, 2)
	h := startUnit(t, b, constBuffer(0.1, 1000, 0.5), 0, 0, 1)
	b.Stop(h)
	b.Stop(h)
	b.Render(200)

	called := false
	b.DrainEnded(func(UnitHandle) { called = true })
	if called {
		t.Error("stopped unit reported as ended")
	}
}

func TestSoftwareBackend_errors(t *testing.T) {
	b := newTestSoftwareBackend(t, 2)
	if err := b.ConfigureBuses(nil); !errors.Is(err, errNoBuses) {
		t.Errorf("expected errNoBuses, got %v", err)
	}
	if err := b.ConfigureBuses([]int{OutputRoute, 1}); !errors.Is(err, errBadRoute) {
		t.Errorf("expected errBadRoute, got %v", err)
	}

	h, _ := b.CreatePlaybackUnit(constBuffer(0.1, 1000, 0))
	if err := b.Start(h, 0, 0, 1); !errors.Is(err, errNotConnected) {
		t.Errorf("expected errNotConnected, got %v", err)
	}
	if err := b.Connect(h, 7); !errors.Is(err, errUnknownBus) {
		t.Errorf("expected errUnknownBus, got %v", err)
	}
	_ = b.Connect(h, 1)
	_ = b.Start(h, 0, 0, 1)
	if err := b.Start(h, 0, 0, 1); !errors.Is(err, errAlreadyStarted) {
		t.Errorf("expected errAlreadyStarted, got %v", err)
	}
	if err := b.Connect(99, 1); !errors.Is(err, errUnknownUnit) {
		t.Errorf("expected errUnknownUnit, got %v", err)
	}
}

func TestSoftwareBackend_ReadMeter(t *testing.T) {
	b := newTestSoftwareBackend(t, 2)
	startUnit(t, b, constBuffer(0.1, 1000, 0.5), 0, 0, 1)
	b.Render(40)

	left, right := make([]float32, 32), make([]float32, 32)
	n := b.ReadMeter(1, left, right)
	if n != 16 {
		t.Fatalf("expected the 16-sample window, got %d", n)
	}
	if left[n-1] != 0.5 || right[n-1] != 0.5 {
		t.Errorf("unexpected meter samples %v/%v", left[n-1], right[n-1])
	}
	if b.ReadMeter(9, left, right) != 0 {
		t.Error("unknown bus returned samples")
	}
}

func TestMeterRing_read_order(t *testing.T) {
	r := newMeterRing(3)
	for _, v := range []float32{1, 2, 3, 4} {
		r.write(v)
	}
	dst := make([]float32, 3)
	if n := r.read(dst); n != 3 || dst[0] != 2 || dst[2] != 4 {
		t.Errorf("expected [2 3 4], got %v (n=%d)", dst, n)
	}
}
