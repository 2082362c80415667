package detector

import (
	"math"
	"testing"
)

func TestGapMask(t *testing.T) {
	m, err := GapMask(10, 10, []Stripe{{4, 6}}, []Stripe{{0, 1}})
	if err != nil {
		t.Fatalf("GapMask: %v", err)
	}
	if !m.IsBad(4, 7) || !m.IsBad(5, 0) {
		t.Error("row stripe pixels should be masked")
	}
	if !m.IsBad(9, 0) {
		t.Error("column stripe pixels should be masked")
	}
	if m.IsBad(0, 1) {
		t.Error("pixel outside stripes should be valid")
	}
	if m.BadCount() != 2*10+8 {
		t.Errorf("bad count = %d, want 28", m.BadCount())
	}

	if _, err := GapMask(10, 10, []Stripe{{8, 12}}, nil); err == nil {
		t.Error("out-of-range stripe should be rejected")
	}
}

func TestAlienMask(t *testing.T) {
	m, err := AlienMask(8, 8, []Box{{Y0: 1, X0: 2, Y1: 3, X1: 4}})
	if err != nil {
		t.Fatalf("AlienMask: %v", err)
	}
	if !m.IsBad(1, 2) || !m.IsBad(2, 3) {
		t.Error("box interior should be masked")
	}
	if m.IsBad(3, 4) {
		t.Error("box is half-open, (3,4) should be valid")
	}

	if _, err := AlienMask(8, 8, []Box{{Y0: 2, X0: 2, Y1: 2, X1: 4}}); err == nil {
		t.Error("empty box should be rejected")
	}
}

func TestHotPixels(t *testing.T) {
	f := NewFrame(9, 9)
	for i := range f.Data {
		f.Data[i] = 100
	}
	f.Set(4, 4, 100000)

	m, err := HotPixels(f, nil, 5)
	if err != nil {
		t.Fatalf("HotPixels: %v", err)
	}
	if !m.IsBad(4, 4) {
		t.Error("outlier should be flagged")
	}
	if m.BadCount() != 1 {
		t.Errorf("bad count = %d, want 1", m.BadCount())
	}
}

func TestHotPixelsSkipsGaps(t *testing.T) {
	f := NewFrame(5, 5)
	for i := range f.Data {
		f.Data[i] = 10
	}
	f.Set(2, 2, 1e6)
	skip := NewMask(5, 5)
	skip.MarkBad(2, 2)

	m, err := HotPixels(f, skip, 5)
	if err != nil {
		t.Fatalf("HotPixels: %v", err)
	}
	if m.BadCount() != 0 {
		t.Errorf("gap pixel should not be re-flagged, bad count = %d", m.BadCount())
	}
}

func TestApplyAndMerge(t *testing.T) {
	f := NewFrame(4, 4)
	for i := range f.Data {
		f.Data[i] = 7
	}
	a := NewMask(4, 4)
	a.MarkBad(0, 0)
	b := NewMask(4, 4)
	b.MarkBad(3, 3)

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := f.Apply(a); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.At(0, 0) != 0 || f.At(3, 3) != 0 {
		t.Error("masked pixels should be zeroed")
	}
	if f.At(1, 1) != 7 {
		t.Error("valid pixels should be untouched")
	}
	if got := a.BadFraction(); math.Abs(got-2.0/16) > 1e-12 {
		t.Errorf("bad fraction = %f, want 0.125", got)
	}
}

func TestFlatField(t *testing.T) {
	f := NewFrame(2, 2)
	copy(f.Data, []float64{10, 20, 30, 40})
	gain, _ := FrameFromData(2, 2, []float64{1, 2, 0, 1})

	if err := FlatField(f, gain); err != nil {
		t.Fatalf("FlatField: %v", err)
	}
	if f.Data[0] != 10 || f.Data[1] != 10 {
		t.Errorf("corrected = %v", f.Data)
	}
	if f.Data[2] != 0 {
		t.Error("insensitive pixel should be zeroed")
	}
}

func TestMonitorNormalise(t *testing.T) {
	f := NewFrame(1, 2)
	copy(f.Data, []float64{10, 20})
	if err := MonitorNormalise(f, 500, 1000); err != nil {
		t.Fatalf("MonitorNormalise: %v", err)
	}
	if f.Data[0] != 20 || f.Data[1] != 40 {
		t.Errorf("normalised = %v, want [20 40]", f.Data)
	}
	if err := MonitorNormalise(f, 0, 1000); err == nil {
		t.Error("zero monitor should be rejected")
	}
}

func TestPhotonThreshold(t *testing.T) {
	f := NewFrame(1, 4)
	copy(f.Data, []float64{0, 0.4, 2, 0.9})
	n := PhotonThreshold(f, 1)
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
	if f.Data[1] != 0 || f.Data[3] != 0 || f.Data[2] != 2 {
		t.Errorf("thresholded = %v", f.Data)
	}
}

func TestRadialAverage(t *testing.T) {
	// Intensity equal to the integer ring radius makes the profile the
	// identity.
	f := NewFrame(21, 21)
	for y := 0; y < 21; y++ {
		for x := 0; x < 21; x++ {
			r := math.Round(math.Hypot(float64(y)-10, float64(x)-10))
			f.Set(y, x, r)
		}
	}

	p, err := RadialAverage(f, nil, 10, 10)
	if err != nil {
		t.Fatalf("RadialAverage: %v", err)
	}
	if p.Average[0] != 0 {
		t.Errorf("ring 0 = %f, want 0", p.Average[0])
	}
	for r := 1; r <= 8; r++ {
		if math.Abs(p.Average[r]-float64(r)) > 1e-9 {
			t.Errorf("ring %d = %f, want %d", r, p.Average[r], r)
		}
	}
}

func TestRadialAverageSkipsMasked(t *testing.T) {
	f := NewFrame(5, 5)
	for i := range f.Data {
		f.Data[i] = 1
	}
	f.Set(2, 3, 1000)
	m := NewMask(5, 5)
	m.MarkBad(2, 3)

	p, err := RadialAverage(f, m, 2, 2)
	if err != nil {
		t.Fatalf("RadialAverage: %v", err)
	}
	if math.Abs(p.Average[1]-1) > 1e-9 {
		t.Errorf("ring 1 = %f, want 1 with the outlier masked", p.Average[1])
	}
}

func TestFitAndSubtractBackgroundLinear(t *testing.T) {
	p := &RadialProfile{
		Distances: []float64{0, 1, 2, 3, 4},
		Average:   []float64{10, 8, 6, 4, 2},
	}
	bg, err := FitBackground(p, []float64{0, 4}, ScaleLinear)
	if err != nil {
		t.Fatalf("FitBackground: %v", err)
	}
	// The profile is itself linear, so the fit reproduces it.
	for i := range bg {
		if math.Abs(bg[i]-p.Average[i]) > 1e-9 {
			t.Fatalf("bg[%d] = %f, want %f", i, bg[i], p.Average[i])
		}
	}

	sub, err := SubtractBackground(p, bg, ScaleLinear)
	if err != nil {
		t.Fatalf("SubtractBackground: %v", err)
	}
	for i, v := range sub.Average {
		if v != 0 {
			t.Fatalf("subtracted[%d] = %f, want 0", i, v)
		}
	}
}

func TestFitBackgroundLogWithPeak(t *testing.T) {
	// Flat background of 100 counts with a peak in the middle; anchors on
	// the flat part should remove the floor and keep the peak.
	p := &RadialProfile{
		Distances: []float64{0, 1, 2, 3, 4},
		Average:   []float64{100, 100, 5000, 100, 100},
	}
	bg, err := FitBackground(p, []float64{0, 4}, ScaleLog)
	if err != nil {
		t.Fatalf("FitBackground: %v", err)
	}
	sub, err := SubtractBackground(p, bg, ScaleLog)
	if err != nil {
		t.Fatalf("SubtractBackground: %v", err)
	}
	if sub.Average[0] != 1 || sub.Average[4] != 1 {
		t.Errorf("flat rings should clamp to 1, got %v", sub.Average)
	}
	if math.Abs(sub.Average[2]-4900) > 1e-6 {
		t.Errorf("peak ring = %f, want 4900", sub.Average[2])
	}

	if _, err := FitBackground(p, []float64{0}, ScaleLog); err == nil {
		t.Error("single anchor should be rejected")
	}
}

func TestFitBackgroundExtrapolates(t *testing.T) {
	p := &RadialProfile{
		Distances: []float64{0, 1, 2, 3, 4},
		Average:   []float64{1, 2, 3, 4, 5},
	}
	bg, err := FitBackground(p, []float64{1, 3}, ScaleLinear)
	if err != nil {
		t.Fatalf("FitBackground: %v", err)
	}
	if math.Abs(bg[0]-1) > 1e-9 || math.Abs(bg[4]-5) > 1e-9 {
		t.Errorf("edge extrapolation = %f, %f, want 1, 5", bg[0], bg[4])
	}
}

func TestCenterOfRotation(t *testing.T) {
	// Values from an ID01 alignment run.
	c, err := CenterOfRotation([2]float64{72.026, 70.826}, [2]float64{24.63, 25.03})
	if err != nil {
		t.Fatalf("CenterOfRotation: %v", err)
	}
	t0 := math.Tan(24.63 * math.Pi / 180)
	t1 := math.Tan(25.03 * math.Pi / 180)
	wantPiz := (70.826 - 72.026) * t0 * t1 / (t1 - t0)
	if math.Abs(c.Piz-wantPiz) > 1e-9 {
		t.Errorf("piz = %f, want %f", c.Piz, wantPiz)
	}
	if math.Abs(c.Piy-wantPiz/math.Tan((24.63+25.03)*math.Pi/360)) > 1e-9 {
		t.Errorf("piy = %f", c.Piy)
	}

	if _, err := CenterOfRotation([2]float64{1, 2}, [2]float64{10, 10}); err == nil {
		t.Error("identical angles should be rejected")
	}
}
