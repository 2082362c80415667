package phase

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/beamline-data/bragg.report/internal/volume"
)

// gaussianBlob builds a centred real Gaussian of the given width.
func gaussianBlob(n int, sigma float64) *volume.Volume {
	v := volume.New(n, n, n)
	c := float64(n) / 2
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dz := (float64(z) - c) / sigma
				dy := (float64(y) - c) / sigma
				dx := (float64(x) - c) / sigma
				v.Set(z, y, x, complex(math.Exp(-(dz*dz+dy*dy+dx*dx)/2), 0))
			}
		}
	}
	return v
}

func TestWrap(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi / 2, math.Pi / 2},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{2 * math.Pi, 0},
	}
	for _, c := range cases {
		if got := Wrap(c.in); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("Wrap(%f) = %f, want %f", c.in, got, c.want)
		}
	}
}

func TestFFTRoundTrip(t *testing.T) {
	v := gaussianBlob(8, 2)
	back := IFFT3(FFT3(v))
	for i := range v.Data {
		if cmplx.Abs(back.Data[i]-v.Data[i]) > 1e-9 {
			t.Fatalf("round trip mismatch at %d: %v != %v", i, back.Data[i], v.Data[i])
		}
	}
}

func TestFFTDeltaIsFlat(t *testing.T) {
	v := volume.New(4, 4, 4)
	v.Set(0, 0, 0, 1)
	f := FFT3(v)
	for i, c := range f.Data {
		if cmplx.Abs(c-1) > 1e-12 {
			t.Fatalf("spectrum of delta should be all ones, got %v at %d", c, i)
		}
	}
}

func TestFFTShiftInverse(t *testing.T) {
	v := gaussianBlob(7, 1.5)
	back := IFFTShift(FFTShift(v))
	for i := range v.Data {
		if back.Data[i] != v.Data[i] {
			t.Fatal("IFFTShift should undo FFTShift for odd sizes")
		}
	}
}

func TestRemoveRamp(t *testing.T) {
	n := 16
	amp := make([]float64, n*n*n)
	phi := make([]float64, n*n*n)
	i := 0
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				amp[i] = 1
				phi[i] = 0.01*float64(z) + 0.02*float64(y) + 0.03*float64(x)
				i++
			}
		}
	}
	v, err := volume.FromAmpPhase(n, n, n, amp, phi)
	if err != nil {
		t.Fatalf("FromAmpPhase: %v", err)
	}

	out, res, err := RemoveRamp(v, 0.5)
	if err != nil {
		t.Fatalf("RemoveRamp: %v", err)
	}
	if math.Abs(res.GradZ-0.01) > 1e-9 || math.Abs(res.GradY-0.02) > 1e-9 || math.Abs(res.GradX-0.03) > 1e-9 {
		t.Errorf("gradients = (%f, %f, %f), want (0.01, 0.02, 0.03)", res.GradZ, res.GradY, res.GradX)
	}
	for _, p := range out.Phase() {
		if math.Abs(p) > 1e-9 {
			t.Fatalf("residual phase %g after ramp removal", p)
		}
	}
}

func TestRemoveRampEmptySupport(t *testing.T) {
	v := volume.New(4, 4, 4)
	if _, _, err := RemoveRamp(v, 0.5); err == nil {
		t.Error("expected error for empty support")
	}
}

func TestMeanFilterConstantBlock(t *testing.T) {
	v := volume.New(8, 8, 8)
	for z := 2; z < 6; z++ {
		for y := 2; y < 6; y++ {
			for x := 2; x < 6; x++ {
				v.Set(z, y, x, complex(3, 0))
			}
		}
	}
	support := v.Support(0.5)

	out, err := MeanFilter(v, support, 1)
	if err != nil {
		t.Fatalf("MeanFilter: %v", err)
	}
	// Averaging a constant over support voxels only leaves it untouched.
	if got := out.At(3, 3, 3); got != complex(3, 0) {
		t.Errorf("interior voxel = %v, want 3", got)
	}
	if got := out.At(0, 0, 0); got != 0 {
		t.Errorf("vacuum voxel = %v, want 0", got)
	}
}

func TestApodizePreservesMax(t *testing.T) {
	v := gaussianBlob(16, 2)
	before := v.MaxAmplitude()

	out, err := Apodize(v, 0.3)
	if err != nil {
		t.Fatalf("Apodize: %v", err)
	}
	if math.Abs(out.MaxAmplitude()-before) > 1e-9 {
		t.Errorf("max amplitude = %f, want %f", out.MaxAmplitude(), before)
	}

	if _, err := Apodize(v, 0); err == nil {
		t.Error("expected error for zero sigma")
	}
}

func TestRegisterIntegerShift(t *testing.T) {
	ref := gaussianBlob(16, 2)
	moving := ref.Roll(2, -1, 3)

	shift, err := RegisterTranslation(ref, moving)
	if err != nil {
		t.Fatalf("RegisterTranslation: %v", err)
	}
	want := [3]float64{-2, 1, -3}
	for a := range shift {
		if math.Abs(shift[a]-want[a]) > 1e-6 {
			t.Fatalf("shift = %v, want %v", shift, want)
		}
	}
}

func TestRegisterSubpixelShift(t *testing.T) {
	ref := gaussianBlob(16, 2)
	moving := SubpixelShift(ref, 0.3, 0, -0.4)

	shift, err := RegisterTranslation(ref, moving)
	if err != nil {
		t.Fatalf("RegisterTranslation: %v", err)
	}
	want := [3]float64{-0.3, 0, 0.4}
	for a := range shift {
		if math.Abs(shift[a]-want[a]) > 0.15 {
			t.Fatalf("shift = %v, want within 0.15 of %v", shift, want)
		}
	}
}

func TestSubpixelShiftWholeVoxelMatchesRoll(t *testing.T) {
	v := gaussianBlob(8, 1.5)
	shifted := SubpixelShift(v, 1, 0, -2)
	rolled := v.Roll(1, 0, -2)
	for i := range v.Data {
		if cmplx.Abs(shifted.Data[i]-rolled.Data[i]) > 1e-9 {
			t.Fatalf("whole-voxel Fourier shift should match Roll at %d", i)
		}
	}
}

func TestAlignCOM(t *testing.T) {
	ref := gaussianBlob(16, 2)
	moving := ref.Roll(3, 0, -2)

	aligned, err := Align(ref, moving, AlignCOM)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	for i := range ref.Data {
		if cmplx.Abs(aligned.Data[i]-ref.Data[i]) > 1e-9 {
			t.Fatal("COM alignment should undo a whole-voxel roll")
		}
	}

	if _, err := Align(ref, moving, "nearest"); err == nil {
		t.Error("unknown method should be rejected")
	}
}

func TestCorrelationIdentical(t *testing.T) {
	v := gaussianBlob(8, 2)
	corr, err := Correlation(v, v, 0.2)
	if err != nil {
		t.Fatalf("Correlation: %v", err)
	}
	if math.Abs(corr-1) > 1e-9 {
		t.Errorf("self correlation = %f, want 1", corr)
	}
}

func TestAverageAligned(t *testing.T) {
	ref := gaussianBlob(16, 2)
	good := ref.Roll(1, 0, 0)
	bad := gaussianBlob(16, 2)
	// Corrupt the bad candidate so its amplitude decorrelates.
	for i := range bad.Data {
		if i%3 == 0 {
			bad.Data[i] = 0
		}
	}

	res, err := AverageAligned(ref, []*volume.Volume{good, bad}, AlignDFT, 0.9, 0.2)
	if err != nil {
		t.Fatalf("AverageAligned: %v", err)
	}
	if res.Included != 1 {
		t.Fatalf("included = %d, want 1 (correlations %v)", res.Included, res.Correlations)
	}
	if res.Correlations[0] < 0.99 {
		t.Errorf("aligned duplicate correlation = %f, want ~1", res.Correlations[0])
	}
	if res.Correlations[1] >= 0.9 {
		t.Errorf("corrupted candidate correlation = %f, want < 0.9", res.Correlations[1])
	}
	// Average of two near-identical objects stays near the reference.
	if math.Abs(res.Average.MaxAmplitude()-ref.MaxAmplitude()) > 0.05 {
		t.Errorf("average max = %f, want ~%f", res.Average.MaxAmplitude(), ref.MaxAmplitude())
	}
}

func TestAverageAlignedEqualWeighting(t *testing.T) {
	ref := gaussianBlob(16, 2)
	bright := ref.Roll(1, 0, 0).Scale(5)

	res, err := AverageAligned(ref, []*volume.Volume{bright}, AlignDFT, 0.9, 0.2)
	if err != nil {
		t.Fatalf("AverageAligned: %v", err)
	}
	if res.Included != 1 {
		t.Fatalf("included = %d, want 1 (correlations %v)", res.Included, res.Correlations)
	}
	// The candidate is five times brighter than the reference. With unit
	// peak scaling each contributes equally, so the mean peaks near 1,
	// not near (1+5)/2.
	if max := res.Average.MaxAmplitude(); math.Abs(max-1) > 0.05 {
		t.Errorf("average max = %f, want ~1", max)
	}
}

func TestRank(t *testing.T) {
	flat := volume.New(8, 8, 8)
	lumpy := volume.New(8, 8, 8)
	for z := 2; z < 6; z++ {
		for y := 2; y < 6; y++ {
			for x := 2; x < 6; x++ {
				flat.Set(z, y, x, 1)
				if (z+y+x)%2 == 0 {
					lumpy.Set(z, y, x, 1)
				} else {
					lumpy.Set(z, y, x, complex(0.4, 0))
				}
			}
		}
	}

	order, quals := Rank([]*volume.Volume{lumpy, flat}, 0.25)
	if order[0] != 1 {
		t.Fatalf("order = %v, want the uniform reconstruction first (qualities %+v)", order, quals)
	}
	if quals[1].Variance != 0 {
		t.Errorf("uniform reconstruction variance = %g, want 0", quals[1].Variance)
	}
}
