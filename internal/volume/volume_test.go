package volume

import (
	"math"
	"math/cmplx"
	"testing"
)

// makeBlock returns a volume with a rectangular block of the given
// amplitude centred at (cz, cy, cx).
func makeBlock(nz, ny, nx, cz, cy, cx, half int, amp float64) *Volume {
	v := New(nz, ny, nx)
	for z := cz - half; z <= cz+half; z++ {
		for y := cy - half; y <= cy+half; y++ {
			for x := cx - half; x <= cx+half; x++ {
				if z >= 0 && z < nz && y >= 0 && y < ny && x >= 0 && x < nx {
					v.Set(z, y, x, complex(amp, 0))
				}
			}
		}
	}
	return v
}

func TestCropPadRoundTrip(t *testing.T) {
	v := makeBlock(8, 8, 8, 4, 4, 4, 1, 2.0)

	padded, err := v.CropPad(16, 12, 8)
	if err != nil {
		t.Fatalf("CropPad pad: %v", err)
	}
	if padded.NZ != 16 || padded.NY != 12 || padded.NX != 8 {
		t.Fatalf("padded shape = %v", padded.Shape())
	}
	// Block centre moves with the centred padding: (16-8)/2 = 4 offset in z.
	if got := padded.At(8, 6, 4); got != complex(2.0, 0) {
		t.Errorf("padded centre voxel = %v, want 2", got)
	}

	back, err := padded.CropPad(8, 8, 8)
	if err != nil {
		t.Fatalf("CropPad crop: %v", err)
	}
	for i := range v.Data {
		if back.Data[i] != v.Data[i] {
			t.Fatalf("round trip mismatch at %d: %v != %v", i, back.Data[i], v.Data[i])
		}
	}
}

func TestCropPadRejectsBadShape(t *testing.T) {
	v := New(4, 4, 4)
	if _, err := v.CropPad(0, 4, 4); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestRollWrapsAround(t *testing.T) {
	v := New(3, 3, 3)
	v.Set(0, 0, 0, 1)

	r := v.Roll(1, 2, -1)
	if got := r.At(1, 2, 2); got != 1 {
		t.Errorf("rolled voxel not at expected position, At(1,2,2)=%v", got)
	}
	if got := r.At(0, 0, 0); got != 0 {
		t.Errorf("origin should be cleared, got %v", got)
	}

	// Rolling by the full period is the identity.
	id := v.Roll(3, 3, 3)
	if id.At(0, 0, 0) != 1 {
		t.Error("full-period roll should be identity")
	}
}

func TestCenterOfMassAndCentering(t *testing.T) {
	v := makeBlock(16, 16, 16, 4, 5, 6, 1, 1.0)

	cz, cy, cx := v.CenterOfMass()
	if math.Abs(cz-4) > 1e-12 || math.Abs(cy-5) > 1e-12 || math.Abs(cx-6) > 1e-12 {
		t.Fatalf("COM = (%f, %f, %f), want (4, 5, 6)", cz, cy, cx)
	}

	centred, off := v.CenterCOM()
	if off != [3]int{4, 3, 2} {
		t.Errorf("COM offsets = %v, want [4 3 2]", off)
	}
	ncz, ncy, ncx := centred.CenterOfMass()
	if math.Abs(ncz-8) > 1e-12 || math.Abs(ncy-8) > 1e-12 || math.Abs(ncx-8) > 1e-12 {
		t.Errorf("centred COM = (%f, %f, %f), want (8, 8, 8)", ncz, ncy, ncx)
	}
}

func TestCenterMax(t *testing.T) {
	v := New(8, 8, 8)
	v.Set(1, 2, 3, complex(5, 0))
	v.Set(6, 6, 6, complex(1, 0))

	centred, off := v.CenterMax()
	if off != [3]int{3, 2, 1} {
		t.Errorf("max offsets = %v, want [3 2 1]", off)
	}
	z, y, x := centred.ArgMax()
	if z != 4 || y != 4 || x != 4 {
		t.Errorf("max after centering at (%d, %d, %d), want (4, 4, 4)", z, y, x)
	}
}

func TestSupportAndCount(t *testing.T) {
	v := New(4, 4, 4)
	v.Set(1, 1, 1, complex(10, 0))
	v.Set(2, 2, 2, complex(1, 0))

	s := v.Support(0.5)
	if s.Count() != 1 {
		t.Fatalf("support count = %d, want 1", s.Count())
	}
	if s.In[s.Idx(1, 1, 1)] != 1 {
		t.Error("support should contain the bright voxel")
	}
}

func TestCoordination(t *testing.T) {
	m := NewMask(5, 5, 5)
	// A single voxel surrounded by nothing.
	m.In[m.Idx(2, 2, 2)] = 1

	coord, err := m.Coordination(3)
	if err != nil {
		t.Fatalf("Coordination: %v", err)
	}
	// The voxel itself and its 26 neighbours all see exactly 1 set voxel.
	if coord[m.Idx(2, 2, 2)] != 1 {
		t.Errorf("centre coordination = %d, want 1", coord[m.Idx(2, 2, 2)])
	}
	if coord[m.Idx(1, 2, 2)] != 1 {
		t.Errorf("neighbour coordination = %d, want 1", coord[m.Idx(1, 2, 2)])
	}
	if coord[m.Idx(0, 0, 0)] != 0 {
		t.Errorf("far corner coordination = %d, want 0", coord[m.Idx(0, 0, 0)])
	}

	if _, err := m.Coordination(4); err == nil {
		t.Error("even kernel edge should be rejected")
	}
}

func TestBulkThreshold(t *testing.T) {
	v := makeBlock(10, 10, 10, 5, 5, 5, 2, 1.0)
	// Dim shell voxel.
	v.Set(5, 5, 8, complex(0.1, 0))

	bulk := v.BulkThreshold(0.5)
	if bulk.In[bulk.Idx(5, 5, 5)] != 1 {
		t.Error("block interior should be bulk")
	}
	if bulk.In[bulk.Idx(5, 5, 8)] != 0 {
		t.Error("dim voxel should not be bulk")
	}
}

func TestDataRange(t *testing.T) {
	v := makeBlock(16, 16, 16, 8, 8, 8, 2, 1.0)

	zr, yr, xr := v.DataRange([3]int{1, 2, 3}, 0.1, false)
	// Block spans [6,10]; min edge distance is 6, so half range = 8-6 = 2.
	if zr != 3 || yr != 4 || xr != 5 {
		t.Errorf("ranges = (%d, %d, %d), want (3, 4, 5)", zr, yr, xr)
	}

	zr, yr, xr = v.DataRange([3]int{0, 0, 0}, 0.1, true)
	if zr != 8 || yr != 8 || xr != 8 {
		t.Errorf("keepSize ranges = (%d, %d, %d), want (8, 8, 8)", zr, yr, xr)
	}
}

func TestRotateIdentity(t *testing.T) {
	v := makeBlock(12, 12, 12, 6, 6, 6, 2, 1.0)

	rot, err := v.Rotate([3]float64{0, 1, 0}, [3]float64{0, 1, 0})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	for i := range v.Data {
		if cmplx.Abs(rot.Data[i]-v.Data[i]) > 1e-9 {
			t.Fatalf("identity rotation changed voxel %d: %v != %v", i, rot.Data[i], v.Data[i])
		}
	}
}

func TestRotateQuarterTurn(t *testing.T) {
	v := New(16, 16, 16)
	// An off-centre voxel along +X.
	v.Set(8, 8, 12, complex(1, 0))

	// Align +X onto +Y: content at +X should end up along... the inverse
	// mapping sends output +Y to input +X, so the bright voxel appears at +Y.
	rot, err := v.Rotate([3]float64{1, 0, 0}, [3]float64{0, 1, 0})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if a := cmplx.Abs(rot.At(8, 12, 8)); a < 0.5 {
		t.Errorf("rotated voxel amplitude at (8,12,8) = %f, want ~1", a)
	}
	if a := cmplx.Abs(rot.At(8, 8, 12)); a > 0.5 {
		t.Errorf("original position should be empty, amplitude %f", a)
	}
}

func TestRotateAntiparallelRejected(t *testing.T) {
	v := New(4, 4, 4)
	if _, err := v.Rotate([3]float64{0, 1, 0}, [3]float64{0, -1, 0}); err == nil {
		t.Error("antiparallel axes should be rejected")
	}
}

func TestRegridPreservesCenter(t *testing.T) {
	v := makeBlock(16, 16, 16, 8, 8, 8, 3, 1.0)

	// Halving the voxel size should shrink the block footprint.
	re, err := v.Regrid([3]float64{10, 10, 10}, 20)
	if err != nil {
		t.Fatalf("Regrid: %v", err)
	}
	if a := cmplx.Abs(re.At(8, 8, 8)); a < 0.9 {
		t.Errorf("centre amplitude = %f, want ~1", a)
	}
	// A voxel 3 cells from centre maps back to 6 cells out, beyond the block.
	if a := cmplx.Abs(re.At(8, 8, 11)); a > 0.5 {
		t.Errorf("expanded sampling should miss the block at (8,8,11), amplitude %f", a)
	}

	if _, err := v.Regrid([3]float64{0, 1, 1}, 1); err == nil {
		t.Error("zero voxel size should be rejected")
	}
}

func TestFromAmpPhase(t *testing.T) {
	amp := []float64{1, 2}
	phase := []float64{0, math.Pi / 2}
	v, err := FromAmpPhase(1, 1, 2, amp, phase)
	if err != nil {
		t.Fatalf("FromAmpPhase: %v", err)
	}
	if math.Abs(real(v.Data[0])-1) > 1e-12 {
		t.Errorf("voxel 0 = %v, want 1+0i", v.Data[0])
	}
	if math.Abs(imag(v.Data[1])-2) > 1e-12 {
		t.Errorf("voxel 1 = %v, want 0+2i", v.Data[1])
	}

	if _, err := FromAmpPhase(2, 2, 2, amp, phase); err == nil {
		t.Error("length mismatch should be rejected")
	}
}

func TestNormalise(t *testing.T) {
	v := New(2, 2, 2)
	v.Set(0, 0, 0, complex(4, 0))
	v.Set(1, 1, 1, complex(0, 2))

	v.Normalise()
	if math.Abs(v.MaxAmplitude()-1) > 1e-12 {
		t.Errorf("max amplitude after normalise = %f, want 1", v.MaxAmplitude())
	}
	if math.Abs(cmplx.Abs(v.At(1, 1, 1))-0.5) > 1e-12 {
		t.Errorf("relative amplitudes should be preserved")
	}
}
