package detector

import "fmt"

// FlatField divides the frame by a per-pixel gain map in place. Gain
// values at or below zero mark insensitive pixels and zero the output.
func FlatField(f *Frame, gain *Frame) error {
	if f.NY != gain.NY || f.NX != gain.NX {
		return fmt.Errorf("gain shape (%d, %d) does not match frame (%d, %d)", gain.NY, gain.NX, f.NY, f.NX)
	}
	for i, g := range gain.Data {
		if g <= 0 {
			f.Data[i] = 0
			continue
		}
		f.Data[i] /= g
	}
	return nil
}

// MonitorNormalise rescales the frame by reference/monitor, compensating
// incident beam intensity drifts between frames.
func MonitorNormalise(f *Frame, monitor, reference float64) error {
	if monitor <= 0 || reference <= 0 {
		return fmt.Errorf("monitor and reference counts must be positive, got %g and %g", monitor, reference)
	}
	scale := reference / monitor
	for i := range f.Data {
		f.Data[i] *= scale
	}
	return nil
}

// PhotonThreshold zeroes pixels below the threshold in place and returns
// the number of pixels cleared. Low counts are readout noise rather than
// scattered photons.
func PhotonThreshold(f *Frame, threshold float64) int {
	n := 0
	for i, v := range f.Data {
		if v < threshold {
			if v != 0 {
				n++
			}
			f.Data[i] = 0
		}
	}
	return n
}
