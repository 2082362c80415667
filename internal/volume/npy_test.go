package volume

import (
	"bytes"
	"testing"
)

func TestNPYFloatRoundTrip(t *testing.T) {
	shape := []int{2, 3, 4}
	data := make([]float64, 24)
	for i := range data {
		data[i] = float64(i) * 0.5
	}

	buf := &bytes.Buffer{}
	if err := WriteNPYFloat(buf, shape, data); err != nil {
		t.Fatalf("WriteNPYFloat: %v", err)
	}
	// Header plus payload must align the data section to a 64-byte multiple.
	if (buf.Len()-24*8)%64 != 0 {
		t.Errorf("header length %d not a multiple of 64", buf.Len()-24*8)
	}

	arr, err := ReadNPY(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadNPY: %v", err)
	}
	if arr.Dtype != "<f8" {
		t.Errorf("dtype = %q, want <f8", arr.Dtype)
	}
	if len(arr.Shape) != 3 || arr.Shape[0] != 2 || arr.Shape[1] != 3 || arr.Shape[2] != 4 {
		t.Fatalf("shape = %v, want [2 3 4]", arr.Shape)
	}
	for i := range data {
		if arr.Floats[i] != data[i] {
			t.Fatalf("value %d = %f, want %f", i, arr.Floats[i], data[i])
		}
	}
}

func TestNPYComplexRoundTrip(t *testing.T) {
	v := New(2, 2, 2)
	for i := range v.Data {
		v.Data[i] = complex(float64(i), -float64(i))
	}

	buf := &bytes.Buffer{}
	if err := WriteNPYComplex(buf, []int{2, 2, 2}, v.Data); err != nil {
		t.Fatalf("WriteNPYComplex: %v", err)
	}
	arr, err := ReadNPY(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadNPY: %v", err)
	}
	if arr.Dtype != "<c16" {
		t.Errorf("dtype = %q, want <c16", arr.Dtype)
	}
	back, err := arr.Volume()
	if err != nil {
		t.Fatalf("Volume: %v", err)
	}
	for i := range v.Data {
		if back.Data[i] != v.Data[i] {
			t.Fatalf("value %d = %v, want %v", i, back.Data[i], v.Data[i])
		}
	}
}

func TestReadNPYRejectsGarbage(t *testing.T) {
	if _, err := ReadNPY(bytes.NewReader([]byte("definitely not npy"))); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestReadNPYRejectsFortranOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteNPYFloat(buf, []int{2, 2}, make([]float64, 4)); err != nil {
		t.Fatalf("WriteNPYFloat: %v", err)
	}
	raw := bytes.Replace(buf.Bytes(), []byte("'fortran_order': False"), []byte("'fortran_order': True "), 1)
	if _, err := ReadNPY(bytes.NewReader(raw)); err == nil {
		t.Error("expected error for fortran order")
	}
}

func npyV1Stream(dict string) []byte {
	raw := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0}
	raw = append(raw, byte(len(dict)), byte(len(dict)>>8))
	return append(raw, dict...)
}

func TestReadNPYRejectsBadShapes(t *testing.T) {
	cases := []struct {
		name string
		dict string
	}{
		{"negative dimension", "{'descr': '<f8', 'fortran_order': False, 'shape': (-1, 4), }"},
		{"zero dimension", "{'descr': '<f8', 'fortran_order': False, 'shape': (0, 4), }"},
		{"oversized array", "{'descr': '<f8', 'fortran_order': False, 'shape': (1099511627776, 1099511627776), }"},
	}
	for _, tc := range cases {
		if _, err := ReadNPY(bytes.NewReader(npyV1Stream(tc.dict))); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestWriteNPYShapeMismatch(t *testing.T) {
	if err := WriteNPYFloat(&bytes.Buffer{}, []int{2, 2}, make([]float64, 5)); err == nil {
		t.Error("expected error for length/shape mismatch")
	}
	if err := WriteNPYFloat(&bytes.Buffer{}, nil, nil); err == nil {
		t.Error("expected error for empty shape")
	}
}
