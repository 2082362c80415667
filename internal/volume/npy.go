package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/beamline-data/bragg.report/internal/fsutil"
)

// NPY serialisation for detector stacks and reconstructions. Only the
// dtypes the pipeline exchanges with phasing tools are supported:
// little-endian float64 ("<f8") and complex128 ("<c16"), C order.

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

// maxNPYElements caps decoded array size. A corrupt or hostile header
// must not drive an arbitrarily large allocation.
const maxNPYElements = 1 << 28

// NPYArray is a decoded NPY file. Exactly one of Floats or Complexes is
// populated depending on the stored dtype.
type NPYArray struct {
	Shape     []int
	Dtype     string
	Floats    []float64
	Complexes []complex128
}

// Volume converts a 3D array to a Volume. Float data is promoted to
// complex with zero imaginary part.
func (a *NPYArray) Volume() (*Volume, error) {
	if len(a.Shape) != 3 {
		return nil, fmt.Errorf("expected a 3D array, got shape %v", a.Shape)
	}
	nz, ny, nx := a.Shape[0], a.Shape[1], a.Shape[2]
	if a.Complexes != nil {
		return FromData(nz, ny, nx, a.Complexes)
	}
	data := make([]complex128, len(a.Floats))
	for i, f := range a.Floats {
		data[i] = complex(f, 0)
	}
	return FromData(nz, ny, nx, data)
}

func npyHeader(descr string, shape []int) []byte {
	dims := make([]string, len(shape))
	for i, n := range shape {
		dims[i] = strconv.Itoa(n)
	}
	shapeStr := strings.Join(dims, ", ")
	if len(shape) == 1 {
		shapeStr += ","
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)

	// Total of magic+version+headerlen+header must be a multiple of 64,
	// with the header terminated by a newline.
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	buf := &bytes.Buffer{}
	buf.Write(npyMagic)
	buf.WriteByte(1) // major
	buf.WriteByte(0) // minor
	binary.Write(buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	return buf.Bytes()
}

// WriteNPYFloat writes a float64 array in NPY v1.0 format.
func WriteNPYFloat(w io.Writer, shape []int, data []float64) error {
	if err := checkShape(shape, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(npyHeader("<f8", shape)); err != nil {
		return fmt.Errorf("write npy header: %w", err)
	}
	buf := make([]byte, 8*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write npy payload: %w", err)
	}
	return nil
}

// WriteNPYComplex writes a complex128 array in NPY v1.0 format.
func WriteNPYComplex(w io.Writer, shape []int, data []complex128) error {
	if err := checkShape(shape, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(npyHeader("<c16", shape)); err != nil {
		return fmt.Errorf("write npy header: %w", err)
	}
	buf := make([]byte, 16*len(data))
	for i, c := range data {
		binary.LittleEndian.PutUint64(buf[16*i:], math.Float64bits(real(c)))
		binary.LittleEndian.PutUint64(buf[16*i+8:], math.Float64bits(imag(c)))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write npy payload: %w", err)
	}
	return nil
}

func checkShape(shape []int, n int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape must not be empty")
	}
	count := 1
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("shape dimensions must be positive, got %v", shape)
		}
		count *= d
	}
	if count != n {
		return fmt.Errorf("shape %v implies %d elements, buffer has %d", shape, count, n)
	}
	return nil
}

// ReadNPY decodes an NPY v1.x/v2.x stream containing a "<f8" or "<c16"
// C-ordered array.
func ReadNPY(r io.Reader) (*NPYArray, error) {
	head := make([]byte, 8)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read npy magic: %w", err)
	}
	if !bytes.Equal(head[:6], npyMagic) {
		return nil, fmt.Errorf("not an NPY file")
	}
	major := head[6]

	var headerLen int
	switch major {
	case 1:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(l)
	case 2, 3:
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return nil, fmt.Errorf("read npy header length: %w", err)
		}
		headerLen = int(l)
	default:
		return nil, fmt.Errorf("unsupported NPY version %d", major)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("read npy header: %w", err)
	}
	header := string(headerBytes)

	descr, err := headerField(header, "descr")
	if err != nil {
		return nil, err
	}
	if strings.Contains(header, "'fortran_order': True") {
		return nil, fmt.Errorf("fortran-ordered NPY arrays are not supported")
	}
	shape, err := headerShape(header)
	if err != nil {
		return nil, err
	}
	count := 1
	for _, d := range shape {
		if count > maxNPYElements/d {
			return nil, fmt.Errorf("npy array with shape %v exceeds %d elements", shape, maxNPYElements)
		}
		count *= d
	}

	out := &NPYArray{Shape: shape, Dtype: descr}
	switch descr {
	case "<f8":
		payload := make([]byte, 8*count)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read npy payload: %w", err)
		}
		out.Floats = make([]float64, count)
		for i := range out.Floats {
			out.Floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
		}
	case "<c16":
		payload := make([]byte, 16*count)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read npy payload: %w", err)
		}
		out.Complexes = make([]complex128, count)
		for i := range out.Complexes {
			re := math.Float64frombits(binary.LittleEndian.Uint64(payload[16*i:]))
			im := math.Float64frombits(binary.LittleEndian.Uint64(payload[16*i+8:]))
			out.Complexes[i] = complex(re, im)
		}
	default:
		return nil, fmt.Errorf("unsupported NPY dtype %q (only <f8 and <c16)", descr)
	}
	return out, nil
}

func headerField(header, key string) (string, error) {
	marker := "'" + key + "': '"
	i := strings.Index(header, marker)
	if i < 0 {
		return "", fmt.Errorf("npy header missing %q field", key)
	}
	rest := header[i+len(marker):]
	j := strings.IndexByte(rest, '\'')
	if j < 0 {
		return "", fmt.Errorf("malformed npy header field %q", key)
	}
	return rest[:j], nil
}

func headerShape(header string) ([]int, error) {
	marker := "'shape': ("
	i := strings.Index(header, marker)
	if i < 0 {
		return nil, fmt.Errorf("npy header missing shape")
	}
	rest := header[i+len(marker):]
	j := strings.IndexByte(rest, ')')
	if j < 0 {
		return nil, fmt.Errorf("malformed npy shape")
	}
	var shape []int
	for _, part := range strings.Split(rest[:j], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("malformed npy shape dimension %q: %w", part, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("npy shape dimension %d out of range", n)
		}
		shape = append(shape, n)
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("npy scalar arrays are not supported")
	}
	return shape, nil
}

// SaveNPY writes a complex volume to path atomically.
func SaveNPY(path string, v *Volume) error {
	buf := &bytes.Buffer{}
	if err := WriteNPYComplex(buf, []int{v.NZ, v.NY, v.NX}, v.Data); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// SaveFieldNPY writes a real-valued field with the volume's shape to path
// atomically. Used for amplitude, phase and strain outputs.
func SaveFieldNPY(path string, shape [3]int, field []float64) error {
	buf := &bytes.Buffer{}
	if err := WriteNPYFloat(buf, shape[:], field); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}

// LoadNPY reads a 3D volume from an NPY file on the given filesystem.
func LoadNPY(fs fsutil.FileSystem, path string) (*Volume, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	arr, err := ReadNPY(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return arr.Volume()
}
