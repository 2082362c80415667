package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"

	"github.com/beamline-data/bragg.report/internal/fsutil"
)

// Snapshot is the gob-serialisable form of a Volume, used for compressed
// intermediate checkpoints between pipeline stages. NPY remains the
// interchange format with external phasing tools; snapshots are internal.
type Snapshot struct {
	NZ, NY, NX int
	Data       []complex128
}

// Serialize compresses the volume using gob encoding and gzip compression.
func (v *Volume) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(Snapshot{NZ: v.NZ, NY: v.NY, NX: v.NX, Data: v.Data}); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeSnapshot decodes a blob produced by Serialize.
func DeserializeSnapshot(blob []byte) (*Volume, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer gz.Close()
	var s Snapshot
	if err := gob.NewDecoder(gz).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return FromData(s.NZ, s.NY, s.NX, s.Data)
}

// SaveSnapshot writes a compressed checkpoint to path atomically.
func SaveSnapshot(path string, v *Volume) error {
	blob, err := v.Serialize()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, blob, 0644)
}

// LoadSnapshot reads a compressed checkpoint from the given filesystem.
func LoadSnapshot(fs fsutil.FileSystem, path string) (*Volume, error) {
	blob, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return DeserializeSnapshot(blob)
}
