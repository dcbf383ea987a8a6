// Package weights reads model checkpoints and partitions their tensors into
// the parameter blobs owned by each pipeline stage.
//
// Checkpoints use the safetensors layout: an 8-byte little-endian header
// length, a JSON header mapping tensor names to dtype, shape and data
// offsets (plus an optional "__metadata__" object), then the raw data.
package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	metadataKey    = "__metadata__"
	maxHeaderBytes = 100 << 20
)

// TensorInfo describes one tensor stored in a checkpoint.
type TensorInfo struct {
	Name    string    `json:"-"`
	DType   string    `json:"dtype"`
	Shape   []int64   `json:"shape"`
	Offsets [2]uint64 `json:"data_offsets"`
}

// Size is the number of data bytes the tensor occupies.
func (t TensorInfo) Size() uint64 { return t.Offsets[1] - t.Offsets[0] }

// Checkpoint is the parsed header of a checkpoint file. Tensor data is not
// read; stages only need sizes and identities to be placed.
type Checkpoint struct {
	Path     string
	Metadata map[string]string
	// Tensors sorted by name.
	Tensors []TensorInfo
}

// Open parses the header of the checkpoint at path.
func Open(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	ckpt, err := readHeader(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	ckpt.Path = path
	return ckpt, nil
}

func readHeader(r io.Reader, fileSize int64) (*Checkpoint, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if n == 0 || n > maxHeaderBytes || int64(n)+8 > fileSize {
		return nil, fmt.Errorf("invalid header length %d", n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	dataLen := uint64(fileSize) - 8 - n
	ckpt := &Checkpoint{}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &ckpt.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, fmt.Errorf("decode tensor %q: %w", name, err)
		}
		if ti.Offsets[0] > ti.Offsets[1] || ti.Offsets[1] > dataLen {
			return nil, fmt.Errorf("tensor %q: offsets %v outside data section of %d bytes", name, ti.Offsets, dataLen)
		}
		ti.Name = name
		ckpt.Tensors = append(ckpt.Tensors, ti)
	}
	sort.Slice(ckpt.Tensors, func(i, j int) bool { return ckpt.Tensors[i].Name < ckpt.Tensors[j].Name })
	return ckpt, nil
}

// Tensor is a named tensor with its raw little-endian data, used by WriteFile.
type Tensor struct {
	Name  string
	DType string
	Shape []int64
	Data  []byte
}

// WriteFile writes tensors to path in checkpoint layout.
func WriteFile(path string, tensors []Tensor, meta map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(meta) > 0 {
		header[metadataKey] = meta
	}
	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	var off uint64
	for _, t := range sorted {
		end := off + uint64(len(t.Data))
		header[t.Name] = TensorInfo{DType: t.DType, Shape: t.Shape, Offsets: [2]uint64{off, end}}
		off = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// pad the header so the data section starts 8-byte aligned
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(len(hdr))); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return err
	}
	for _, t := range sorted {
		if _, err := f.Write(t.Data); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
