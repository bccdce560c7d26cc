package artifact

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// maxHeaderBytes bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderBytes = 100 << 20

// Tensor is a dense float32 tensor read from a checkpoint.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape.
func (t Tensor) NumElements() int {
	n := 1
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensorsFile reads every tensor of a safetensors checkpoint.
func ReadSafetensorsFile(path string) (map[string]Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	return DecodeSafetensors(raw)
}

// DecodeSafetensors parses the safetensors layout: a little-endian uint64
// header length, a JSON header, then the raw tensor bytes. Only F32 tensors
// are supported.
func DecodeSafetensors(raw []byte) (map[string]Tensor, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("%w: checkpoint shorter than its length prefix", ErrCorrupt)
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen == 0 || headerLen > maxHeaderBytes || headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: invalid header length %d", ErrCorrupt, headerLen)
	}
	headerRaw := raw[8 : 8+headerLen]
	data := raw[8+headerLen:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %w", ErrCorrupt, err)
	}

	tensors := make(map[string]Tensor, len(header))
	for name, entry := range header {
		if name == "__metadata__" {
			continue
		}
		var th tensorHeader
		if err := json.Unmarshal(entry, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %w", ErrCorrupt, name, err)
		}
		tensor, err := decodeTensor(name, th, data)
		if err != nil {
			return nil, err
		}
		tensors[name] = tensor
	}
	return tensors, nil
}

func decodeTensor(name string, th tensorHeader, data []byte) (Tensor, error) {
	if th.DType != "F32" {
		return Tensor{}, fmt.Errorf("%w: tensor %q has unsupported dtype %q", ErrCorrupt, name, th.DType)
	}
	begin, end := th.DataOffsets[0], th.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(data)) {
		return Tensor{}, fmt.Errorf("%w: tensor %q offsets [%d,%d) outside %d data bytes", ErrCorrupt, name, begin, end, len(data))
	}
	tensor := Tensor{Shape: append([]int(nil), th.Shape...)}
	count, err := elementCount(tensor.Shape, len(data)/4)
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: tensor %q shape %v: %w", ErrCorrupt, name, th.Shape, err)
	}
	if int64(count)*4 != end-begin {
		return Tensor{}, fmt.Errorf("%w: tensor %q shape %v needs %d bytes, has %d", ErrCorrupt, name, th.Shape, count*4, end-begin)
	}
	tensor.Data = make([]float32, count)
	chunk := data[begin:end]
	for i := range tensor.Data {
		tensor.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk[i*4:]))
	}
	return tensor, nil
}

// elementCount multiplies the dimensions of shape, failing on negative
// dimensions or once the product passes limit. The running product never
// exceeds limit, so it cannot overflow.
func elementCount(shape []int, limit int) (int, error) {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, errors.New("negative dimension")
		}
		if dim > 0 && n > limit/dim {
			return 0, fmt.Errorf("more than %d elements", limit)
		}
		n *= dim
	}
	return n, nil
}

// WriteSafetensors encodes F32 tensors in the safetensors layout. Tensors
// are laid out in name order so the output is deterministic.
func WriteSafetensors(w io.Writer, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(names))
	var body bytes.Buffer
	for _, name := range names {
		tensor := tensors[name]
		if tensor.NumElements() != len(tensor.Data) {
			return fmt.Errorf("tensor %q shape %v does not match %d values", name, tensor.Shape, len(tensor.Data))
		}
		begin := int64(body.Len())
		for _, value := range tensor.Data {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(value))
			body.Write(buf[:])
		}
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       tensor.Shape,
			DataOffsets: [2]int64{begin, int64(body.Len())},
		}
	}
	headerRaw, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(headerRaw)))
	for _, part := range [][]byte{prefix[:], headerRaw, body.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}
