package convert

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"

	metadataKey = "__metadata__"

	// maxHeaderSize bounds the JSON header read from untrusted files.
	maxHeaderSize = 100 << 20
)

var (
	ErrUnsupportedDType = errors.New("unsupported data type")
	ErrInvalidHeader    = errors.New("invalid safetensors header")
)

// Tensor is a named float tensor. Data is stored row-major.
type Tensor struct {
	Name  string
	Shape []uint64
	Data  []float32
}

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// TensorInfo describes one tensor of a safetensors header.
type TensorInfo struct {
	Name   string
	DType  string
	Shape  []uint64
	Offset int64
	Size   int64
}

func dtypeSize(dtype string) (int64, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

func elements(shape []uint64) uint64 {
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// WriteSafetensors writes tensors to w in the safetensors format, converting
// values to dtype. Tensors are laid out in the order given.
func WriteSafetensors(w io.Writer, tensors []Tensor, dtype string, metadata map[string]string) error {
	size, err := dtypeSize(dtype)
	if err != nil {
		return err
	}

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, t := range tensors {
		if t.Name == "" || t.Name == metadataKey {
			return fmt.Errorf("%w: invalid tensor name %q", ErrInvalidHeader, t.Name)
		}

		if _, ok := header[t.Name]; ok {
			return fmt.Errorf("%w: duplicate tensor name %q", ErrInvalidHeader, t.Name)
		}

		if n := elements(t.Shape); n != uint64(len(t.Data)) {
			return fmt.Errorf("%w: tensor %s has %d values, shape %v needs %d", ErrInvalidHeader, t.Name, len(t.Data), t.Shape, n)
		}

		end := offset + int64(len(t.Data))*size
		header[t.Name] = safetensorMetadata{Type: dtype, Shape: t.Shape, Offsets: []int64{offset, end}}
		offset = end
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// pad the header so tensor data starts 8 byte aligned
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(bts))); err != nil {
		return err
	}

	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, t := range tensors {
		if err := writeTensorData(w, t.Data, dtype); err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
	}

	return nil
}

func writeTensorData(w io.Writer, f32s []float32, dtype string) error {
	switch dtype {
	case DTypeF32:
		return binary.Write(w, binary.LittleEndian, f32s)
	case DTypeF16:
		f16s := make([]uint16, len(f32s))
		for i := range f32s {
			f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}

		return binary.Write(w, binary.LittleEndian, f16s)
	case DTypeBF16:
		_, err := w.Write(bfloat16.EncodeFloat32(f32s))
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

// ReadSafetensorsHeader reads the header at the start of r. Offsets in the
// returned tensors are relative to the start of the file.
func ReadSafetensorsHeader(r io.Reader) ([]TensorInfo, map[string]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}

	if n > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header size %d", ErrInvalidHeader, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, int64(n)); err != nil {
		return nil, nil, err
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	var metadata map[string]string
	if raw, ok := headers[metadataKey]; ok {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		delete(headers, metadataKey)
	}

	infos := make([]TensorInfo, 0, len(headers))
	for _, key := range slices.Sorted(maps.Keys(headers)) {
		var value safetensorMetadata
		if err := json.Unmarshal(headers[key], &value); err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %v", ErrInvalidHeader, key, err)
		}

		if len(value.Offsets) != 2 || value.Offsets[1] < value.Offsets[0] {
			return nil, nil, fmt.Errorf("%w: tensor %s has offsets %v", ErrInvalidHeader, key, value.Offsets)
		}

		infos = append(infos, TensorInfo{
			Name:   key,
			DType:  value.Type,
			Shape:  value.Shape,
			Offset: safetensorsPad(int64(n), value.Offsets[0]),
			Size:   value.Offsets[1] - value.Offsets[0],
		})
	}

	slices.SortFunc(infos, func(a, b TensorInfo) int {
		return cmp.Compare(a.Offset, b.Offset)
	})

	return infos, metadata, nil
}

// safetensorsPad returns the file offset of a data offset given a header of
// length n
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

// ReadSafetensors reads every tensor of r, converting values to float32.
func ReadSafetensors(r io.ReadSeeker) ([]Tensor, map[string]string, error) {
	infos, metadata, err := ReadSafetensorsHeader(r)
	if err != nil {
		return nil, nil, err
	}

	tensors := make([]Tensor, 0, len(infos))
	for _, info := range infos {
		if _, err := r.Seek(info.Offset, io.SeekStart); err != nil {
			return nil, nil, err
		}

		f32s, err := readTensorData(io.LimitReader(r, info.Size), info)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", info.Name, err)
		}

		tensors = append(tensors, Tensor{Name: info.Name, Shape: info.Shape, Data: f32s})
	}

	return tensors, metadata, nil
}

func readTensorData(r io.Reader, info TensorInfo) ([]float32, error) {
	size, err := dtypeSize(info.DType)
	if err != nil {
		return nil, err
	}

	if info.Size%size != 0 || uint64(info.Size/size) != elements(info.Shape) {
		return nil, fmt.Errorf("%w: %d bytes of %s for shape %v", ErrInvalidHeader, info.Size, info.DType, info.Shape)
	}

	var f32s []float32
	switch info.DType {
	case DTypeF32:
		f32s = make([]float32, info.Size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case DTypeF16:
		u16s := make([]uint16, info.Size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case DTypeBF16:
		u8s := make([]uint8, info.Size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	}

	return f32s, nil
}

// ParseDType normalizes a user supplied data type name.
func ParseDType(s string) (string, error) {
	switch strings.ToUpper(s) {
	case "F32", "FP32", "FLOAT32":
		return DTypeF32, nil
	case "F16", "FP16", "FLOAT16":
		return DTypeF16, nil
	case "BF16", "BFLOAT16":
		return DTypeBF16, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDType, s)
	}
}
