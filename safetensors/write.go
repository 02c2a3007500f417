package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"slices"
)

// F32Tensor is one float32 tensor destined for a safetensors file.
type F32Tensor struct {
	Shape []int
	Data  []float32
}

// SaveF32 writes tensors to a single safetensors file with F32 payloads.
// Tensors are laid out in sorted name order.
func SaveF32(path string, tensors map[string]F32Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(Header, len(tensors))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		size := 4 * len(t.Data)
		header[name] = TensorInfo{
			Dtype:       "F32",
			Shape:       t.Shape,
			DataOffsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	for _, name := range names {
		if err := binary.Write(f, binary.LittleEndian, tensors[name].Data); err != nil {
			return err
		}
	}

	return nil
}
