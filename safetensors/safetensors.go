// Package safetensors reads model weights in the safetensors format into ml
// tensors. Only the JSON headers are parsed up front; tensor data is read on
// demand.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/jmorganca/ctrlnet/ml"
)

// TensorInfo contains metadata about a tensor.
type TensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// Header maps tensor names to their metadata.
type Header map[string]TensorInfo

// parseHeader reads only the JSON header from a safetensors file and returns
// it together with the offset where tensor data begins.
func parseHeader(path string) (Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, fmt.Errorf("failed to read header size: %w", err)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to parse header: %w", err)
	}

	delete(header, "__metadata__")
	return header, int64(8 + headerSize), nil
}

// ModelWeights indexes tensors across the safetensor files of a model
// directory.
type ModelWeights struct {
	tensorFiles map[string]string
	tensorInfo  map[string]TensorInfo
	dataStart   map[string]int64
}

// LoadModelWeights scans *.safetensors files under dir and builds a tensor
// index without reading tensor data.
func LoadModelWeights(dir string) (*ModelWeights, error) {
	mw := &ModelWeights{
		tensorFiles: make(map[string]string),
		tensorInfo:  make(map[string]TensorInfo),
		dataStart:   make(map[string]int64),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".safetensors") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		header, start, err := parseHeader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		for name, info := range header {
			mw.tensorFiles[name] = path
			mw.tensorInfo[name] = info
			mw.dataStart[name] = start
		}
	}

	if len(mw.tensorFiles) == 0 {
		return nil, fmt.Errorf("no safetensor files found in %s", dir)
	}

	return mw, nil
}

// Names returns all tensor names in sorted order.
func (mw *ModelWeights) Names() []string {
	names := make([]string, 0, len(mw.tensorInfo))
	for name := range mw.tensorInfo {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Info returns the metadata for a tensor.
func (mw *ModelWeights) Info(name string) (TensorInfo, bool) {
	info, ok := mw.tensorInfo[name]
	return info, ok
}

// Load reads one tensor and materializes it in ctx. F16 and BF16 data is
// widened to F32.
func (mw *ModelWeights) Load(ctx ml.Context, name string) (ml.Tensor, error) {
	path, ok := mw.tensorFiles[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}
	info := mw.tensorInfo[name]

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(mw.dataStart[name]+int64(info.DataOffsets[0]), io.SeekStart); err != nil {
		return nil, err
	}
	size := info.DataOffsets[1] - info.DataOffsets[0]

	shape := info.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}

	switch strings.ToUpper(info.Dtype) {
	case "F32", "FLOAT32":
		f32s := make([]float32, size/4)
		if err := binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return ctx.FromFloats(f32s, shape...), nil
	case "F16", "FLOAT16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return ctx.FromFloats(f32s, shape...), nil
	case "BF16", "BFLOAT16":
		u8s := make([]uint8, size)
		if err := binary.Read(f, binary.LittleEndian, u8s); err != nil {
			return nil, err
		}
		return ctx.FromFloats(bfloat16.DecodeFloat32(u8s), shape...), nil
	case "I32", "INT32":
		i32s := make([]int32, size/4)
		if err := binary.Read(f, binary.LittleEndian, i32s); err != nil {
			return nil, err
		}
		return ctx.FromInts(i32s, shape...), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", info.Dtype)
	}
}
