package quantization

import (
	"encoding/binary"
	"math"
)

// Raw stores float32 values little-endian without loss.
type Raw struct {
	dim int
}

// NewRaw creates a raw codec.
func NewRaw(dim int) *Raw { return &Raw{dim: dim} }

func (r *Raw) Kind() Kind              { return KindRaw }
func (r *Raw) Dimension() int          { return r.dim }
func (r *Raw) Train([][]float32) error { return nil }
func (r *Raw) EncodedSize() int        { return r.dim * 4 }

func (r *Raw) Encode(dst []byte, v []float32) error {
	if err := checkDim(r, v); err != nil {
		return err
	}
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(x))
	}
	return nil
}

func (r *Raw) Decode(dst []float32, code []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(code[i*4:]))
	}
}

func (r *Raw) MarshalBinary() ([]byte, error) { return nil, nil }
func (r *Raw) UnmarshalBinary([]byte) error   { return nil }
