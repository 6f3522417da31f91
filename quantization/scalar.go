package quantization

import (
	"encoding/binary"
	"math"
)

// Scalar implements 8-bit scalar quantization with a per-dimension range.
// Each value is mapped linearly from [min, max] of its dimension to [0, 255].
type Scalar struct {
	dim     int
	min     []float32
	max     []float32
	trained bool
}

// NewScalar creates an untrained scalar codec.
func NewScalar(dim int) *Scalar { return &Scalar{dim: dim} }

func (s *Scalar) Kind() Kind       { return KindScalar }
func (s *Scalar) Dimension() int   { return s.dim }
func (s *Scalar) EncodedSize() int { return s.dim }

// Train finds the per-dimension value range.
func (s *Scalar) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return ErrNoTrainingData
	}
	s.min = make([]float32, s.dim)
	s.max = make([]float32, s.dim)
	for d := range s.dim {
		s.min[d] = math.MaxFloat32
		s.max[d] = -math.MaxFloat32
	}
	for _, v := range vectors {
		if err := checkDim(s, v); err != nil {
			return err
		}
		for d, x := range v {
			s.min[d] = min(s.min[d], x)
			s.max[d] = max(s.max[d], x)
		}
	}
	for d := range s.dim {
		if s.min[d] == s.max[d] {
			s.max[d] = s.min[d] + 1
		}
	}
	s.trained = true
	return nil
}

func (s *Scalar) Encode(dst []byte, v []float32) error {
	if !s.trained {
		return ErrNotTrained
	}
	if err := checkDim(s, v); err != nil {
		return err
	}
	for d, x := range v {
		x = min(max(x, s.min[d]), s.max[d])
		dst[d] = uint8((x-s.min[d])*255/(s.max[d]-s.min[d]) + 0.5)
	}
	return nil
}

func (s *Scalar) Decode(dst []float32, code []byte) {
	for d := range dst {
		dst[d] = float32(code[d])*(s.max[d]-s.min[d])/255 + s.min[d]
	}
}

// MarshalBinary encodes the ranges as [min float32 × dim][max float32 × dim].
func (s *Scalar) MarshalBinary() ([]byte, error) {
	if !s.trained {
		return nil, ErrNotTrained
	}
	b := make([]byte, 8*s.dim)
	for d := range s.dim {
		binary.LittleEndian.PutUint32(b[d*4:], math.Float32bits(s.min[d]))
		binary.LittleEndian.PutUint32(b[(s.dim+d)*4:], math.Float32bits(s.max[d]))
	}
	return b, nil
}

func (s *Scalar) UnmarshalBinary(data []byte) error {
	if len(data) != 8*s.dim {
		return ErrInvalidState
	}
	s.min = make([]float32, s.dim)
	s.max = make([]float32, s.dim)
	for d := range s.dim {
		s.min[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[d*4:]))
		s.max[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[(s.dim+d)*4:]))
	}
	s.trained = true
	return nil
}
