package quantization

import (
	"encoding/binary"
	"math"
)

// Binary implements 1-bit quantization. Values at or above the threshold
// become 1 and decode to threshold+0.5, others decode to threshold-0.5.
type Binary struct {
	dim       int
	threshold float32
}

// NewBinary creates a binary codec with a zero threshold.
func NewBinary(dim int) *Binary { return &Binary{dim: dim} }

func (b *Binary) Kind() Kind       { return KindBinary }
func (b *Binary) Dimension() int   { return b.dim }
func (b *Binary) EncodedSize() int { return (b.dim + 7) / 8 }

// Threshold returns the current encoding threshold.
func (b *Binary) Threshold() float32 { return b.threshold }

// Train sets the threshold to the global mean of the training values.
func (b *Binary) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return ErrNoTrainingData
	}
	var sum float64
	var n int
	for _, v := range vectors {
		if err := checkDim(b, v); err != nil {
			return err
		}
		for _, x := range v {
			sum += float64(x)
		}
		n += len(v)
	}
	b.threshold = float32(sum / float64(n))
	return nil
}

func (b *Binary) Encode(dst []byte, v []float32) error {
	if err := checkDim(b, v); err != nil {
		return err
	}
	clear(dst[:b.EncodedSize()])
	for i, x := range v {
		if x >= b.threshold {
			dst[i/8] |= 1 << (i % 8)
		}
	}
	return nil
}

func (b *Binary) Decode(dst []float32, code []byte) {
	for i := range dst {
		if code[i/8]&(1<<(i%8)) != 0 {
			dst[i] = b.threshold + 0.5
		} else {
			dst[i] = b.threshold - 0.5
		}
	}
}

func (b *Binary) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(b.threshold))
	return buf, nil
}

func (b *Binary) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return ErrInvalidState
	}
	b.threshold = math.Float32frombits(binary.LittleEndian.Uint32(data))
	return nil
}
